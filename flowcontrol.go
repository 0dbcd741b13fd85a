package ntc

import "sync"

// flowDirection distinguishes the read side from the write side of a
// socket, since spec.md §4.C requires flow control to be tracked
// independently per direction.
type flowDirection int

const (
	flowRead flowDirection = iota
	flowWrite
)

// FlowControlState tracks one direction of spec.md §4.C's four-flag model
// (wantSend, wantReceive, lockSend, lockReceive) — this struct covers a
// single direction, so only a want bit and a lock bit remain. It is stored
// inverted as "blocked" rather than "want" so the zero value reports
// not-throttled, matching a freshly opened socket. It is a small
// mutex-guarded struct owned by the socket that uses it, not a
// self-synchronizing actor — consistent with this repo's preference for
// explicit locking over hidden concurrency inside leaf data types.
type FlowControlState struct {
	mu      sync.Mutex
	blocked bool
	lock    bool
	closed  bool
}

// Apply sets want=false (throttles this direction), returning whether the
// effective state changed — the edge callers announce flowControlApplied
// on, per spec.md §4.C. If lock is true, the restriction becomes sticky:
// Relax calls are no-ops until one is made with unlock=true.
func (f *FlowControlState) Apply(lock bool) (changed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	changed = !f.blocked
	f.blocked = true
	if lock {
		f.lock = true
	}
	return changed
}

// Relax sets want=true (clears the throttle) only if this direction isn't
// currently locked, or unlock is true — per spec.md §4.C "relax sets
// want=true only if lock=false or unlock=true." unlock=true also clears
// the sticky lock bit itself, the only way a lock(true) Apply is ever
// released. Returns whether the effective state changed (announce
// flowControlRelaxed on that edge).
func (f *FlowControlState) Relax(unlock bool) (changed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if f.lock && !unlock {
		return false
	}
	if unlock {
		f.lock = false
	}
	changed = f.blocked
	f.blocked = false
	return changed
}

// Applied reports whether this direction is currently throttled.
func (f *FlowControlState) Applied() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked
}

// Close marks this direction permanently unthrottleable and clears any
// sticky lock; subsequent Apply/Relax calls are no-ops. Used when a
// direction shuts down so queued Relax callbacks from in-flight watermark
// crossings don't resurrect it.
func (f *FlowControlState) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.blocked = false
	f.lock = false
}

// SocketFlowControl bundles the read and write direction states a stream
// or datagram socket tracks, per spec.md §4.C.
type SocketFlowControl struct {
	Read  FlowControlState
	Write FlowControlState
}
