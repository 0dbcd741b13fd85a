package ntc

import (
	"sync"
	"sync/atomic"
)

// detachState is the three-phase detach lifecycle an entry passes through on
// its way out of a Registry: idle (attached, in normal use), initiated (the
// two-phase detach protocol has started but the driver has not yet confirmed
// removal), complete (the driver confirmed; the entry is logically gone and
// only waiting to be reaped from the map).
type detachState uint32

const (
	detachIdle detachState = iota
	detachInitiated
	detachComplete
)

// registryEntry pairs a socket handle with its atomic detach state. The
// state is a separate atomic rather than something the socket
// self-synchronizes, per this repo's Design Notes: sockets own their flow
// control/shutdown state as plain mutex-guarded structs, and the registry
// owns the bookkeeping of whether an entry is still live.
type registryEntry struct {
	descriptor Descriptor
	value      any
	state      atomic.Uint32 // detachState
}

func (e *registryEntry) tryBeginDetach() bool {
	return e.state.CompareAndSwap(uint32(detachIdle), uint32(detachInitiated))
}

func (e *registryEntry) finishDetach() {
	e.state.Store(uint32(detachComplete))
}

func (e *registryEntry) detachState() detachState {
	return detachState(e.state.Load())
}

// Registry is the descriptor-keyed table a driver uses to look up the
// socket owning a given OS handle when the poller reports readiness, per
// spec.md §4.B. It is backed by a map guarded by an RWMutex: the teacher's
// registry (eventloop/registry.go) favors weak.Pointer plus a scavenging
// ring buffer because it tracks short-lived promises that may be abandoned
// by their holder; Registry instead tracks sockets with an explicit, caller
// driven Detach lifecycle, so there's nothing to scavenge and a plain map
// is both simpler and sufficient.
type Registry struct {
	mu      sync.RWMutex
	entries map[Descriptor]*registryEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Descriptor]*registryEntry)}
}

// Attach registers value under d. It returns ErrAlreadyExists if d is
// already attached (whether idle or mid-detach).
func (r *Registry) Attach(d Descriptor, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[d]; ok {
		return NewError(KindInvalid, "registry.attach", ErrAlreadyExists)
	}
	e := &registryEntry{descriptor: d, value: value}
	r.entries[d] = e
	return nil
}

// Find looks up the value attached at d. It returns ok=false for both an
// unknown descriptor and one that has completed detachment.
func (r *Registry) Find(d Descriptor) (value any, ok bool) {
	r.mu.RLock()
	e, exists := r.entries[d]
	r.mu.RUnlock()
	if !exists || e.detachState() == detachComplete {
		return nil, false
	}
	return e.value, true
}

// BeginDetach transitions d's entry from idle to initiated, the first phase
// of the two-phase detach protocol described in spec.md §4.B: the caller
// (normally the owning driver, under the socket's lock) applies flow
// control and submits a driver-level detach before this returns true; a
// concurrent second BeginDetach call observes false and must not repeat
// that work.
func (r *Registry) BeginDetach(d Descriptor) (value any, started bool) {
	r.mu.RLock()
	e, exists := r.entries[d]
	r.mu.RUnlock()
	if !exists {
		return nil, false
	}
	return e.value, e.tryBeginDetach()
}

// FinishDetach completes the protocol: it marks the entry complete and
// removes it from the map so Find and ForEach stop observing it. Called
// once the driver confirms the underlying descriptor has actually been
// removed from its poll set.
func (r *Registry) FinishDetach(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[d]
	if !exists {
		return
	}
	e.finishDetach()
	delete(r.entries, d)
}

// ForEach calls fn for every entry not yet fully detached. fn must not
// call back into Registry methods that take the write lock.
func (r *Registry) ForEach(fn func(d Descriptor, value any)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for d, e := range r.entries {
		if e.detachState() == detachComplete {
			continue
		}
		fn(d, e.value)
	}
}

// Len reports the number of entries not yet fully detached.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.detachState() != detachComplete {
			n++
		}
	}
	return n
}
