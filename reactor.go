package ntc

import (
	"sync"
	"sync/atomic"
	"time"
)

// reactorState mirrors the teacher's FastState lifecycle (sleeping/running/
// terminating/terminated), simplified to the subset ReactorDriver needs:
// a driver is either not yet started, running (inside Run), or stopped.
type reactorState int32

const (
	reactorIdle reactorState = iota
	reactorRunning
	reactorStopping
	reactorStopped
)

// ReactorDriver is the readiness-based I/O driver from spec.md §4.F: it
// owns a [Registry] of attached descriptors, a [Chronology] of timers, and
// drives a platform [poller] (epoll/kqueue/portable fallback) from a
// single goroutine inside Run. Grounded on the teacher's Loop
// (eventloop/loop.go): the run/tick structure, the external call queue
// drained each iteration, and isLoopThread-style single-owner execution,
// simplified from Loop's dual fast-path/IO-mode tick machinery (which
// exists to shave tail latency under extreme throughput) down to one
// straightforward poll-announce-execute cycle, since this package's
// reactor is a building block for socket state machines rather than a
// general-purpose task scheduler.
type ReactorDriver struct {
	opts *options

	registry   *Registry
	chronology *Chronology
	poller     poller

	mu    sync.Mutex
	queue callQueue

	state      atomic.Int32
	goroutine  atomic.Uint64
	nextDescID atomic.Int64
}

// NewReactorDriver constructs a ReactorDriver for the current platform.
func NewReactorDriver(opts ...Option) (*ReactorDriver, error) {
	resolved := resolveOptions(opts)
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &ReactorDriver{
		opts:       resolved,
		registry:   NewRegistry(),
		chronology: NewChronology(resolved.logger),
		poller:     p,
	}, nil
}

// Attach registers a descriptor with the driver so it can later have
// readiness conditions shown/hidden on it, per spec.md §4.F.
func (r *ReactorDriver) Attach(d Descriptor, value any) error {
	return r.registry.Attach(d, value)
}

// Find returns the value attached at d.
func (r *ReactorDriver) Find(d Descriptor) (any, bool) {
	return r.registry.Find(d)
}

// ShowReadable/ShowWritable/ShowError arm the corresponding readiness
// condition for d, invoking cb inline from within poll() when it fires.
func (r *ReactorDriver) ShowReadable(d Descriptor, cb ReadinessCallback) error {
	return r.poller.showReadable(d, cb)
}
func (r *ReactorDriver) ShowWritable(d Descriptor, cb ReadinessCallback) error {
	return r.poller.showWritable(d, cb)
}
func (r *ReactorDriver) ShowError(d Descriptor, cb ReadinessCallback) error {
	return r.poller.showError(d, cb)
}

// HideReadable/HideWritable/HideError disarm the corresponding condition.
func (r *ReactorDriver) HideReadable(d Descriptor) error { return r.poller.hideReadable(d) }
func (r *ReactorDriver) HideWritable(d Descriptor) error { return r.poller.hideWritable(d) }
func (r *ReactorDriver) HideError(d Descriptor) error    { return r.poller.hideError(d) }

// Detach is phase two of the two-phase detach protocol from spec.md §4.B:
// the caller must have already called Registry.BeginDetach under the
// socket's own lock (applying flow control, etc.) before calling Detach,
// which removes d from the poller and then finalizes the registry entry.
func (r *ReactorDriver) Detach(d Descriptor) error {
	if err := r.poller.detach(d); err != nil {
		return err
	}
	r.registry.FinishDetach(d)
	return nil
}

// CreateTimer/Schedule/CancelTimer/CloseTimer proxy to the driver's
// Chronology, so sockets don't need a separate reference to it.
func (r *ReactorDriver) CreateTimer(opts TimerOptions, cb TimerCallback) *Timer {
	return r.chronology.CreateTimer(opts, cb)
}
func (r *ReactorDriver) ScheduleTimer(t *Timer, deadline time.Time) { r.chronology.Schedule(t, deadline) }
func (r *ReactorDriver) CancelTimer(t *Timer)                       { r.chronology.Cancel(t) }
func (r *ReactorDriver) CloseTimer(t *Timer)                        { r.chronology.Close(t) }

// Execute submits fn to run on the driver's own goroutine during the next
// (or current, if called from inside Run) iteration, per spec.md §4.F
// "execute"/"moveAndExecute": if called from the driver's own goroutine it
// still queues, to preserve FIFO ordering relative to anything already
// queued by other callers in the current tick.
func (r *ReactorDriver) Execute(fn func()) error {
	if r.state.Load() == int32(reactorStopped) {
		return NewError(KindInvalid, "reactor.execute", ErrLoopTerminated)
	}
	r.mu.Lock()
	r.queue.push(fn)
	r.mu.Unlock()
	_ = r.poller.interrupt()
	return nil
}

// Run drives the reactor loop until Stop is called or ctxDone fires. It
// must be called from exactly one goroutine at a time; a concurrent second
// call returns ErrReentrantRun.
func (r *ReactorDriver) Run(ctxDone <-chan struct{}) error {
	if !r.state.CompareAndSwap(int32(reactorIdle), int32(reactorRunning)) {
		return NewError(KindInvalid, "reactor.run", ErrReentrantRun)
	}
	defer r.state.Store(int32(reactorStopped))

	for {
		select {
		case <-ctxDone:
			r.drainAndExecute()
			return nil
		default:
		}
		if reactorState(r.state.Load()) == reactorStopping {
			r.drainAndExecute()
			return nil
		}

		timeoutMs := r.pollTimeout()
		if _, err := r.poller.poll(timeoutMs); err != nil {
			logErr(r.opts.logger, err, "reactor poll failed")
		}
		r.chronology.Announce(time.Now())
		r.drainAndExecute()
	}
}

// pollTimeout computes how long poll() may block: zero if work is already
// queued (so it returns immediately to process it), otherwise bounded by
// the earliest timer deadline, otherwise indefinite (-1).
func (r *ReactorDriver) pollTimeout() int {
	r.mu.Lock()
	pending := r.queue.len()
	r.mu.Unlock()
	if pending > 0 {
		return 0
	}
	if deadline, ok := r.chronology.EarliestDeadline(); ok {
		d := time.Until(deadline)
		if d <= 0 {
			return 0
		}
		ms := d.Milliseconds()
		if ms > int64(int(^uint(0)>>1)) {
			ms = int64(int(^uint(0) >> 1))
		}
		return int(ms)
	}
	return -1
}

// drainAndExecute runs every function queued via Execute, repeating until
// the queue is empty (a callback may itself call Execute), per spec.md §5
// "deferred calls accumulated during a callback are executed after the
// lock is released."
func (r *ReactorDriver) drainAndExecute() {
	for {
		r.mu.Lock()
		fns := r.queue.drain()
		r.mu.Unlock()
		if len(fns) == 0 {
			return
		}
		runAll(fns, func(rec any) {
			logErr(r.opts.logger, NewError(KindInvalid, "reactor.execute", nil), "reactor task panicked", "recovered", toString(rec))
		})
	}
}

// Stop requests Run to return after completing its current iteration.
func (r *ReactorDriver) Stop() {
	r.state.CompareAndSwap(int32(reactorRunning), int32(reactorStopping))
	_ = r.poller.interrupt()
}

// InterruptOne wakes a single blocked Run call (a no-op beyond Stop's own
// wakeup, since this driver has exactly one poll loop; kept as a named
// method for spec.md §4.F API parity with deployments that pool multiple
// reactors behind one facade).
func (r *ReactorDriver) InterruptOne() error { return r.poller.interrupt() }

// InterruptAll is equivalent to InterruptOne for a single-poller driver.
func (r *ReactorDriver) InterruptAll() error { return r.poller.interrupt() }

// Close releases the underlying poller. The driver must not be running.
func (r *ReactorDriver) Close() error {
	return r.poller.close()
}
