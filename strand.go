package ntc

import "sync"

// Strand is the single-at-a-time FIFO execution context spec.md §5
// requires for event announcement: "announcements for a given socket are
// never concurrent and never reordered, even when multiple goroutines
// submit them." It generalizes the teacher's Loop.Submit/isLoopThread fast
// path (eventloop/loop.go): rather than owning a dedicated OS thread and
// distinguishing "on loop thread" from "off loop thread," a Strand lets
// whichever goroutine's Execute call finds the strand idle become the
// (temporary) drainer, running its own function plus any work enqueued by
// others while it held the floor — the same "drain after lock release"
// discipline as callQueue, generalized to be fully reentrant and
// self-driving instead of needing a separate pump.
type Strand struct {
	mu      sync.Mutex
	running bool
	queue   callQueue
	logger  Logger
}

// NewStrand creates an idle Strand.
func NewStrand(logger Logger) *Strand {
	return &Strand{logger: logger}
}

// Execute submits fn for serialized execution. If the strand is idle, fn
// (and anything enqueued while fn runs) executes inline on the calling
// goroutine before Execute returns. If the strand is already draining
// (called reentrantly, or concurrently from another goroutine), fn is
// appended to the queue and Execute returns immediately; the active
// drainer will reach it.
func (s *Strand) Execute(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.running {
		s.queue.push(fn)
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.drain(fn)
}

// drain runs first, then repeatedly drains whatever was queued while
// running, until the queue is empty, before releasing the running flag.
func (s *Strand) drain(first func()) {
	current := []func(){first}
	for len(current) > 0 {
		runAll(current, func(r any) {
			logErr(s.logger, NewError(KindInvalid, "strand.execute", nil), "strand task panicked", "recovered", toString(r))
		})

		s.mu.Lock()
		current = s.queue.drain()
		if len(current) == 0 {
			s.running = false
		}
		s.mu.Unlock()
	}
}

// Idle reports whether the strand currently has no active drainer. Racy by
// nature; intended for diagnostics/tests only.
func (s *Strand) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running
}
