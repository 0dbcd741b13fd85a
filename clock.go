package ntc

import (
	"container/heap"
	"sync"
	"time"
)

// TimerEvent enumerates the visible events a Timer may announce, per
// spec.md §4.A ("Timer options enumerate visible events: subset of
// {deadline, cancelled, closed}").
type TimerEvent int

const (
	TimerDeadline TimerEvent = iota
	TimerCancelled
	TimerClosed
)

// TimerOptions selects which of {deadline, cancelled, closed} a Timer
// should invoke its callback for, and whether it is periodic.
type TimerOptions struct {
	WantDeadline  bool
	WantCancelled bool
	WantClosed    bool
	Periodic      bool
	// Interval is consulted only when Periodic is true, to compute the next
	// deadline after each firing.
	Interval time.Duration
}

// TimerCallback receives the event kind that fired.
type TimerCallback func(TimerEvent)

// Timer is the handle returned by [Chronology.CreateTimer]. It is always
// owned by exactly one Chronology.
type Timer struct {
	id       uint64
	opts     TimerOptions
	callback TimerCallback

	mu       sync.Mutex
	deadline time.Time
	index    int  // heap index, -1 when not scheduled
	closed   bool
	// firing is true while announce() is dispatching this timer's
	// deadline callback; used to resolve the cancel-during-fire race from
	// spec.md §4.A ("exactly one of deadline or cancelled is delivered,
	// never both").
	firing bool
}

// chronologyHeap is a min-heap over *Timer ordered by deadline, with ties
// broken by insertion order (monotonically increasing id), per spec.md
// §4.A. Grounded on the teacher's timerHeap (eventloop/loop.go), generalized
// from "fire inline func()" to "fire typed timer events."
type chronologyHeap []*Timer

func (h chronologyHeap) Len() int { return len(h) }
func (h chronologyHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h chronologyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *chronologyHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *chronologyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Chronology is the monotonic timer wheel described in spec.md §4.A: a
// deadline-ordered queue that fires callbacks in non-decreasing deadline
// order, ties broken by insertion order.
type Chronology struct {
	mu     sync.Mutex
	heap   chronologyHeap
	nextID uint64
	logger Logger
}

// NewChronology creates an empty Chronology.
func NewChronology(logger Logger) *Chronology {
	return &Chronology{logger: logger}
}

// CreateTimer allocates a Timer that is not yet scheduled; call Schedule to
// arm it.
func (c *Chronology) CreateTimer(opts TimerOptions, onEvent TimerCallback) *Timer {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	return &Timer{id: id, opts: opts, callback: onEvent, index: -1}
}

// Schedule (re)arms t to fire at deadline. Scheduling an already-scheduled
// timer reschedules it (no separate cancel is required).
func (c *Chronology) Schedule(t *Timer, deadline time.Time) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.deadline = deadline
	t.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if t.index >= 0 {
		heap.Fix(&c.heap, t.index)
	} else {
		heap.Push(&c.heap, t)
	}
}

// Cancel unschedules t. If t is concurrently firing, the cancellation is
// resolved per spec.md §4.A: if the callback has already begun announcing
// the deadline event, no cancelled event is announced (the deadline event
// already won the race), but a periodic timer's next occurrence is still
// unscheduled; otherwise exactly the cancelled event fires (if requested).
func (c *Chronology) Cancel(t *Timer) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	firing := t.firing
	wasScheduled := t.index >= 0
	t.mu.Unlock()

	if wasScheduled {
		c.mu.Lock()
		if t.index >= 0 {
			heap.Remove(&c.heap, t.index)
		}
		c.mu.Unlock()
	}

	if wasScheduled && !firing && t.opts.WantCancelled {
		c.dispatch(t, TimerCancelled)
	}
}

// Close is terminal: it cancels any pending schedule and releases the
// callback so it can never fire again.
func (c *Chronology) Close(t *Timer) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	wasScheduled := t.index >= 0
	wantClosed := t.opts.WantClosed
	t.mu.Unlock()

	if wasScheduled {
		c.mu.Lock()
		if t.index >= 0 {
			heap.Remove(&c.heap, t.index)
		}
		c.mu.Unlock()
	}

	if wantClosed {
		c.dispatch(t, TimerClosed)
	}

	t.mu.Lock()
	t.callback = nil
	t.mu.Unlock()
}

// EarliestDeadline returns the deadline of the next timer due to fire, if
// any are scheduled.
func (c *Chronology) EarliestDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.heap) == 0 {
		return time.Time{}, false
	}
	return c.heap[0].deadline, true
}

// Announce fires every timer whose deadline is <= now, in non-decreasing
// deadline order (ties by insertion order), per spec.md §4.A/§8. Periodic
// timers are rescheduled for (deadline + Interval) before their callback
// runs, so a callback that reschedules itself (e.g. via Cancel) observes
// consistent heap state.
func (c *Chronology) Announce(now time.Time) {
	for {
		c.mu.Lock()
		if len(c.heap) == 0 || c.heap[0].deadline.After(now) {
			c.mu.Unlock()
			return
		}
		t := heap.Pop(&c.heap).(*Timer)
		c.mu.Unlock()

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			continue
		}
		t.firing = true
		periodic := t.opts.Periodic
		interval := t.opts.Interval
		wantDeadline := t.opts.WantDeadline
		t.mu.Unlock()

		if periodic && interval > 0 {
			t.mu.Lock()
			t.deadline = t.deadline.Add(interval)
			t.mu.Unlock()
			c.mu.Lock()
			heap.Push(&c.heap, t)
			c.mu.Unlock()
		}

		if wantDeadline {
			c.dispatchLocked(t, TimerDeadline)
		}

		t.mu.Lock()
		t.firing = false
		t.mu.Unlock()
	}
}

func (c *Chronology) dispatch(t *Timer, ev TimerEvent) {
	t.mu.Lock()
	cb := t.callback
	t.mu.Unlock()
	if cb == nil {
		return
	}
	runOne(func() { cb(ev) }, func(r any) {
		logErr(c.logger, NewError(KindInvalid, "chronology.dispatch", nil), "timer callback panicked", "recovered", toString(r))
	})
}

// dispatchLocked is the same as dispatch, named distinctly at call sites
// within Announce. c.mu is not held while cb runs, and a periodic timer has
// already been pushed back for its next deadline, so cb may Schedule,
// Cancel or Close t.
func (c *Chronology) dispatchLocked(t *Timer, ev TimerEvent) {
	c.dispatch(t, ev)
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return ""
}
