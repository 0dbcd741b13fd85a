package ntc

import (
	"testing"
	"time"
)

func TestChronology_FiresInDeadlineOrder(t *testing.T) {
	c := NewChronology(nil)
	base := time.Unix(1000, 0)

	var order []int
	mk := func(id int) *Timer {
		return c.CreateTimer(TimerOptions{WantDeadline: true}, func(TimerEvent) {
			order = append(order, id)
		})
	}

	c.Schedule(mk(3), base.Add(3*time.Second))
	c.Schedule(mk(1), base.Add(1*time.Second))
	c.Schedule(mk(2), base.Add(2*time.Second))

	c.Announce(base.Add(5 * time.Second))

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fire order = %v, want [1 2 3]", order)
	}
}

func TestChronology_AnnounceOnlyFiresDueTimers(t *testing.T) {
	c := NewChronology(nil)
	base := time.Unix(1000, 0)
	fired := false
	timer := c.CreateTimer(TimerOptions{WantDeadline: true}, func(TimerEvent) { fired = true })
	c.Schedule(timer, base.Add(10*time.Second))

	c.Announce(base.Add(5 * time.Second))
	if fired {
		t.Fatal("timer scheduled in the future must not fire early")
	}

	c.Announce(base.Add(10 * time.Second))
	if !fired {
		t.Fatal("timer should fire once its deadline has passed")
	}
}

func TestChronology_CancelSuppressesDeadline(t *testing.T) {
	c := NewChronology(nil)
	base := time.Unix(1000, 0)
	var gotDeadline, gotCancelled bool
	timer := c.CreateTimer(TimerOptions{WantDeadline: true, WantCancelled: true}, func(ev TimerEvent) {
		switch ev {
		case TimerDeadline:
			gotDeadline = true
		case TimerCancelled:
			gotCancelled = true
		}
	})
	c.Schedule(timer, base.Add(time.Second))
	c.Cancel(timer)
	c.Announce(base.Add(time.Hour))

	if gotDeadline {
		t.Fatal("a cancelled timer must never fire its deadline event")
	}
	if !gotCancelled {
		t.Fatal("Cancel() on a scheduled timer should fire the cancelled event")
	}
}

func TestChronology_EarliestDeadline(t *testing.T) {
	c := NewChronology(nil)
	if _, ok := c.EarliestDeadline(); ok {
		t.Fatal("EarliestDeadline() on an empty Chronology should report ok=false")
	}
	base := time.Unix(1000, 0)
	t1 := c.CreateTimer(TimerOptions{WantDeadline: true}, func(TimerEvent) {})
	t2 := c.CreateTimer(TimerOptions{WantDeadline: true}, func(TimerEvent) {})
	c.Schedule(t1, base.Add(5*time.Second))
	c.Schedule(t2, base.Add(2*time.Second))

	d, ok := c.EarliestDeadline()
	if !ok || !d.Equal(base.Add(2*time.Second)) {
		t.Fatalf("EarliestDeadline() = %v, want %v", d, base.Add(2*time.Second))
	}
}

func TestChronology_ClosePreventsFutureFiring(t *testing.T) {
	c := NewChronology(nil)
	base := time.Unix(1000, 0)
	fired := false
	timer := c.CreateTimer(TimerOptions{WantDeadline: true}, func(TimerEvent) { fired = true })
	c.Schedule(timer, base.Add(time.Second))
	c.Close(timer)
	c.Announce(base.Add(time.Hour))

	if fired {
		t.Fatal("a closed timer must never fire again")
	}
}
