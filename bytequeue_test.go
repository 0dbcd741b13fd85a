package ntc

import "testing"

func TestByteQueue_PushPop(t *testing.T) {
	q := NewByteQueue(0, 0)
	q.Push([]byte("hello "), nil)
	q.Push([]byte("world"), nil)

	if got := q.Peek(); got != 11 {
		t.Fatalf("Peek() = %d, want 11", got)
	}

	data, _ := q.PopBytes(5)
	if string(data) != "hello" {
		t.Fatalf("PopBytes(5) = %q, want %q", data, "hello")
	}

	data, _ = q.PopBytes(100)
	if string(data) != " world" {
		t.Fatalf("PopBytes(100) = %q, want %q", data, " world")
	}
}

func TestByteQueue_WatermarkAlternation(t *testing.T) {
	q := NewByteQueue(2, 5)

	if crossed := q.Push([]byte("abc"), nil); crossed {
		t.Fatal("Push(3 bytes) should not cross high=5")
	}
	if crossed := q.Push([]byte("de"), nil); !crossed {
		t.Fatal("Push to 5 bytes should cross high=5")
	}
	if crossed := q.Push([]byte("f"), nil); crossed {
		t.Fatal("a second push above high must not re-announce until a low crossing resets it")
	}

	if _, crossedLow := q.PopBytes(1); crossedLow {
		t.Fatal("popping to 5 bytes should not yet cross low=2")
	}
	if _, crossedLow := q.PopBytes(3); !crossedLow {
		t.Fatal("popping to 2 bytes should cross low=2")
	}
}

func TestByteQueue_SkipsCancelledEntries(t *testing.T) {
	q := NewByteQueue(0, 0)
	ctrl := NewCancelController()
	q.Push([]byte("skip-me"), ctrl.Signal())
	q.Push([]byte("keep-me"), nil)
	ctrl.Cancel(nil)

	data, _ := q.PopBytes(100)
	if string(data) != "keep-me" {
		t.Fatalf("PopBytes after cancel = %q, want %q", data, "keep-me")
	}
}

func TestByteQueue_NextEntryDropFrontPreservesBoundaries(t *testing.T) {
	q := NewByteQueue(0, 0)
	q.Push([]byte("first"), nil)
	q.Push([]byte("second"), nil)

	data, _, ok := q.NextEntry()
	if !ok || string(data) != "first" {
		t.Fatalf("NextEntry() = %q, %v, want %q, true", data, ok, "first")
	}
	// Calling NextEntry again without DropFront must keep returning the
	// same entry, not advance — this is what lets a caller retry a
	// wouldBlock send without losing or skipping data.
	data, _, ok = q.NextEntry()
	if !ok || string(data) != "first" {
		t.Fatalf("repeat NextEntry() before DropFront() = %q, %v, want %q, true", data, ok, "first")
	}
	if q.Peek() != len("firstsecond") {
		t.Fatalf("Peek() = %d, want %d (NextEntry must not remove bytes)", q.Peek(), len("firstsecond"))
	}

	q.DropFront()
	data, _, ok = q.NextEntry()
	if !ok || string(data) != "second" {
		t.Fatalf("NextEntry() after DropFront() = %q, %v, want %q, true", data, ok, "second")
	}

	q.DropFront()
	if _, _, ok = q.NextEntry(); ok {
		t.Fatal("NextEntry() on an empty queue should report ok=false")
	}
}

func TestByteQueue_NextEntrySkipsCancelledEntries(t *testing.T) {
	q := NewByteQueue(0, 0)
	ctrl := NewCancelController()
	q.Push([]byte("skip-me"), ctrl.Signal())
	q.Push([]byte("keep-me"), nil)
	ctrl.Cancel(nil)

	data, _, ok := q.NextEntry()
	if !ok || string(data) != "keep-me" {
		t.Fatalf("NextEntry() = %q, %v, want %q, true", data, ok, "keep-me")
	}
}

func TestByteQueue_DiscardAll(t *testing.T) {
	q := NewByteQueue(0, 10)
	q.Push([]byte("abcde"), nil)
	ctrl := NewCancelController()
	q.Push([]byte("fghij"), ctrl.Signal())

	discarded, pending := q.DiscardAll()
	if discarded != 10 {
		t.Fatalf("discarded = %d, want 10", discarded)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d signals, want 1 (the un-cancelled one)", len(pending))
	}
	if q.Peek() != 0 {
		t.Fatal("queue should be empty after DiscardAll")
	}
}
