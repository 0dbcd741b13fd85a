package ntc

import (
	"errors"
	"testing"
	"time"
)

func TestProactorDriver_SubmitDeliversResult(t *testing.T) {
	p := NewProactorDriver()
	defer p.Close()

	got := make(chan ProactorResult, 1)
	if err := p.Submit(1, ProactorSend, func() (any, error) {
		return 42, nil
	}, func(r ProactorResult) { got <- r }); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if _, err := p.Poll(nil); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	select {
	case r := <-got:
		if r.Value != 42 || r.Err != nil {
			t.Fatalf("result = %+v, want {42 nil}", r)
		}
	default:
		t.Fatal("Poll() returned without delivering the completed operation")
	}
}

func TestProactorDriver_SingleFlightPerDescriptorAndKind(t *testing.T) {
	p := NewProactorDriver()
	defer p.Close()

	block := make(chan struct{})
	if err := p.Submit(1, ProactorSend, func() (any, error) {
		<-block
		return nil, nil
	}, func(ProactorResult) {}); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	err := p.Submit(1, ProactorSend, func() (any, error) { return nil, nil }, func(ProactorResult) {})
	if err == nil {
		t.Fatal("a second Submit() of the same {descriptor,kind} must fail while the first is in flight")
	}
	if k, _ := KindOf(err); k != KindLimit {
		t.Fatalf("error kind = %v, want KindLimit", k)
	}

	close(block)
	// Drain so the goroutine above doesn't leak past the test.
	time.Sleep(10 * time.Millisecond)
	_, _ = p.Poll(nil)
}

func TestProactorDriver_PanicIsRecoveredAsError(t *testing.T) {
	p := NewProactorDriver()
	defer p.Close()

	got := make(chan ProactorResult, 1)
	_ = p.Submit(1, ProactorReceive, func() (any, error) {
		panic("boom")
	}, func(r ProactorResult) { got <- r })

	if _, err := p.Poll(nil); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	select {
	case r := <-got:
		var panicErr proactorPanicError
		if !errors.As(r.Err, &panicErr) {
			t.Fatalf("err = %v, want a proactorPanicError", r.Err)
		}
	default:
		t.Fatal("Poll() returned without delivering the panicked operation")
	}
}

func TestProactorDriver_SubmitAfterCloseFails(t *testing.T) {
	p := NewProactorDriver()
	p.Close()

	err := p.Submit(1, ProactorAccept, func() (any, error) { return nil, nil }, func(ProactorResult) {})
	if err == nil {
		t.Fatal("Submit() after Close() should fail")
	}
}
