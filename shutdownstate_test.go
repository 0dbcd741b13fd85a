package ntc

import "testing"

func TestShutdownState_SequentialHalfClose(t *testing.T) {
	var s ShutdownState

	if !s.TryShutdownSend(OriginSource) {
		t.Fatal("first TryShutdownSend() should succeed")
	}
	if s.TryShutdownSend(OriginSource) {
		t.Fatal("repeat TryShutdownSend() should be a no-op")
	}
	if !s.SendShut() || s.ReceiveShut() {
		t.Fatal("only send should be shut after TryShutdownSend()")
	}
	if s.SendOrigin() != OriginSource {
		t.Fatal("SendOrigin() should record the origin passed to TryShutdownSend()")
	}

	if !s.TryShutdownReceive(OriginDestination) {
		t.Fatal("TryShutdownReceive() should succeed from sendShut")
	}
	if !s.BothShut() {
		t.Fatal("BothShut() should report true once both directions are down")
	}
	if s.ReceiveOrigin() != OriginDestination {
		t.Fatal("ReceiveOrigin() should record the origin passed to TryShutdownReceive()")
	}

	if !s.TryComplete() {
		t.Fatal("TryComplete() should succeed once both sides are shut")
	}
	if !s.Completed() {
		t.Fatal("Completed() should report true after TryComplete()")
	}
	if s.TryComplete() {
		t.Fatal("TryComplete() is terminal; a repeat call must fail")
	}
}

func TestShutdownState_CompleteBeforeBothShutFails(t *testing.T) {
	var s ShutdownState
	if s.TryComplete() {
		t.Fatal("TryComplete() must fail before both directions are shut")
	}
	s.TryShutdownSend(OriginSource)
	if s.TryComplete() {
		t.Fatal("TryComplete() must fail with only one direction shut")
	}
}

func TestShutdownState_ReceiveThenSend(t *testing.T) {
	var s ShutdownState
	if !s.TryShutdownReceive(OriginDestination) {
		t.Fatal("first TryShutdownReceive() should succeed")
	}
	if !s.TryShutdownSend(OriginSource) {
		t.Fatal("TryShutdownSend() from recvShut should succeed")
	}
	if !s.BothShut() {
		t.Fatal("BothShut() should report true")
	}
}
