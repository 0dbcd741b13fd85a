package ntc

import "sync"

// shutdownPhase enumerates the lifecycle spec.md §4.D defines for a
// bidirectional socket's orderly shutdown: open, one side shut, both sides
// shut, and fully completed (driver-confirmed, resources released).
type shutdownPhase int

const (
	shutdownOpen shutdownPhase = iota
	shutdownSendShut
	shutdownRecvShut
	shutdownBothShut
	shutdownCompleted
)

// Origin records which side of a connection drove a shutdown transition,
// per spec.md §3/§4.D ("origin ∈ {source, destination}" recorded per
// side): OriginSource is the local application calling Shutdown/Close;
// OriginDestination is the remote peer, observed locally as eof or a
// reset.
type Origin int

const (
	OriginSource Origin = iota
	OriginDestination
)

// ShutdownState tracks a stream socket's progress through the half-close
// sequence described in spec.md §4.D. Like FlowControlState, it is a plain
// mutex-guarded struct owned by the socket rather than a self-driving
// actor.
type ShutdownState struct {
	mu         sync.Mutex
	phase      shutdownPhase
	sendOrigin Origin
	recvOrigin Origin
}

// TryShutdownSend transitions the send side to shut, recording origin,
// and returns true the first time this call actually changes the phase
// (open->sendShut or recvShut->bothShut). A repeat call is a no-op
// returning false.
func (s *ShutdownState) TryShutdownSend(origin Origin) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case shutdownOpen:
		s.phase = shutdownSendShut
		s.sendOrigin = origin
		return true
	case shutdownRecvShut:
		s.phase = shutdownBothShut
		s.sendOrigin = origin
		return true
	default:
		return false
	}
}

// TryShutdownReceive transitions the receive side to shut, mirroring
// TryShutdownSend.
func (s *ShutdownState) TryShutdownReceive(origin Origin) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case shutdownOpen:
		s.phase = shutdownRecvShut
		s.recvOrigin = origin
		return true
	case shutdownSendShut:
		s.phase = shutdownBothShut
		s.recvOrigin = origin
		return true
	default:
		return false
	}
}

// SendOrigin reports which side drove the send-side shutdown transition.
// Meaningless (zero value) until SendShut reports true.
func (s *ShutdownState) SendOrigin() Origin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendOrigin
}

// ReceiveOrigin reports which side drove the receive-side shutdown
// transition. Meaningless (zero value) until ReceiveShut reports true.
func (s *ShutdownState) ReceiveOrigin() Origin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvOrigin
}

// TryComplete transitions a fully-shut socket to completed, returning false
// if either direction is still open. Completion is terminal.
func (s *ShutdownState) TryComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != shutdownBothShut {
		return false
	}
	s.phase = shutdownCompleted
	return true
}

// SendShut reports whether the send side has been shut down.
func (s *ShutdownState) SendShut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == shutdownSendShut || s.phase == shutdownBothShut || s.phase == shutdownCompleted
}

// ReceiveShut reports whether the receive side has been shut down.
func (s *ShutdownState) ReceiveShut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == shutdownRecvShut || s.phase == shutdownBothShut || s.phase == shutdownCompleted
}

// BothShut reports whether both directions are shut (whether or not
// Completed has been called).
func (s *ShutdownState) BothShut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == shutdownBothShut || s.phase == shutdownCompleted
}

// Completed reports whether the socket has fully completed shutdown.
func (s *ShutdownState) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == shutdownCompleted
}
