package ntc

import (
	"sync"
)

// datagramState enumerates spec.md §4.H's DatagramSocket lifecycle.
type datagramState int

const (
	datagramUnopened datagramState = iota
	datagramOpen
	datagramShutSend
	datagramShutReceive
	datagramClosed
)

// DatagramSocket is the connectionless socket state machine from spec.md
// §4.H, grounded on the stream-socket shape this package's teacher never
// had an analogue for (the teacher's eventloop has no socket layer at
// all — only the raw FD-readiness primitives DatagramSocket is built on
// top of: [ReactorDriver], [ByteQueue], [FlowControlState],
// [ShutdownState], [Strand]). Every queued operation's cancellation token
// flows through the entry it's stored against in the write queue, per
// spec.md §4.E.
type DatagramSocket struct {
	driver *ReactorDriver
	opts   *options
	strand *Strand

	mu        sync.Mutex
	state     datagramState
	desc      Descriptor
	transport Transport
	remote    Endpoint
	hasRemote bool

	writeQueue *ByteQueue
	readQueue  *ByteQueue
	flow       SocketFlowControl
	shutdown   ShutdownState

	onEvent EventCallback
}

// NewDatagramSocket constructs an unopened DatagramSocket bound to driver.
func NewDatagramSocket(driver *ReactorDriver, onEvent EventCallback, opts ...Option) *DatagramSocket {
	resolved := resolveOptions(opts)
	return &DatagramSocket{
		driver:     driver,
		opts:       resolved,
		strand:     NewStrand(resolved.logger),
		desc:       InvalidDescriptor,
		writeQueue: NewByteQueue(resolved.writeWatermark.low, resolved.writeWatermark.high),
		readQueue:  NewByteQueue(resolved.readWatermark.low, resolved.readWatermark.high),
		onEvent:    onEvent,
	}
}

func (s *DatagramSocket) announce(kind EventKind, err error) {
	if s.onEvent == nil {
		return
	}
	ev := Event{Kind: kind, Context: EventContext{Error: err}}
	s.strand.Execute(func() { s.onEvent(ev) })
}

// Open creates the OS socket for transport, per spec.md §4.H. Calling Open
// a second time with the same transport is a no-op (idempotent); with a
// different transport it returns [ErrInvalid].
func (s *DatagramSocket) Open(transport Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != datagramUnopened {
		if s.state == datagramOpen && s.transport == transport {
			return nil
		}
		return NewError(KindInvalid, "datagram.open", ErrInvalid)
	}
	d, err := rawOpen(transport)
	if err != nil {
		return err
	}
	if err := s.driver.Attach(d, s); err != nil {
		_ = rawClose(d)
		return err
	}
	s.desc = d
	s.transport = transport
	s.state = datagramOpen
	return nil
}

// Bind resolves name (if e is unset and name is non-empty) and binds the
// socket, announcing [EventConnect]-free completion via cb.
func (s *DatagramSocket) Bind(e Endpoint, name string, cb func(error)) {
	ep, err := s.resolveOne(e, name)
	if err == nil {
		s.mu.Lock()
		if s.state != datagramOpen {
			err = NewError(KindInvalid, "datagram.bind", ErrInvalid)
		} else {
			err = rawBind(s.desc, ep)
		}
		s.mu.Unlock()
	}
	if cb != nil {
		cb(err)
	}
}

// Connect resolves name (if needed) and records the default destination
// address used by subsequent Send calls without an explicit endpoint.
func (s *DatagramSocket) Connect(e Endpoint, name string, cb func(error)) {
	ep, err := s.resolveOne(e, name)
	if err == nil {
		s.mu.Lock()
		if s.state != datagramOpen {
			err = NewError(KindInvalid, "datagram.connect", ErrInvalid)
		} else {
			err = rawConnect(s.desc, ep)
			if err == nil {
				s.remote = ep
				s.hasRemote = true
			}
		}
		s.mu.Unlock()
	}
	if cb != nil {
		cb(err)
	}
}

func (s *DatagramSocket) resolveOne(e Endpoint, name string) (Endpoint, error) {
	if name == "" {
		return e, nil
	}
	if s.opts.resolver == nil {
		return Endpoint{}, NewError(KindInvalid, "datagram.resolve", ErrInvalid)
	}
	eps, err := s.opts.resolver.ResolveEndpoint(name, s.transport)
	if err != nil {
		return Endpoint{}, NewError(KindAddressUnreachable, "datagram.resolve", err)
	}
	if len(eps) == 0 {
		return Endpoint{}, NewError(KindAddressUnreachable, "datagram.resolve", ErrUnreachable)
	}
	return eps[0], nil
}

// Send implements spec.md §4.H's synchronous send(data, options) → error:
// if the write queue is already non-empty, send-flow is locked, or the
// queue is already at/over its high watermark, data is enqueued (possibly
// with signal for later cancellation) instead of attempting a syscall.
// Returns [ErrWouldBlock] only if the high watermark is already violated.
func (s *DatagramSocket) Send(data []byte, to Endpoint, signal *CancelSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != datagramOpen {
		return NewError(KindInvalid, "datagram.send", ErrInvalid)
	}
	if s.writeQueue.Peek() > 0 || s.flow.Write.Applied() {
		return s.enqueueSendLocked(data, to, signal)
	}
	dest := to
	if dest.Kind == EndpointUndefined {
		if !s.hasRemote {
			return NewError(KindInvalid, "datagram.send", ErrInvalid)
		}
		dest = s.remote
	}
	var err error
	if dest.Kind == EndpointUndefined {
		err = rawSend(s.desc, data)
	} else {
		err = rawSendto(s.desc, data, dest)
	}
	if err == nil {
		return nil
	}
	if k, _ := KindOf(err); k == KindWouldBlock {
		if s.writeQueue.AuthorizeHighWatermark() {
			return NewError(KindWouldBlock, "datagram.send", ErrWouldBlock)
		}
		return s.enqueueSendLocked(data, to, signal)
	}
	return err
}

// enqueueSendLocked queues data for later submission via the driver's
// writable-readiness callback; caller holds s.mu. Queued sends always
// target the connected remote (set via Connect): ByteQueue entries carry
// only bytes and a cancellation token, so an unconnected per-call
// destination can only be honored on the immediate (non-queued) path in
// Send.
func (s *DatagramSocket) enqueueSendLocked(data []byte, to Endpoint, signal *CancelSignal) error {
	if !s.hasRemote && to.Kind != EndpointUndefined {
		s.remote = to
		s.hasRemote = true
	}
	crossedHigh := s.writeQueue.Push(data, signal)
	if crossedHigh && s.flow.Write.Apply(false) {
		s.announce(EventFlowControlApplied, nil)
	}
	_ = s.driver.ShowWritable(s.desc, s.onWritable)
	return nil
}

// onWritable drains whatever is queued once the descriptor can accept
// more. Each queued entry is sent as exactly one datagram (NextEntry/
// DropFront, never PopBytes's byte-coalescing) since coalescing would
// merge independent messages into one rawSend and corrupt the peer's
// message framing for a connectionless socket. An entry is only removed
// from the queue once rawSend has actually accepted it, so a wouldBlock
// leaves it queued intact rather than losing it.
func (s *DatagramSocket) onWritable(d Descriptor, kind ReadinessKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != datagramOpen {
		return
	}
	for {
		data, _, ok := s.writeQueue.NextEntry()
		if !ok {
			break
		}
		var err error
		if s.hasRemote {
			err = rawSend(s.desc, data)
		} else {
			err = NewError(KindInvalid, "datagram.send", ErrInvalid)
		}
		if err != nil {
			if k, _ := KindOf(err); k == KindWouldBlock {
				break
			}
			s.writeQueue.DropFront()
			s.announce(EventError, err)
			continue
		}
		if crossedLow := s.writeQueue.DropFront(); crossedLow && s.flow.Write.Relax(false) {
			s.announce(EventFlowControlRelaxed, nil)
		}
	}
	if s.writeQueue.Peek() == 0 {
		_ = s.driver.HideWritable(s.desc)
	}
}

// Receive implements spec.md §4.H's synchronous
// receive(context*, buffer*, options) → error: it never blocks, filling
// from the read queue if non-empty or attempting one immediate syscall,
// and returning [ErrWouldBlock] otherwise.
func (s *DatagramSocket) Receive(buf []byte) (n int, from Endpoint, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == datagramClosed || s.state == datagramShutReceive {
		return 0, Endpoint{}, NewError(KindEOF, "datagram.receive", ErrEOF)
	}
	if s.readQueue.Peek() > 0 {
		data, crossedLow := s.readQueue.PopBytes(len(buf))
		n = copy(buf, data)
		if crossedLow && s.flow.Read.Relax(false) {
			s.announce(EventFlowControlRelaxed, nil)
		}
		return n, from, nil
	}
	n, from, err = rawRecvfrom(s.desc, buf)
	if err != nil {
		if k, _ := KindOf(err); k == KindWouldBlock {
			_ = s.driver.ShowReadable(s.desc, s.onReadable)
		}
		return 0, Endpoint{}, err
	}
	return n, from, nil
}

// onReadable pulls one datagram into the read queue and lets the flow
// control/watermark bookkeeping decide whether to keep polling.
func (s *DatagramSocket) onReadable(d Descriptor, kind ReadinessKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == datagramClosed {
		return
	}
	buf := s.opts.bufferFactory.Allocate(65536)
	n, _, err := rawRecvfrom(s.desc, buf)
	if err != nil {
		if k, _ := KindOf(err); k == KindWouldBlock {
			return
		}
		s.announce(EventError, err)
		return
	}
	crossedHigh := s.readQueue.Push(buf[:n], nil)
	if crossedHigh && s.flow.Read.Apply(false) {
		s.announce(EventFlowControlApplied, nil)
	}
	s.announce(EventReceive, nil)
}

// Shutdown drives the ShutdownState transition and OS-level half-shutdown
// described by spec.md §4.I steps 1-4 (shared by datagram and stream
// sockets).
func (s *DatagramSocket) Shutdown(shutSend, shutReceive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != datagramOpen && s.state != datagramShutSend && s.state != datagramShutReceive {
		return NewError(KindInvalid, "datagram.shutdown", ErrInvalid)
	}
	if shutSend && s.shutdown.TryShutdownSend(OriginSource) {
		if err := rawShutdownSend(s.desc); err != nil {
			return err
		}
		s.announce(EventShutdown, nil)
		s.advanceShutdownLocked()
	}
	if shutReceive && s.shutdown.TryShutdownReceive(OriginSource) {
		if err := rawShutdownReceive(s.desc); err != nil {
			return err
		}
		discarded, _ := s.readQueue.DiscardAll()
		if discarded > 0 {
			s.announce(EventReadQueueDiscarded, nil)
		}
		s.announce(EventShutdown, nil)
		s.announce(EventReadQueueLowWatermark, nil)
		s.advanceShutdownLocked()
	}
	return nil
}

func (s *DatagramSocket) advanceShutdownLocked() {
	switch {
	case s.shutdown.SendShut() && !s.shutdown.ReceiveShut():
		s.state = datagramShutSend
	case s.shutdown.ReceiveShut() && !s.shutdown.SendShut():
		s.state = datagramShutReceive
	case s.shutdown.BothShut():
		s.flow.Read.Close()
		s.flow.Write.Close()
	}
}

// Close implements spec.md §4.H's close()/close(callback): a full
// bidirectional shutdown followed by driver detachment.
func (s *DatagramSocket) Close(cb func(error)) error {
	s.mu.Lock()
	if s.state == datagramClosed {
		s.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
		return nil
	}
	_, started := s.driver.registry.BeginDetach(s.desc)
	s.state = datagramClosed
	d := s.desc
	s.mu.Unlock()

	if started {
		if err := s.driver.Detach(d); err != nil {
			if cb != nil {
				cb(err)
			}
			return err
		}
	}
	err := rawClose(d)
	s.announce(EventShutdown, nil)
	if cb != nil {
		cb(err)
	}
	return err
}
