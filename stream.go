package ntc

import (
	"sync"
	"time"
)

// streamState enumerates spec.md §4.I's StreamSocket lifecycle.
type streamState int

const (
	streamUnopened streamState = iota
	streamOpened
	streamConnecting
	streamConnected
	streamUpgrading
	streamUpgraded
	streamShuttingDown
	streamClosed
)

// zeroCopyThreshold is the send size at or above which StreamSocket sends
// through [ProactorDriver] instead of copying into the write queue, per
// spec.md §4.I "if an entry exceeds the zero-copy threshold, submit via
// zero-copy path." No repo in the pack exercises MSG_ZEROCOPY, so this path
// performs ordinary write calls on a proactor goroutine: the callback fires
// from the proactor completion once every byte has been accepted by write.
// No kernel zero-copy completion notification is requested or awaited.
const zeroCopyThreshold = 1 << 20

// ConnectToken is returned by Connect so the caller can cancel a pending
// connect attempt, per spec.md §4.I "cancel(ConnectToken) fails the
// pending attempt with cancelled and suppresses retry."
type ConnectToken struct {
	controller *CancelController
}

// Cancel fails the in-flight connect attempt, if any, and suppresses
// further retries.
func (t ConnectToken) Cancel() {
	if t.controller != nil {
		t.controller.Cancel(ErrCancelled)
	}
}

// StreamSocket is the connection-oriented socket state machine from
// spec.md §4.I. It shares its raw syscall plumbing with [DatagramSocket]
// (socket.go) and its leaf state types ([ByteQueue], [SocketFlowControl],
// [ShutdownState], [Strand]) with the rest of this package; the connect
// retry/backoff loop and zero-copy/upgrade bookkeeping are unique to
// streams.
type StreamSocket struct {
	driver   *ReactorDriver
	proactor *ProactorDriver
	opts     *options
	strand   *Strand

	mu         sync.Mutex
	state      streamState
	desc       Descriptor
	transport  Transport
	local      Endpoint
	hasLocal   bool
	writeQueue *ByteQueue
	readQueue  *ByteQueue
	flow       SocketFlowControl
	shutdown   ShutdownState

	writeCompleted   int64 // cumulative bytes ever confirmed delivered to the kernel
	writeOffset      int64 // cumulative bytes ever accepted into writeQueue, in Send call order
	writeCompletions []writeCompletion

	encryption Encryption
	upgraded   bool

	onEvent EventCallback
}

// NewStreamSocket constructs an unopened StreamSocket.
func NewStreamSocket(driver *ReactorDriver, proactor *ProactorDriver, onEvent EventCallback, opts ...Option) *StreamSocket {
	resolved := resolveOptions(opts)
	return &StreamSocket{
		driver:     driver,
		proactor:   proactor,
		opts:       resolved,
		strand:     NewStrand(resolved.logger),
		desc:       InvalidDescriptor,
		writeQueue: NewByteQueue(resolved.writeWatermark.low, resolved.writeWatermark.high),
		readQueue:  NewByteQueue(resolved.readWatermark.low, resolved.readWatermark.high),
		onEvent:    onEvent,
	}
}

func (s *StreamSocket) announce(kind EventKind, err error) {
	if s.onEvent == nil {
		return
	}
	ev := Event{Kind: kind, Context: EventContext{Error: err}}
	s.strand.Execute(func() { s.onEvent(ev) })
}

// ConnectOptions configures a single Connect call, per spec.md §4.I's
// connect protocol (resolve, deadline, per-endpoint retry).
type ConnectOptions struct {
	Transport   Transport
	LocalBind   Endpoint // zero value: no explicit bind
	Deadline    time.Time
	MaxAttempts int // 0 means unlimited (bounded only by Deadline)
	// RetryInterval overrides the socket's configured
	// connectRetryInterval (WithConnectRetryInterval) for this call. 0
	// means use the socket's default.
	RetryInterval time.Duration
}

// Connect drives spec.md §4.I's five-step connect protocol: resolve,
// allocate a deadline timer, try each candidate endpoint in order,
// transition to connected on success, or retry/fail on exhaustion. cb
// fires exactly once, with either a nil error (connected) or the terminal
// failure ([ErrCancelled], [ErrTimeout], or the last transport error).
func (s *StreamSocket) Connect(target Endpoint, name string, opts ConnectOptions, cb func(error)) ConnectToken {
	controller := NewCancelController()
	signal := controller.Signal()

	go s.runConnect(target, name, opts, signal, cb)

	return ConnectToken{controller: controller}
}

// runConnect drives spec.md §4.I's five-step connect protocol, including
// step 5's retry: on a failed attempt, if the deadline isn't exceeded and
// attempts remain, the next attempt starts after a backoff timer rather
// than in an immediate re-loop, grounded on
// original_source/groups/ntc/ntcr/ntcr_streamsocket.h's
// d_connectAttempts/d_connectRetryTimer_sp. Each attempt takes the next
// candidate endpoint, cycling through them in order; a single literal
// endpoint is simply retried.
func (s *StreamSocket) runConnect(target Endpoint, name string, opts ConnectOptions, signal *CancelSignal, cb func(error)) {
	endpoints, err := s.resolveCandidates(target, name, opts.Transport)
	if err != nil {
		s.finishConnect(err, cb)
		return
	}

	cancelled := make(chan struct{})
	signal.OnCancel(func(error) { close(cancelled) })

	var deadline <-chan time.Time
	if !opts.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(opts.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}

	retryInterval := opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = s.opts.connectRetryInterval
	}

	attempts := 0
	idx := 0
	for {
		if signal.Cancelled() {
			s.finishConnect(NewError(KindCancelled, "stream.connect", signal.Reason()), cb)
			return
		}
		select {
		case <-deadline:
			s.finishConnect(NewError(KindTimeout, "stream.connect", ErrTimeout), cb)
			return
		default:
		}

		ep := endpoints[idx%len(endpoints)]
		idx++
		attempts++
		connErr := s.attemptConnect(ep, opts)
		if connErr == nil && signal.Cancelled() {
			s.resetForRetry()
			s.finishConnect(NewError(KindCancelled, "stream.connect", signal.Reason()), cb)
			return
		}
		if connErr == nil {
			s.mu.Lock()
			s.state = streamConnected
			s.mu.Unlock()
			s.announce(EventConnect, nil)
			if cb != nil {
				cb(nil)
			}
			return
		}
		if opts.MaxAttempts > 0 && attempts >= opts.MaxAttempts {
			s.finishConnect(connErr, cb)
			return
		}
		s.resetForRetry()

		fired := make(chan struct{})
		retryTimer := s.driver.CreateTimer(TimerOptions{WantDeadline: true}, func(TimerEvent) { close(fired) })
		s.driver.ScheduleTimer(retryTimer, time.Now().Add(retryInterval))

		select {
		case <-fired:
		case <-cancelled:
			s.driver.CancelTimer(retryTimer)
			s.finishConnect(NewError(KindCancelled, "stream.connect", signal.Reason()), cb)
			return
		case <-deadline:
			s.driver.CancelTimer(retryTimer)
			s.finishConnect(NewError(KindTimeout, "stream.connect", ErrTimeout), cb)
			return
		}
	}
}

func (s *StreamSocket) finishConnect(err error, cb func(error)) {
	s.mu.Lock()
	s.state = streamOpened
	s.mu.Unlock()
	s.announce(EventError, err)
	if cb != nil {
		cb(err)
	}
}

// resetForRetry tears down the descriptor from a failed attempt so the
// next retry opens a fresh socket: a stream socket's connect state after a
// failed non-blocking connect() is unspecified by POSIX, so the safe,
// portable move is open-connect-fresh rather than reusing the fd.
func (s *StreamSocket) resetForRetry() {
	s.mu.Lock()
	d := s.desc
	s.desc = InvalidDescriptor
	s.hasLocal = false
	s.state = streamUnopened
	s.mu.Unlock()

	if d == InvalidDescriptor {
		return
	}
	if _, started := s.driver.registry.BeginDetach(d); started {
		_ = s.driver.Detach(d)
	}
	_ = rawClose(d)
}

func (s *StreamSocket) resolveCandidates(target Endpoint, name string, transport Transport) ([]Endpoint, error) {
	if name == "" {
		return []Endpoint{target}, nil
	}
	if s.opts.resolver == nil {
		return nil, NewError(KindInvalid, "stream.connect", ErrInvalid)
	}
	eps, err := s.opts.resolver.ResolveEndpoint(name, transport)
	if err != nil {
		return nil, NewError(KindAddressUnreachable, "stream.connect", err)
	}
	if len(eps) == 0 {
		return nil, NewError(KindAddressUnreachable, "stream.connect", ErrUnreachable)
	}
	return eps, nil
}

// attemptConnect opens (if needed), optionally binds, then submits a
// connect via the proactor — the completion-style driver is the natural
// fit for "fire a callback only when the connect resolves," matching
// spec.md §4.G/§4.I.
func (s *StreamSocket) attemptConnect(ep Endpoint, opts ConnectOptions) error {
	s.mu.Lock()
	if s.state == streamUnopened {
		d, err := rawOpen(opts.Transport)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if err := s.driver.Attach(d, s); err != nil {
			_ = rawClose(d)
			s.mu.Unlock()
			return err
		}
		s.desc = d
		s.transport = opts.Transport
		s.state = streamOpened
	}
	if opts.LocalBind.Kind != EndpointUndefined && !s.hasLocal {
		if err := rawBind(s.desc, opts.LocalBind); err != nil {
			s.mu.Unlock()
			return err
		}
		s.local = opts.LocalBind
		s.hasLocal = true
	}
	d := s.desc
	s.state = streamConnecting
	s.mu.Unlock()

	result := make(chan error, 1)
	err := s.proactor.Submit(d, ProactorConnect, func() (any, error) {
		if err := rawConnect(d, ep); err != nil {
			if k, _ := KindOf(err); k != KindWouldBlock {
				return nil, err
			}
		}
		return nil, waitWritable(s.driver, d)
	}, func(r ProactorResult) {
		result <- r.Err
	})
	if err != nil {
		return err
	}
	return <-result
}

// waitWritable arms writable interest on d and blocks the calling
// goroutine (safe: this only ever runs inside a ProactorDriver.Submit
// worker goroutine, never the reactor's own goroutine) until it fires,
// then resolves the connect via SO_ERROR.
func waitWritable(driver *ReactorDriver, d Descriptor) error {
	done := make(chan struct{})
	err := driver.ShowWritable(d, func(Descriptor, ReadinessKind) {
		close(done)
	})
	if err != nil {
		return err
	}
	<-done
	_ = driver.HideWritable(d)
	return rawConnectError(d)
}

// writeCompletion is a Send callback waiting on bytes still in writeQueue.
// offset is the cumulative writeOffset value reached once every byte this
// Send call contributed has actually been copied to the kernel; the
// callback fires only once writeCompleted reaches (or passes) it.
type writeCompletion struct {
	offset int64
	cb     func(error)
}

// enqueueWriteLocked pushes data onto writeQueue and, if cb is non-nil,
// defers it as a writeCompletion rather than invoking it at enqueue time:
// spec.md §4.H requires send completion only "when all bytes [are] copied
// to kernel buffer," and these bytes have not reached the kernel yet.
// Caller holds s.mu.
func (s *StreamSocket) enqueueWriteLocked(data []byte, signal *CancelSignal, cb func(error)) (crossedHigh bool) {
	crossedHigh = s.writeQueue.Push(data, signal)
	s.writeOffset += int64(len(data))
	if cb != nil {
		s.writeCompletions = append(s.writeCompletions, writeCompletion{offset: s.writeOffset, cb: cb})
	}
	return crossedHigh
}

// completeWriteLocked records n more bytes as confirmed delivered to the
// kernel and returns every writeCompletion now due, for the caller to
// invoke with a nil error once s.mu is released. Caller holds s.mu.
func (s *StreamSocket) completeWriteLocked(n int) []func(error) {
	s.writeCompleted += int64(n)
	var due []func(error)
	for len(s.writeCompletions) > 0 && s.writeCompletions[0].offset <= s.writeCompleted {
		due = append(due, s.writeCompletions[0].cb)
		s.writeCompletions = s.writeCompletions[1:]
	}
	return due
}

// failAllWriteCompletionsLocked detaches every still-pending writeCompletion
// so the caller can fail them with a fatal write error. Caller holds s.mu.
func (s *StreamSocket) failAllWriteCompletionsLocked() []func(error) {
	due := make([]func(error), len(s.writeCompletions))
	for i, c := range s.writeCompletions {
		due[i] = c.cb
	}
	s.writeCompletions = nil
	return due
}

// Send enqueues or immediately submits data, per spec.md §4.I's
// byte-stream-coalescing send: consecutive head-of-queue entries are
// coalesced into one syscall by PopBytes already operating on the
// concatenated queue contents. Payloads at or above zeroCopyThreshold are
// submitted through the proactor instead of written inline. In every
// case, per spec.md §4.H, cb fires only once the kernel has actually
// consumed the bytes — never at enqueue time.
func (s *StreamSocket) Send(data []byte, signal *CancelSignal, cb func(error)) error {
	s.mu.Lock()
	if s.state != streamConnected && s.state != streamUpgraded {
		s.mu.Unlock()
		return NewError(KindInvalid, "stream.send", ErrInvalid)
	}
	if len(data) >= zeroCopyThreshold {
		d := s.desc
		s.mu.Unlock()
		return s.proactor.Submit(d, ProactorSend, func() (any, error) {
			return nil, writeAll(d, data)
		}, func(r ProactorResult) {
			if cb != nil {
				cb(r.Err)
			}
		})
	}
	if s.writeQueue.Peek() > 0 || s.flow.Write.Applied() {
		crossedHigh := s.enqueueWriteLocked(data, signal, cb)
		if crossedHigh && s.flow.Write.Apply(false) {
			s.announce(EventFlowControlApplied, nil)
		}
		_ = s.driver.ShowWritable(s.desc, s.onWritable)
		s.mu.Unlock()
		return nil
	}
	d := s.desc
	s.mu.Unlock()

	n, err := rawWrite(d, data)
	if err != nil {
		if k, _ := KindOf(err); k == KindWouldBlock {
			s.mu.Lock()
			s.enqueueWriteLocked(data, signal, cb)
			s.mu.Unlock()
			_ = s.driver.ShowWritable(s.desc, s.onWritable)
			return nil
		}
		return err
	}
	if n < len(data) {
		s.mu.Lock()
		s.enqueueWriteLocked(data[n:], signal, cb)
		s.mu.Unlock()
		_ = s.driver.ShowWritable(s.desc, s.onWritable)
		return nil
	}
	if cb != nil {
		cb(nil)
	}
	return nil
}

func writeAll(d Descriptor, data []byte) error {
	for len(data) > 0 {
		n, err := rawWrite(d, data)
		if err != nil {
			if k, _ := KindOf(err); k == KindWouldBlock {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *StreamSocket) onWritable(d Descriptor, kind ReadinessKind) {
	s.mu.Lock()
	if s.state != streamConnected && s.state != streamUpgraded {
		s.mu.Unlock()
		return
	}
	var completed, failed []func(error)
	var fatalErr error
loop:
	for s.writeQueue.Peek() > 0 {
		data, crossedLow := s.writeQueue.PopBytes(1 << 16)
		if len(data) == 0 {
			break
		}
		n, err := rawWrite(s.desc, data)
		if err != nil {
			if k, _ := KindOf(err); k == KindWouldBlock {
				s.writeQueue.Push(data, nil)
				break loop
			}
			fatalErr = err
			break loop
		}
		completed = append(completed, s.completeWriteLocked(n)...)
		if n < len(data) {
			s.writeQueue.Push(data[n:], nil)
		}
		if crossedLow && s.flow.Write.Relax(false) {
			s.announce(EventFlowControlRelaxed, nil)
		}
	}
	if fatalErr != nil {
		failed = s.failAllWriteCompletionsLocked()
	}
	if s.writeQueue.Peek() == 0 {
		_ = s.driver.HideWritable(s.desc)
	}
	s.mu.Unlock()

	for _, cb := range completed {
		cb(nil)
	}
	for _, cb := range failed {
		cb(fatalErr)
	}
	if fatalErr != nil {
		s.announce(EventError, fatalErr)
	}
}

// Receive implements the synchronous, never-blocking receive side shared
// with DatagramSocket's contract: fills from the read queue, else attempts
// one immediate syscall, else [ErrWouldBlock].
func (s *StreamSocket) Receive(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Buffered-but-unread bytes are drained before eof is observed, even
	// after the peer has shut down its side: spec.md §4.I step 4 fails
	// pending receive callbacks on eof, it does not discard data already
	// sitting in readQueue.
	if s.readQueue.Peek() > 0 {
		data, crossedLow := s.readQueue.PopBytes(len(buf))
		n := copy(buf, data)
		if crossedLow && s.flow.Read.Relax(false) {
			s.announce(EventFlowControlRelaxed, nil)
		}
		return n, nil
	}
	if s.shutdown.ReceiveShut() {
		return 0, NewError(KindEOF, "stream.receive", ErrEOF)
	}
	n, err := rawRead(s.desc, buf)
	if err != nil {
		if k, _ := KindOf(err); k == KindWouldBlock {
			_ = s.driver.ShowReadable(s.desc, s.onReadable)
			return 0, err
		}
		if k, _ := KindOf(err); k == KindEOF {
			s.onEOFLocked(OriginDestination)
		}
		return 0, err
	}
	return n, nil
}

func (s *StreamSocket) onReadable(d Descriptor, kind ReadinessKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.ReceiveShut() {
		return
	}
	buf := s.opts.bufferFactory.Allocate(1 << 16)
	n, err := rawRead(s.desc, buf)
	if err != nil {
		if k, _ := KindOf(err); k == KindWouldBlock {
			return
		}
		if k, _ := KindOf(err); k == KindEOF {
			s.onEOFLocked(OriginDestination)
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

// onEOFLocked handles a receive-side shutdown, either a peer EOF (origin
// OriginDestination, from the read paths) or a local Shutdown of the
// receive side (origin OriginSource), the way spec.md §4.I's shutdown
// sequence step 4 requires: a read-shutdown that leaves any bytes already
// sitting in readQueue available to Receive (scenario 5: the buffered
// bytes come back first, eof only once the queue is empty), failing only
// the pending wait for more data. Caller holds s.mu.
func (s *StreamSocket) onEOFLocked(origin Origin) {
	if s.shutdown.TryShutdownReceive(origin) {
		s.announce(EventShutdown, nil)
		if s.readQueue.Peek() == 0 {
			s.announce(EventReadQueueLowWatermark, nil)
		}
		s.advanceShutdownLocked()
	}
}

// Shutdown drives spec.md §4.I's five-step shutdown sequence.
func (s *StreamSocket) Shutdown(shutSend, shutReceive bool, cb func(error)) error {
	s.mu.Lock()
	if s.state == streamClosed {
		s.mu.Unlock()
		return NewError(KindInvalid, "stream.shutdown", ErrInvalid)
	}
	s.state = streamShuttingDown
	var err error
	if shutSend && s.shutdown.TryShutdownSend(OriginSource) {
		if err = rawShutdownSend(s.desc); err == nil {
			s.announce(EventShutdown, nil)
		}
	}
	if err == nil && shutReceive {
		s.onEOFLocked(OriginSource)
	}
	s.advanceShutdownLocked()
	complete := s.shutdown.BothShut()
	d := s.desc
	s.mu.Unlock()

	if err != nil {
		if cb != nil {
			cb(err)
		}
		return err
	}
	if complete {
		return s.detachAndClose(d, cb)
	}
	if cb != nil {
		cb(nil)
	}
	return nil
}

func (s *StreamSocket) advanceShutdownLocked() {
	if s.shutdown.BothShut() {
		s.flow.Read.Close()
		s.flow.Write.Close()
	}
}

// detachAndClose runs phase two of the two-phase detach protocol
// (spec.md §5) and announces shutdown-complete.
func (s *StreamSocket) detachAndClose(d Descriptor, cb func(error)) error {
	s.mu.Lock()
	_, started := s.driver.registry.BeginDetach(d)
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
	s.mu.Lock()
	s.state = streamClosed
	failed := s.failAllWriteCompletionsLocked()
	s.mu.Unlock()
	for _, fn := range failed {
		fn(NewError(KindConnectionDead, "stream.send", ErrConnectionDead))
	}
	s.announce(EventShutdown, nil)
	if cb != nil {
		cb(err)
	}
	return err
}

// Close initiates a full bidirectional shutdown followed by detachment,
// per spec.md §4.H/§4.I's close()/close(callback).
func (s *StreamSocket) Close(cb func(error)) error {
	return s.Shutdown(true, true, cb)
}

// Upgrade inserts enc as an encryption filter between the byte queues and
// the kernel socket, per spec.md §4.I's upgrade/downgrade. The handshake
// runs on its own goroutine via the proactor (Encryption.Upgrade may
// block driving alternating feed/drain calls); failure surfaces as
// EventError without destroying the connection, matching "does not
// destroy the connection."
func (s *StreamSocket) Upgrade(enc Encryption, waiter Waiter, cb func(error)) error {
	s.mu.Lock()
	if s.state != streamConnected {
		s.mu.Unlock()
		return NewError(KindInvalid, "stream.upgrade", ErrInvalid)
	}
	s.state = streamUpgrading
	d := s.desc
	s.mu.Unlock()

	s.announce(EventUpgradeInitiated, nil)
	return s.proactor.Submit(d, ProactorShutdown, func() (any, error) {
		return enc.Upgrade(waiter, streamByteStream{s: s})
	}, func(r ProactorResult) {
		s.mu.Lock()
		if r.Err == nil {
			s.encryption = enc
			s.upgraded = true
			s.state = streamUpgraded
		} else {
			s.state = streamConnected
		}
		s.mu.Unlock()
		if r.Err == nil {
			s.announce(EventUpgradeComplete, nil)
		} else {
			s.announce(EventError, r.Err)
		}
		if cb != nil {
			cb(r.Err)
		}
	})
}

// Downgrade reverses Upgrade, per spec.md §4.I.
func (s *StreamSocket) Downgrade(waiter Waiter, cb func(error)) error {
	s.mu.Lock()
	if s.state != streamUpgraded || s.encryption == nil {
		s.mu.Unlock()
		return NewError(KindInvalid, "stream.downgrade", ErrInvalid)
	}
	enc := s.encryption
	d := s.desc
	s.mu.Unlock()

	s.announce(EventDowngradeInitiated, nil)
	return s.proactor.Submit(d, ProactorShutdown, func() (any, error) {
		return enc.Downgrade(waiter, streamByteStream{s: s})
	}, func(r ProactorResult) {
		s.mu.Lock()
		if r.Err == nil {
			s.encryption = nil
			s.upgraded = false
			s.state = streamConnected
		}
		s.mu.Unlock()
		if r.Err == nil {
			s.announce(EventDowngradeComplete, nil)
		} else {
			s.announce(EventError, r.Err)
		}
		if cb != nil {
			cb(r.Err)
		}
	})
}

// streamByteStream adapts StreamSocket's raw descriptor to the
// [ByteStream] seam an [Encryption] filter drives its handshake over.
type streamByteStream struct{ s *StreamSocket }

func (b streamByteStream) ReadBytes(p []byte) (int, error) {
	b.s.mu.Lock()
	d := b.s.desc
	b.s.mu.Unlock()
	return rawRead(d, p)
}

func (b streamByteStream) WriteBytes(p []byte) (int, error) {
	b.s.mu.Lock()
	d := b.s.desc
	b.s.mu.Unlock()
	return rawWrite(d, p)
}
