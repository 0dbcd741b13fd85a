package ntc

import (
	"sync"
)

// listenerState enumerates spec.md §4.J's ListenerSocket lifecycle.
type listenerState int

const (
	listenerUnopened listenerState = iota
	listenerBound
	listenerListening
	listenerClosed
)

// defaultBacklog is the listen(2) backlog passed when the caller doesn't
// override it.
const defaultBacklog = 128

// ListenerSocket is the passive-accept state machine from spec.md §4.J.
// Grounded on the alternation pattern already established for
// [ByteQueue]/DatagramSocket's read path (spec.md §4.E): an accept either
// satisfies a waiting Accept() callback immediately, or is queued; exactly
// one of acceptQueue/callbackQueue is ever non-empty at a time.
type ListenerSocket struct {
	driver   *ReactorDriver
	proactor *ProactorDriver
	opts     *options
	strand   *Strand

	mu        sync.Mutex
	state     listenerState
	desc      Descriptor
	transport Transport

	acceptQueue   []*StreamSocket
	callbackQueue []func(*StreamSocket, error)

	acceptFlow    FlowControlState
	rateLimitTag  any
	backlogTimer  *Timer
	onEvent       EventCallback
}

// NewListenerSocket constructs an unopened ListenerSocket.
func NewListenerSocket(driver *ReactorDriver, proactor *ProactorDriver, onEvent EventCallback, opts ...Option) *ListenerSocket {
	resolved := resolveOptions(opts)
	return &ListenerSocket{
		driver:       driver,
		proactor:     proactor,
		opts:         resolved,
		strand:       NewStrand(resolved.logger),
		desc:         InvalidDescriptor,
		rateLimitTag: "accept",
		onEvent:      onEvent,
	}
}

func (l *ListenerSocket) announce(kind EventKind, err error) {
	if l.onEvent == nil {
		return
	}
	ev := Event{Kind: kind, Context: EventContext{Error: err}}
	l.strand.Execute(func() { l.onEvent(ev) })
}

// Open creates the OS listening socket (unbound, unlistening) for
// transport.
func (l *ListenerSocket) Open(transport Transport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != listenerUnopened || !l.desc.Invalid() {
		return NewError(KindInvalid, "listener.open", ErrInvalid)
	}
	d, err := rawOpen(transport)
	if err != nil {
		return err
	}
	if err := l.driver.Attach(d, l); err != nil {
		_ = rawClose(d)
		return err
	}
	l.desc = d
	l.transport = transport
	return nil
}

// Bind binds the listener to e.
func (l *ListenerSocket) Bind(e Endpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != listenerUnopened {
		return NewError(KindInvalid, "listener.bind", ErrInvalid)
	}
	if err := rawBind(l.desc, e); err != nil {
		return err
	}
	l.state = listenerBound
	return nil
}

// Listen marks the socket passive with backlog (0 uses defaultBacklog)
// and arms accept readiness on the driver.
func (l *ListenerSocket) Listen(backlog int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != listenerBound {
		return NewError(KindInvalid, "listener.listen", ErrInvalid)
	}
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	if err := rawListen(l.desc, backlog); err != nil {
		return err
	}
	l.state = listenerListening
	return l.driver.ShowReadable(l.desc, l.onAcceptable)
}

// Accept registers cb to receive the next accepted connection: it fires
// immediately if one is already queued, otherwise it is queued itself, per
// the accept-queue/callback-queue alternation invariant.
func (l *ListenerSocket) Accept(cb func(*StreamSocket, error)) {
	l.mu.Lock()
	if len(l.acceptQueue) > 0 {
		sock := l.acceptQueue[0]
		l.acceptQueue = l.acceptQueue[1:]
		l.mu.Unlock()
		cb(sock, nil)
		return
	}
	if l.state != listenerListening {
		l.mu.Unlock()
		cb(nil, NewError(KindInvalid, "listener.accept", ErrInvalid))
		return
	}
	l.callbackQueue = append(l.callbackQueue, cb)
	l.mu.Unlock()
}

// onAcceptable drains every pending connection the kernel reports,
// applying accept rate limiting and backlog throttling per spec.md §4.J.
func (l *ListenerSocket) onAcceptable(d Descriptor, kind ReadinessKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != listenerListening {
		return
	}
	for {
		if l.acceptFlow.Applied() {
			return
		}
		if l.opts.rateLimiter != nil {
			if l.opts.rateLimiter.WouldExceedBandwidth(l.rateLimitTag, 1) {
				if l.acceptFlow.Apply(true) {
					l.announce(EventRateLimitApplied, nil)
					l.armRateLimitRelax()
				}
				return
			}
		}

		nd, peer, err := rawAccept(l.desc)
		if err != nil {
			k, _ := KindOf(err)
			switch k {
			case KindWouldBlock:
				return
			case KindLimit:
				l.announce(EventConnectionLimit, err)
				l.applyBacklogThrottleLocked()
				return
			default:
				l.announce(EventError, err)
				return
			}
		}

		if l.opts.rateLimiter != nil {
			l.opts.rateLimiter.Submit(l.rateLimitTag)
		}

		sock := NewStreamSocket(l.driver, l.proactor, nil, WithLogger(l.opts.logger))
		sock.desc = nd
		sock.transport = l.transport
		sock.state = streamConnected
		_ = peer
		if err := l.driver.Attach(nd, sock); err != nil {
			_ = rawClose(nd)
			l.announce(EventError, err)
			continue
		}

		l.deliverLocked(sock)
	}
}

// deliverLocked hands sock to a waiting Accept callback, or queues it.
// Caller holds l.mu.
func (l *ListenerSocket) deliverLocked(sock *StreamSocket) {
	if len(l.callbackQueue) > 0 {
		cb := l.callbackQueue[0]
		l.callbackQueue = l.callbackQueue[1:]
		l.mu.Unlock()
		cb(sock, nil)
		l.mu.Lock()
		return
	}
	l.acceptQueue = append(l.acceptQueue, sock)
}

// armRateLimitRelax schedules the rate limiter's own re-arm relaxation,
// per spec.md §4.J "a re-arm timer schedules its own relaxation."
func (l *ListenerSocket) armRateLimitRelax() {
	next := l.opts.rateLimiter.CalculateTimeToSubmit(l.rateLimitTag)
	l.backlogTimer = l.driver.CreateTimer(TimerOptions{WantDeadline: true}, func(TimerEvent) {
		l.mu.Lock()
		if l.acceptFlow.Relax(true) {
			l.announce(EventRateLimitRelaxed, nil)
		}
		l.mu.Unlock()
		_ = l.driver.ShowReadable(l.desc, l.onAcceptable)
	})
	l.driver.ScheduleTimer(l.backlogTimer, next)
}

// applyBacklogThrottleLocked backs off for opts.backlogThrottle after a
// kernel-reported limit error, per spec.md §4.J "Backlog throttle." Caller
// holds l.mu.
func (l *ListenerSocket) applyBacklogThrottleLocked() {
	if !l.acceptFlow.Apply(true) {
		return
	}
	l.announce(EventFlowControlApplied, nil)
	timer := l.driver.CreateTimer(TimerOptions{WantDeadline: true}, func(TimerEvent) {
		l.mu.Lock()
		if l.acceptFlow.Relax(true) {
			l.announce(EventFlowControlRelaxed, nil)
		}
		l.mu.Unlock()
		_ = l.driver.ShowReadable(l.desc, l.onAcceptable)
	})
	l.driver.ScheduleTimer(timer, timeNow().Add(l.opts.backlogThrottle))
}

// Close detaches and closes the listening socket, failing every queued
// accept callback with [ErrConnectionDead].
func (l *ListenerSocket) Close() error {
	l.mu.Lock()
	if l.state == listenerClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = listenerClosed
	d := l.desc
	pending := l.callbackQueue
	l.callbackQueue = nil
	_, started := l.driver.registry.BeginDetach(d)
	l.mu.Unlock()

	for _, cb := range pending {
		cb(nil, NewError(KindConnectionDead, "listener.accept", ErrConnectionDead))
	}
	if started {
		if err := l.driver.Detach(d); err != nil {
			return err
		}
	}
	return rawClose(d)
}
