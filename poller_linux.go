//go:build linux

package ntc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxPollerFDs bounds the direct-indexed descriptor array, matching the
// teacher's FastPoller sizing (eventloop/poller_linux.go).
const maxPollerFDs = 65536

type pollerFDEntry struct {
	cb     ReadinessCallback
	events ReadinessKind
	active bool
}

// epollPoller is the Linux ReactorDriver backend: epoll plus an eventfd
// used both for interrupt() wakeups and as the self-wake mechanism,
// generalized from the teacher's FastPoller + createWakeFd(Linux)
// (eventloop/poller_linux.go, eventloop/wakeup_linux.go). RegisterFD's
// single events mask becomes three independent show*/hide* calls, per
// spec.md §4.F.
type epollPoller struct {
	epfd     int32
	wakeFD   int32
	version  atomic.Uint64
	eventBuf [256]unix.EpollEvent
	fds      [maxPollerFDs]pollerFDEntry
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, NewError(KindUnreachable, "poller.create", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, NewError(KindUnreachable, "poller.create", err)
	}

	p := &epollPoller{epfd: int32(epfd), wakeFD: int32(wakeFD)}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: wakeFD}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, NewError(KindUnreachable, "poller.create", err)
	}
	return p, nil
}

func (p *epollPoller) ensure(d Descriptor) error {
	if d.Invalid() || int(d) >= maxPollerFDs {
		return NewError(KindInvalid, "poller.show", ErrInvalidDescriptor)
	}
	return nil
}

func (p *epollPoller) show(d Descriptor, bit ReadinessKind, cb ReadinessCallback) error {
	if p.closed.Load() {
		return NewError(KindInvalid, "poller.show", ErrPollerClosed)
	}
	if err := p.ensure(d); err != nil {
		return err
	}

	p.fdMu.Lock()
	e := &p.fds[d]
	wasActive := e.active
	if cb != nil {
		e.cb = cb
	}
	e.events |= bit
	e.active = true
	events := e.events
	p.version.Add(1)
	p.fdMu.Unlock()

	op := unix.EPOLL_CTL_MOD
	if !wasActive {
		op = unix.EPOLL_CTL_ADD
	}
	ev := &unix.EpollEvent{Events: readinessToEpoll(events), Fd: int32(d)}
	if err := unix.EpollCtl(int(p.epfd), op, int(d), ev); err != nil {
		return NewError(KindUnreachable, "poller.show", err)
	}
	return nil
}

func (p *epollPoller) hide(d Descriptor, bit ReadinessKind) error {
	if err := p.ensure(d); err != nil {
		return err
	}

	p.fdMu.Lock()
	e := &p.fds[d]
	if !e.active {
		p.fdMu.Unlock()
		return nil
	}
	e.events &^= bit
	remaining := e.events
	p.version.Add(1)
	p.fdMu.Unlock()

	if remaining == 0 {
		return p.detach(d)
	}
	ev := &unix.EpollEvent{Events: readinessToEpoll(remaining), Fd: int32(d)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, int(d), ev); err != nil {
		return NewError(KindUnreachable, "poller.hide", err)
	}
	return nil
}

func (p *epollPoller) showReadable(d Descriptor, cb ReadinessCallback) error {
	return p.show(d, ReadinessReadable, cb)
}
func (p *epollPoller) showWritable(d Descriptor, cb ReadinessCallback) error {
	return p.show(d, ReadinessWritable, cb)
}
func (p *epollPoller) showError(d Descriptor, cb ReadinessCallback) error {
	return p.show(d, ReadinessError, cb)
}
func (p *epollPoller) hideReadable(d Descriptor) error { return p.hide(d, ReadinessReadable) }
func (p *epollPoller) hideWritable(d Descriptor) error { return p.hide(d, ReadinessWritable) }
func (p *epollPoller) hideError(d Descriptor) error    { return p.hide(d, ReadinessError) }

func (p *epollPoller) detach(d Descriptor) error {
	if err := p.ensure(d); err != nil {
		return err
	}
	p.fdMu.Lock()
	active := p.fds[d].active
	p.fds[d] = pollerFDEntry{}
	p.version.Add(1)
	p.fdMu.Unlock()
	if !active {
		return nil
	}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, int(d), nil); err != nil {
		return NewError(KindUnreachable, "poller.detach", err)
	}
	return nil
}

func (p *epollPoller) poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, NewError(KindInvalid, "poller.poll", ErrPollerClosed)
	}

	v := p.version.Load()
	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, NewError(KindUnreachable, "poller.poll", err)
	}

	if p.version.Load() != v {
		return 0, nil
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := Descriptor(p.eventBuf[i].Fd)
		if int(fd) == int(p.wakeFD) {
			p.drainWake()
			continue
		}
		p.fdMu.RLock()
		e := p.fds[fd]
		p.fdMu.RUnlock()
		if e.active && e.cb != nil {
			e.cb(fd, epollToReadiness(p.eventBuf[i].Events))
			dispatched++
		}
	}
	return dispatched, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(int(p.wakeFD), buf[:])
		if err != nil {
			return
		}
	}
}

func (p *epollPoller) interrupt() error {
	one := uint64(1)
	buf := (*[8]byte)(unsafe.Pointer(&one))
	_, err := unix.Write(int(p.wakeFD), buf[:])
	return err
}

func (p *epollPoller) close() error {
	p.closed.Store(true)
	_ = unix.Close(int(p.wakeFD))
	return unix.Close(int(p.epfd))
}

func readinessToEpoll(k ReadinessKind) uint32 {
	var e uint32
	if k&ReadinessReadable != 0 {
		e |= unix.EPOLLIN
	}
	if k&ReadinessWritable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToReadiness(events uint32) ReadinessKind {
	var k ReadinessKind
	if events&unix.EPOLLIN != 0 {
		k |= ReadinessReadable
	}
	if events&unix.EPOLLOUT != 0 {
		k |= ReadinessWritable
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		k |= ReadinessError
	}
	return k
}
