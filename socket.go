package ntc

import (
	"golang.org/x/sys/unix"
)

// socket.go holds the raw syscall plumbing shared by DatagramSocket and
// StreamSocket: translating a [Transport]/[Endpoint] into the
// golang.org/x/sys/unix calls that open, bind, connect, and shut down a
// non-blocking descriptor. Grounded on the pollers' existing
// golang.org/x/sys/unix usage (poller_linux.go, poller_darwin.go) rather
// than net.Dial/net.Listen, since this package drives sockets directly
// through the reactor/proactor rather than through Go's own netpoller
// (spec.md §1: "a new I/O driver, not a wrapper around net.Conn").

func transportDomain(t Transport) (domain, sockType, proto int, ok bool) {
	switch t {
	case TransportTCPIPv4:
		return unix.AF_INET, unix.SOCK_STREAM, 0, true
	case TransportTCPIPv6:
		return unix.AF_INET6, unix.SOCK_STREAM, 0, true
	case TransportUDPIPv4:
		return unix.AF_INET, unix.SOCK_DGRAM, 0, true
	case TransportUDPIPv6:
		return unix.AF_INET6, unix.SOCK_DGRAM, 0, true
	case TransportUnixStream, TransportLocalStream:
		return unix.AF_UNIX, unix.SOCK_STREAM, 0, true
	case TransportUnixDatagram:
		return unix.AF_UNIX, unix.SOCK_DGRAM, 0, true
	default:
		return 0, 0, 0, false
	}
}

// rawOpen creates a non-blocking OS socket for transport, per spec.md
// §4.H/§4.I "open(transport): creates the OS socket."
func rawOpen(t Transport) (Descriptor, error) {
	domain, sockType, proto, ok := transportDomain(t)
	if !ok {
		return InvalidDescriptor, NewError(KindInvalid, "socket.open", ErrInvalid)
	}
	fd, err := unix.Socket(domain, sockType|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return InvalidDescriptor, NewError(kindOfErrno(err), "socket.open", err)
	}
	return Descriptor(fd), nil
}

func sockaddr(e Endpoint) (unix.Sockaddr, error) {
	switch e.Kind {
	case EndpointIPv4:
		var addr [4]byte
		copy(addr[:], e.IP.To4())
		return &unix.SockaddrInet4{Port: int(e.Port), Addr: addr}, nil
	case EndpointIPv6:
		var addr [16]byte
		copy(addr[:], e.IP.To16())
		return &unix.SockaddrInet6{Port: int(e.Port), Addr: addr}, nil
	case EndpointUnix, EndpointLocal:
		return &unix.SockaddrUnix{Name: e.Path}, nil
	default:
		return nil, NewError(KindInvalid, "socket.sockaddr", ErrInvalid)
	}
}

// rawBind binds d to e.
func rawBind(d Descriptor, e Endpoint) error {
	sa, err := sockaddr(e)
	if err != nil {
		return err
	}
	if err := unix.Bind(int(d), sa); err != nil {
		return NewError(kindOfErrno(err), "socket.bind", err)
	}
	return nil
}

// rawConnect begins (or, for a non-blocking socket, initiates) a connect
// to e. EINPROGRESS is not an error here: the caller arms writable
// interest and completes via getsockopt(SO_ERROR) once the descriptor
// becomes writable, per spec.md §4.I's connect protocol.
func rawConnect(d Descriptor, e Endpoint) error {
	sa, err := sockaddr(e)
	if err != nil {
		return err
	}
	err = unix.Connect(int(d), sa)
	if err == nil || err == unix.EINPROGRESS {
		return nil
	}
	return NewError(kindOfErrno(err), "socket.connect", err)
}

// rawConnectError reads and clears SO_ERROR, the standard way to learn the
// outcome of a non-blocking connect once the descriptor becomes writable.
func rawConnectError(d Descriptor) error {
	errno, err := unix.GetsockoptInt(int(d), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return NewError(kindOfErrno(err), "socket.connect", err)
	}
	if errno != 0 {
		e := unix.Errno(errno)
		return NewError(kindOfErrno(e), "socket.connect", e)
	}
	return nil
}

// rawListen marks d as a passive listening socket with the given backlog.
func rawListen(d Descriptor, backlog int) error {
	if err := unix.Listen(int(d), backlog); err != nil {
		return NewError(kindOfErrno(err), "socket.listen", err)
	}
	return nil
}

// rawAccept accepts one pending connection on d, returning the new
// non-blocking descriptor and the peer's address.
func rawAccept(d Descriptor) (Descriptor, Endpoint, error) {
	nfd, sa, err := unix.Accept4(int(d), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return InvalidDescriptor, Endpoint{}, NewError(kindOfErrno(err), "socket.accept", err)
	}
	return Descriptor(nfd), endpointFromSockaddr(sa), nil
}

func endpointFromSockaddr(sa unix.Sockaddr) Endpoint {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return NewIPEndpoint(append([]byte(nil), v.Addr[:]...), uint16(v.Port))
	case *unix.SockaddrInet6:
		return NewIPEndpoint(append([]byte(nil), v.Addr[:]...), uint16(v.Port))
	case *unix.SockaddrUnix:
		return NewUnixEndpoint(v.Name)
	default:
		return Endpoint{}
	}
}

// rawWrite writes p to a connected (or datagram-default-destination)
// socket, returning the number of bytes accepted by the kernel buffer.
// [ErrWouldBlock] signals the caller should enqueue the remainder.
func rawWrite(d Descriptor, p []byte) (int, error) {
	n, err := unix.Write(int(d), p)
	if err != nil {
		return n, NewError(kindOfErrno(err), "socket.write", err)
	}
	return n, nil
}

// rawRead fills p from d.
func rawRead(d Descriptor, p []byte) (int, error) {
	n, err := unix.Read(int(d), p)
	if err != nil {
		return n, NewError(kindOfErrno(err), "socket.read", err)
	}
	if n == 0 {
		return 0, NewError(KindEOF, "socket.read", ErrEOF)
	}
	return n, nil
}

// rawSendto writes a single datagram to e.
func rawSendto(d Descriptor, p []byte, e Endpoint) error {
	sa, err := sockaddr(e)
	if err != nil {
		return err
	}
	if err := unix.Sendto(int(d), p, 0, sa); err != nil {
		return NewError(kindOfErrno(err), "socket.sendto", err)
	}
	return nil
}

// rawSend writes a single datagram to the socket's connected peer.
func rawSend(d Descriptor, p []byte) error {
	if err := unix.Send(int(d), p, 0); err != nil {
		return NewError(kindOfErrno(err), "socket.send", err)
	}
	return nil
}

// rawRecvfrom reads a single datagram, reporting its source address.
func rawRecvfrom(d Descriptor, p []byte) (int, Endpoint, error) {
	n, from, err := unix.Recvfrom(int(d), p, 0)
	if err != nil {
		return n, Endpoint{}, NewError(kindOfErrno(err), "socket.recvfrom", err)
	}
	var ep Endpoint
	if from != nil {
		ep = endpointFromSockaddr(from)
	}
	return n, ep, nil
}

// rawShutdownSend/rawShutdownReceive perform the OS-level half-shutdown
// spec.md §4.I step 3 requires.
func rawShutdownSend(d Descriptor) error {
	if err := unix.Shutdown(int(d), unix.SHUT_WR); err != nil {
		return NewError(kindOfErrno(err), "socket.shutdown", err)
	}
	return nil
}

func rawShutdownReceive(d Descriptor) error {
	if err := unix.Shutdown(int(d), unix.SHUT_RD); err != nil {
		return NewError(kindOfErrno(err), "socket.shutdown", err)
	}
	return nil
}

// rawClose closes the descriptor outright.
func rawClose(d Descriptor) error {
	if err := unix.Close(int(d)); err != nil {
		return NewError(kindOfErrno(err), "socket.close", err)
	}
	return nil
}

// kindOfErrno maps the handful of errno values spec.md §7 names explicitly
// to their [Kind]; anything else is a generic transport error.
func kindOfErrno(err error) Kind {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return KindWouldBlock
	}
	switch err {
	case unix.EINTR:
		return KindInterrupted
	case unix.ECONNREFUSED:
		return KindConnectionRefused
	case unix.ECONNRESET:
		return KindConnectionReset
	case unix.EADDRINUSE:
		return KindAddressInUse
	case unix.EHOSTUNREACH:
		return KindAddressUnreachable
	case unix.ENETUNREACH:
		return KindUnreachable
	case unix.EINPROGRESS, unix.EALREADY:
		return KindWouldBlock
	case unix.EPIPE:
		return KindConnectionDead
	case unix.EMFILE, unix.ENFILE:
		return KindLimit
	default:
		return KindInvalid
	}
}
