package ntc

import (
	"fmt"
	"net"
)

// Descriptor is an opaque OS handle identifying an open socket (spec.md §3).
// It is a thin alias over the platform file descriptor so drivers can index
// directly into fixed-size arrays the way the teacher's FastPoller does
// (eventloop/poller_linux.go), rather than through a map keyed by an
// interface value.
type Descriptor int32

// Invalid reports whether d is negative, as [InvalidDescriptor] is. The
// zero value (descriptor 0) is valid.
func (d Descriptor) Invalid() bool { return d < 0 }

// InvalidDescriptor is returned by operations that fail before a socket is
// opened.
const InvalidDescriptor Descriptor = -1

// Transport enumerates the socket transport families this package
// understands when opening a socket.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportTCPIPv4
	TransportTCPIPv6
	TransportUDPIPv4
	TransportUDPIPv6
	TransportUnixStream
	TransportUnixDatagram
	TransportLocalStream // e.g. named pipe equivalents on platforms without UNIX sockets
)

func (t Transport) String() string {
	switch t {
	case TransportTCPIPv4:
		return "tcp4"
	case TransportTCPIPv6:
		return "tcp6"
	case TransportUDPIPv4:
		return "udp4"
	case TransportUDPIPv6:
		return "udp6"
	case TransportUnixStream:
		return "unix"
	case TransportUnixDatagram:
		return "unixgram"
	case TransportLocalStream:
		return "local"
	default:
		return "unknown"
	}
}

// Stream reports whether the transport is connection-oriented.
func (t Transport) Stream() bool {
	switch t {
	case TransportTCPIPv4, TransportTCPIPv6, TransportUnixStream, TransportLocalStream:
		return true
	default:
		return false
	}
}

// EndpointKind tags the address family carried by an Endpoint (spec.md §3).
type EndpointKind int

const (
	EndpointUndefined EndpointKind = iota
	EndpointIPv4
	EndpointIPv6
	EndpointUnix
	EndpointLocal
)

// Endpoint is a tagged address plus optional port, per spec.md §3.
type Endpoint struct {
	Kind EndpointKind
	IP   net.IP // set for EndpointIPv4/EndpointIPv6
	Port uint16 // set for EndpointIPv4/EndpointIPv6
	Path string // set for EndpointUnix/EndpointLocal
}

// String renders the endpoint the way net.JoinHostPort would for IP
// endpoints, or the raw path for unix/local endpoints.
func (e Endpoint) String() string {
	switch e.Kind {
	case EndpointIPv4, EndpointIPv6:
		return net.JoinHostPort(e.IP.String(), fmt.Sprint(e.Port))
	case EndpointUnix, EndpointLocal:
		return e.Path
	default:
		return "<undefined>"
	}
}

// NewIPEndpoint builds an Endpoint from a net.IP and port, tagging the kind
// based on whether the address is a 4-in-6 mapped address.
func NewIPEndpoint(ip net.IP, port uint16) Endpoint {
	kind := EndpointIPv6
	if ip4 := ip.To4(); ip4 != nil {
		kind = EndpointIPv4
		ip = ip4
	}
	return Endpoint{Kind: kind, IP: ip, Port: port}
}

// NewUnixEndpoint builds a UNIX-domain Endpoint for the given path.
func NewUnixEndpoint(path string) Endpoint {
	return Endpoint{Kind: EndpointUnix, Path: path}
}

// TCPAddr/UDPAddr/UnixAddr convert an Endpoint into the corresponding
// standard-library address type, for use when handing off to net-level
// dial/listen helpers that aren't part of this package's scope.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: e.IP, Port: int(e.Port)}
}

func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

func (e Endpoint) UnixAddr(network string) *net.UnixAddr {
	return &net.UnixAddr{Name: e.Path, Net: network}
}
