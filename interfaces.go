package ntc

import (
	"time"
)

// Resolver resolves names to endpoints, the external dependency
// StreamSocket.connect and DatagramSocket.connect consume when given a
// hostname rather than a literal address, per spec.md §4.I/§4.H "connect
// accepts either a literal Endpoint or a name resolved via the configured
// Resolver." This package never implements DNS lookup itself (spec.md §1
// Non-goals); callers supply an adapter (e.g. wrapping net.Resolver).
type Resolver interface {
	// ResolveEndpoint returns every endpoint the name resolves to, in the
	// resolver's preferred order.
	ResolveEndpoint(name string, transport Transport) ([]Endpoint, error)
	// ResolveName performs the reverse lookup, used only for logging/
	// diagnostics.
	ResolveName(e Endpoint) (string, error)
}

// RateLimiter is the external pacing dependency consumed by
// ListenerSocket's accept throttle, per spec.md §4.J. StreamSocket does not
// consult it. The default implementation
// (ratelimiter_catrate.go) adapts github.com/joeycumines/go-catrate;
// callers may supply their own.
type RateLimiter interface {
	// WouldExceedBandwidth reports whether registering n more events for
	// category right now would exceed the configured rate, without
	// actually registering them.
	WouldExceedBandwidth(category any, n int) bool
	// CalculateTimeToSubmit returns the earliest time at which category
	// may next submit without being throttled.
	CalculateTimeToSubmit(category any) time.Time
	// Submit registers an event for category, returning ok=false (plus the
	// earliest retry time) if doing so would exceed the configured rate.
	Submit(category any) (time.Time, bool)
}

// BufferFactory is the external allocation hook ByteQueue-backed sockets
// use to obtain the byte slices they fill on receive, per spec.md §4.E/§1
// ("buffer pool implementations" are out of scope; only the seam is
// specified). The default, used when no WithBufferFactory option is given,
// is a plain make([]byte, n) allocator.
type BufferFactory interface {
	Allocate(n int) []byte
}

// defaultBufferFactory allocates directly from the runtime, with no
// pooling, per spec.md §1 Non-goals ("buffer pool implementations").
type defaultBufferFactory struct{}

func (defaultBufferFactory) Allocate(n int) []byte { return make([]byte, n) }

// Encryption is the TLS-shaped filter hook StreamSocket's upgrade/downgrade
// operations drive (component I), per spec.md §4.I and §1 Non-goals
// ("encryption primitives" are out of scope; the core only orchestrates
// the handshake lifecycle around a caller-supplied implementation).
type Encryption interface {
	// Upgrade wraps raw bytes read from the wire before they reach the
	// application, and wraps application bytes before they reach the
	// wire, for the lifetime of the upgraded session. It performs
	// whatever handshake is necessary before returning.
	Upgrade(ctx Waiter, raw ByteStream) (ByteStream, error)
	// Downgrade reverses Upgrade, returning the raw transport once any
	// closing handshake completes.
	Downgrade(ctx Waiter, upgraded ByteStream) (ByteStream, error)
}

// ByteStream is the minimal read/write seam Encryption filters operate
// over; StreamSocket's internal wire-reader/writer satisfies it.
type ByteStream interface {
	ReadBytes(p []byte) (int, error)
	WriteBytes(p []byte) (int, error)
}

// Waiter abstracts a caller-provided cancellation/deadline context for
// operations that may block the calling goroutine, e.g. a synchronous
// Encryption handshake. It deliberately mirrors the subset of
// context.Context this package's callbacks need without importing
// "context" into every leaf file.
type Waiter interface {
	Done() <-chan struct{}
	Err() error
}
