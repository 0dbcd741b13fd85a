// Package ntc implements the core of an asynchronous, event-driven network
// transport library: a pair of pluggable I/O drivers (a readiness-based
// [ReactorDriver] and a completion-based [ProactorDriver]) multiplexing
// events across many sockets, coupled to per-socket state machines
// ([DatagramSocket], [StreamSocket], [ListenerSocket]) that coordinate
// connection establishment, flow control, graceful shutdown, and safe
// detachment.
//
// # Architecture
//
// A user API call enters a socket state machine, which transitions its
// [FlowControlState] and [ShutdownState], touches its send/receive
// [ByteQueue], and either schedules a driver operation (reactor or
// proactor) or a [Chronology] timer. The driver polls the kernel (or, for
// the proactor, runs each submitted operation on its own goroutine) and
// routes completion
// back into the socket's handler. [Registry] is the shared descriptor index
// backing both drivers.
//
// # Concurrency
//
// Only [ReactorDriver.Run] and [ProactorDriver.Poll] may block the calling
// goroutine. Every other method either completes synchronously, enqueues
// work, or submits an operation to a driver. A socket may optionally carry
// a [Strand], a FIFO single-at-a-time execution context that serializes its
// announcements; without one, callbacks may run concurrently on any worker
// goroutine driving the reactor or proactor.
//
// # What this package does not do
//
// Concrete OS polling backends beyond epoll/kqueue, DNS resolution,
// rate-limiter policy, metrics sinks, buffer pool implementations, and
// TLS/compression/serialization codecs are external collaborators: this
// package defines the interfaces it consumes ([Resolver], [RateLimiter],
// [BufferFactory], [Encryption]). It ships only simple defaults for two of
// them: a go-catrate-backed [RateLimiter] ([NewCatrateLimiter]) and an
// unpooled [BufferFactory]. [Resolver] and [Encryption] are never
// implemented here.
package ntc
