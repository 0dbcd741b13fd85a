package ntc

import "time"

// options holds the resolved configuration shared by ReactorDriver,
// ProactorDriver, and the socket types. Grounded on the teacher's
// loopOptions/LoopOption/loopOptionImpl/resolveLoopOptions pattern
// (eventloop/options.go).
type options struct {
	logger               Logger
	resolver             Resolver
	rateLimiter          RateLimiter
	bufferFactory        BufferFactory
	readWatermark        watermarks
	writeWatermark       watermarks
	backlogThrottle      time.Duration
	connectRetryInterval time.Duration
}

type watermarks struct {
	low  int
	high int
}

// defaultWatermarks are the read and write queue watermarks used when no
// WithReadWatermarks/WithWriteWatermarks option is given.
var defaultWatermarks = watermarks{low: 4096, high: 65536}

// defaultBacklogThrottle is the fixed accept-backlog re-arm interval
// documented in SPEC_FULL.md §6, grounded on
// original_source/groups/ntc/ntcp/ntcp_listenersocket.cpp's
// privateThrottleBacklog.
const defaultBacklogThrottle = time.Second

// defaultConnectRetryInterval is the delay StreamSocket.Connect waits
// after a failed attempt before the next one, per spec.md
// §4.I step 5 ("schedule retry timer"). No fixed interval is named in
// original_source/groups/ntc/ntcr/ntcr_streamsocket.h's
// d_connectRetryTimer_sp; this value is chosen short enough to exhaust
// several retries within a typical connect deadline.
const defaultConnectRetryInterval = 100 * time.Millisecond

// Option configures a driver or socket at construction time.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithLogger installs a structured logger. The zero value (nil) means a
// discarding logger (see NewDefaultLogger).
func WithLogger(l Logger) Option {
	return optionFunc(func(o *options) { o.logger = l })
}

// WithResolver installs the name-resolution adapter consumed by connect
// operations given a hostname rather than a literal Endpoint.
func WithResolver(r Resolver) Option {
	return optionFunc(func(o *options) { o.resolver = r })
}

// WithRateLimiter installs the accept pacing adapter used by
// ListenerSocket. Defaults to
// a github.com/joeycumines/go-catrate-backed limiter if never set and a
// component needs one (see resolveOptions).
func WithRateLimiter(r RateLimiter) Option {
	return optionFunc(func(o *options) { o.rateLimiter = r })
}

// WithBufferFactory installs the receive-buffer allocator.
func WithBufferFactory(b BufferFactory) Option {
	return optionFunc(func(o *options) { o.bufferFactory = b })
}

// WithReadWatermarks sets the read-side ByteQueue's low/high watermarks.
func WithReadWatermarks(low, high int) Option {
	return optionFunc(func(o *options) { o.readWatermark = watermarks{low: low, high: high} })
}

// WithWriteWatermarks sets the write-side ByteQueue's low/high watermarks.
func WithWriteWatermarks(low, high int) Option {
	return optionFunc(func(o *options) { o.writeWatermark = watermarks{low: low, high: high} })
}

// WithBacklogThrottle overrides the default accept-backlog re-arm interval
// used by ListenerSocket.
func WithBacklogThrottle(d time.Duration) Option {
	return optionFunc(func(o *options) { o.backlogThrottle = d })
}

// WithConnectRetryInterval overrides the default delay StreamSocket.Connect
// waits after a failed attempt before the next one.
func WithConnectRetryInterval(d time.Duration) Option {
	return optionFunc(func(o *options) { o.connectRetryInterval = d })
}

// resolveOptions applies opts over a set of defaults, grounded on the
// teacher's resolveLoopOptions.
func resolveOptions(opts []Option) *options {
	o := &options{
		bufferFactory:        defaultBufferFactory{},
		readWatermark:        defaultWatermarks,
		writeWatermark:       defaultWatermarks,
		backlogThrottle:      defaultBacklogThrottle,
		connectRetryInterval: defaultConnectRetryInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(o)
	}
	if o.rateLimiter == nil {
		o.rateLimiter = NewCatrateLimiter(map[time.Duration]int{
			time.Second: 100,
			time.Minute: 2000,
		})
	}
	return o
}
