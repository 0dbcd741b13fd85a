package ntc

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// catrateLimiter adapts *catrate.Limiter to this package's [RateLimiter]
// interface, and is the default used by ListenerSocket when no
// WithRateLimiter option is given, per SPEC_FULL.md §3's domain-stack wiring.
//
// catrate.Limiter exposes exactly one primitive, Allow(category), which
// both checks AND registers an event in the same call; there is no
// side-effect-free peek. So this adapter caches the next-allowed time
// catrate last reported for each category (updated only by Submit) and
// answers WouldExceedBandwidth/CalculateTimeToSubmit from that cache
// instead of fabricating a peek catrate doesn't provide.
type catrateLimiter struct {
	limiter *catrate.Limiter

	mu   sync.Mutex
	next map[any]time.Time
}

// NewCatrateLimiter builds the default RateLimiter, backed by
// github.com/joeycumines/go-catrate's multi-window sliding-window limiter.
// rates maps a window duration to the maximum number of events allowed in
// that window, per catrate.NewLimiter's contract (a longer window carries a
// larger count than a shorter one, as in resolveOptions' default).
func NewCatrateLimiter(rates map[time.Duration]int) RateLimiter {
	return &catrateLimiter{limiter: catrate.NewLimiter(rates), next: make(map[any]time.Time)}
}

// WouldExceedBandwidth reports whether category is currently throttled,
// per the last Submit outcome cached for it. n is accepted for interface
// symmetry but catrate has no notion of a batch of n events in a single
// call, so n > 1 degrades to the same single-event check.
func (c *catrateLimiter) WouldExceedBandwidth(category any, n int) bool {
	if n <= 0 {
		return false
	}
	return c.CalculateTimeToSubmit(category).After(timeNow())
}

// CalculateTimeToSubmit returns the next-allowed time catrate reported the
// last time Submit was called for category, or the zero time if Submit has
// never been called for it (i.e. nothing is known to be throttled yet).
func (c *catrateLimiter) CalculateTimeToSubmit(category any) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next[category]
}

// Submit registers one event for category via catrate.Limiter.Allow,
// caching the returned next-allowed time for subsequent
// CalculateTimeToSubmit/WouldExceedBandwidth calls.
func (c *catrateLimiter) Submit(category any) (time.Time, bool) {
	next, ok := c.limiter.Allow(category)
	c.mu.Lock()
	c.next[category] = next
	c.mu.Unlock()
	return next, ok
}

var timeNow = time.Now
