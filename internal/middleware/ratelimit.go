package middleware

import (
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the failed-auth budget per client IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds how many client IPs are remembered at once.
	DefaultMaxTrackedIPs = 10000

	defaultIdleTTL = 5 * time.Minute
)

// RateLimiterOption configures a [RateLimiter].
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedIPs caps the number of remembered IPs. The least recently
// seen IP is forgotten first.
func WithMaxTrackedIPs(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.capacity = n
		}
	}
}

func withRateLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

func withIdleTTL(ttl time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.idleTTL = ttl }
}

// RateLimiter keeps a token bucket of failed auth attempts per client IP,
// refilled at perMinute tokens per minute with a burst of perMinute. An IP
// is forgotten once it has been idle for five minutes or when it is the
// least recently seen IP and the table is full.
type RateLimiter struct {
	mu        sync.Mutex // serializes bucket creation in RecordFailure
	buckets   *expirable.LRU[string, *rate.Limiter]
	perMinute int
	capacity  int
	idleTTL   time.Duration
	now       func() time.Time
}

// NewRateLimiter creates a per-IP failure limiter. A non-positive
// perMinute selects DefaultMaxAttemptsPerMinute.
func NewRateLimiter(perMinute int, opts ...RateLimiterOption) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxAttemptsPerMinute
	}
	rl := &RateLimiter{
		perMinute: perMinute,
		capacity:  DefaultMaxTrackedIPs,
		idleTTL:   defaultIdleTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.buckets = expirable.NewLRU[string, *rate.Limiter](rl.capacity, nil, rl.idleTTL)
	return rl
}

// Blocked reports whether ip has no failure budget left. It neither spends
// budget nor counts as activity, and IPs without recorded failures are never
// blocked.
func (rl *RateLimiter) Blocked(ip string) bool {
	limiter, ok := rl.buckets.Peek(ip)
	if !ok {
		return false
	}
	return limiter.TokensAt(rl.now()) < 1
}

// RecordFailure spends one unit of ip's budget and reports whether the
// failure was still within it.
func (rl *RateLimiter) RecordFailure(ip string) bool {
	rl.mu.Lock()
	limiter, ok := rl.buckets.Peek(ip)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(rl.RetryAfter()), rl.perMinute)
	}
	// Re-adding refreshes both recency and the idle deadline.
	rl.buckets.Add(ip, limiter)
	rl.mu.Unlock()

	return limiter.AllowN(rl.now(), 1)
}

// RetryAfter is how long a blocked client waits for one more attempt.
func (rl *RateLimiter) RetryAfter() time.Duration {
	return time.Minute / time.Duration(rl.perMinute)
}

// Tracked returns the number of IPs currently remembered.
func (rl *RateLimiter) Tracked() int {
	return rl.buckets.Len()
}

// clientIP strips the port from a host:port address.
func clientIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
