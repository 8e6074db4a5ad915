// ratelimit.go - Token bucket rate limiter middleware by client IP.
package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/ratelimit"
)

// rateLimiter keeps one token bucket per IP address, with periodic
// cleanup of idle visitors.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests allowed per window
	window   time.Duration // time window for rate limiting
	clock    clock.Clock
	done     chan struct{}
	stopOnce sync.Once
}

// visitor holds the bucket for a single IP address.
type visitor struct {
	bucket   *ratelimit.Bucket
	lastSeen time.Time
}

// bucketClock adapts a juju clock to the ratelimit package.
type bucketClock struct {
	clock.Clock
}

func (c bucketClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// newRateLimiter creates a rate limiter that allows 'rate' requests per 'window'.
// Example: newRateLimiter(100, time.Minute, clk) allows 100 requests per minute per IP.
func newRateLimiter(rate int, window time.Duration, clk clock.Clock) *rateLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		clock:    clk,
		done:     make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// middleware returns an HTTP middleware that enforces rate limits
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)

		if !rl.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allow checks if a request from the given IP should be allowed.
// Each bucket holds rate tokens and is refilled in full every window.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{
			bucket: ratelimit.NewBucketWithQuantumAndClock(
				rl.window, int64(rl.rate), int64(rl.rate), bucketClock{rl.clock}),
		}
		rl.visitors[ip] = v
	}
	v.lastSeen = rl.clock.Now()
	return v.bucket.TakeAvailable(1) == 1
}

// cleanup periodically removes visitors with no recent requests
func (rl *rateLimiter) cleanup() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.clock.After(time.Minute):
		}
		rl.evictIdle()
	}
}

// evictIdle drops visitors idle for more than two windows. Their buckets
// would be full again by then.
func (rl *rateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.clock.Now().Add(-rl.window * 2)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// getClientIP returns the host part of RemoteAddr. Forwarding headers
// are only honoured through RealIP, when the server trusts its proxy.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RealIP leaves a bare address without a port.
		return r.RemoteAddr
	}
	return host
}
