package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const limiterTTL = 10 * time.Minute

// RateLimiter hands out one token bucket per client address
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	lastScan time.Time
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing ratePerSecond with the given burst
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		rate:    rate.Limit(ratePerSecond),
		burst:   burst,
		ttl:     limiterTTL,
		now:     time.Now,
	}
}

// Allow reports whether a request from client may proceed. Idle clients
// are swept lazily, at most once per TTL.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastScan) >= rl.ttl {
		rl.sweepLocked(now)
	}

	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-rl.ttl)
	for k, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, k)
		}
	}
	rl.lastScan = now
}

// Clients returns the number of tracked clients
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// RateLimit returns a middleware answering 429 once a client exhausts its bucket
func RateLimit(limiter *RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddress(r)
			if !limiter.Allow(client) {
				logger.Warn("rate limit exceeded",
					zap.String("client", client),
					zap.String("path", r.URL.Path),
				)
				w.Header().Set("Retry-After", "1")
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddress strips the port from RemoteAddr. Proxy headers are
// resolved earlier by chi's RealIP middleware.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
