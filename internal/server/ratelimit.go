package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ssd-technologies/confluence/internal/ratelimit"
)

// rateLimiter is a per-IP fixed-window limiter. Expired windows are pruned
// lazily every window.
type rateLimiter struct {
	set    *ratelimit.Set
	window time.Duration

	mu        sync.Mutex
	lastPrune time.Time
}

func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	return &rateLimiter{set: ratelimit.New(rate, window), window: window, lastPrune: time.Now()}
}

// allow returns true if the IP has not exceeded its rate limit.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	if now := time.Now(); now.Sub(rl.lastPrune) > rl.window {
		rl.lastPrune = now
		rl.set.Prune()
	}
	rl.mu.Unlock()
	return rl.set.Allow(ip)
}

// getIP extracts the client IP from a request, respecting X-Forwarded-For
// for proxied deployments.
func getIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
