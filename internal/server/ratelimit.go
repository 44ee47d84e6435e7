package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultRateWindow = time.Minute

// RateLimiter tracks request timestamps per client IP inside a sliding
// window. Budgets are scoped per endpoint, so a client hammering the check
// endpoint does not consume the link or webhook budget.
type RateLimiter struct {
	mu     sync.Mutex
	seen   map[string][]time.Time
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter creates a limiter with the given sliding window. Per-scope
// limits are supplied at wrap time via Limit.
func NewRateLimiter(window time.Duration) *RateLimiter {
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		seen:   make(map[string][]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Limit wraps next with a per-IP budget of limit requests per window for the
// named scope. A non-positive limit disables limiting for that scope.
func (rl *RateLimiter) Limit(scope string, limit int, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(scope+"|"+clientIP(r), limit) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string, limit int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	recent := rl.seen[key][:0]
	for _, t := range rl.seen[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= limit {
		rl.seen[key] = recent
		return false
	}
	rl.seen[key] = append(recent, now)
	return true
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		// Use the first IP in the chain.
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
