package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter bounds per-IP request rates on the expensive endpoints
// (entry verification, spatial summaries) with a sliding window.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*ipWindow
	maxRate int
	window  time.Duration
}

type ipWindow struct {
	remaining int
	resetAt   time.Time
}

// NewRateLimiter allows maxRate requests per window per client IP.
func NewRateLimiter(maxRate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*ipWindow),
		maxRate: maxRate,
		window:  window,
	}
	go func() {
		for {
			time.Sleep(10 * time.Minute)
			rl.cleanup()
		}
	}()
	return rl
}

// Allow consumes one request slot for the IP. When refused, retryAfter is
// the time until the window resets.
func (rl *RateLimiter) Allow(ip string) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, exists := rl.windows[ip]
	if !exists || now.After(w.resetAt) {
		rl.windows[ip] = &ipWindow{remaining: rl.maxRate - 1, resetAt: now.Add(rl.window)}
		return true, 0
	}
	if w.remaining > 0 {
		w.remaining--
		return true, 0
	}
	return false, w.resetAt.Sub(now)
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for ip, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, ip)
		}
	}
}

// clientIP resolves the caller address, trusting the first entry of
// X-Forwarded-For when a proxy set it.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware wraps a handler; refusals get 429 with Retry-After.
func RateLimitMiddleware(rl *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, retry := rl.Allow(clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
