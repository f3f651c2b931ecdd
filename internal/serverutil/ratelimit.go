package serverutil

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds how often one source address may open connections.
// A zero Limit disables the check.
type RateLimitConfig struct {
	// Limit is the number of connections allowed per Window, which is also
	// the burst size.
	Limit  int
	Window time.Duration
}

type connRateLimiter struct {
	limit   int
	window  time.Duration
	mu      sync.Mutex
	sources map[string]*sourceLimiter
	now     func() time.Time
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newConnRateLimiter(cfg RateLimitConfig) *connRateLimiter {
	if cfg.Limit <= 0 {
		return nil
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &connRateLimiter{
		limit:   cfg.Limit,
		window:  window,
		sources: make(map[string]*sourceLimiter),
		now:     time.Now,
	}
}

// Allow reports whether addr may open another connection now.
func (r *connRateLimiter) Allow(addr net.Addr) bool {
	if r == nil {
		return true
	}
	key := sourceKey(addr)
	now := r.now()

	r.mu.Lock()
	source, ok := r.sources[key]
	if !ok {
		every := rate.Limit(float64(r.limit) / r.window.Seconds())
		source = &sourceLimiter{limiter: rate.NewLimiter(every, r.limit)}
		r.sources[key] = source
	}
	source.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	return source.limiter.AllowN(now, 1)
}

func (r *connRateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.window)
	for key, source := range r.sources {
		if source.lastSeen.Before(cutoff) {
			delete(r.sources, key)
		}
	}
}

func sourceKey(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil || host == "" {
		return addr.String()
	}
	return host
}
