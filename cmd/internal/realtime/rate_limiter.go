package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter over inbound frames.
type RateLimiter struct {
	mu     sync.Mutex
	hits   []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter; non-positive inputs fall back to the package limits.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		hits:   make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow records a hit at now and reports whether it fits the window.
// Rejected hits are not recorded.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(now)
	if len(r.hits) >= r.limit {
		return false
	}
	r.hits = append(r.hits, now)
	return true
}

// Remaining reports how many hits the window still accepts at now.
func (r *RateLimiter) Remaining(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(now)
	return r.limit - len(r.hits)
}

// hits are appended in time order, so expired ones form a prefix.
func (r *RateLimiter) pruneLocked(now time.Time) {
	cut := now.Add(-r.window)
	i := 0
	for i < len(r.hits) && !r.hits[i].After(cut) {
		i++
	}
	if i > 0 {
		r.hits = append(r.hits[:0], r.hits[i:]...)
	}
}
