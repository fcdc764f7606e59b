package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps inbound frames per connection over a sliding window.
// Timestamps live in a fixed ring sized to the limit; the oldest slot is the
// one that must age out before another frame is admitted.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	filled int
	window time.Duration
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow records an event at now and reports whether it fits in the window.
// Rejected events are not recorded.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < len(r.ring) {
		r.ring[r.next] = now
		r.next = (r.next + 1) % len(r.ring)
		r.filled++
		return true
	}

	// Ring is full: r.next holds the oldest timestamp.
	if now.Sub(r.ring[r.next]) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}

// RetryAfter returns how long until the next event would be admitted.
func (r *RateLimiter) RetryAfter(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < len(r.ring) {
		return 0
	}
	wait := r.window - now.Sub(r.ring[r.next])
	if wait < 0 {
		return 0
	}
	return wait
}

func (r *RateLimiter) limit() int { return len(r.ring) }
