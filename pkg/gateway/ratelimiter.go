package gateway

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window counter keyed by an arbitrary string, such
// as the remote IP of failed logins. Unlike a token bucket it can count only
// the events the caller chooses to record and forget them on Reset.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter allows limit events per key within window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an event for key and reports whether it fits the window.
// Rejected events are not recorded.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	hits := r.pruneLocked(key)
	if len(hits) >= r.limit {
		return false
	}
	r.hits[key] = append(hits, r.now())
	return true
}

// Exceeded reports whether key has used up its window without recording.
func (r *RateLimiter) Exceeded(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pruneLocked(key)) >= r.limit
}

// Record counts an event for key unconditionally.
func (r *RateLimiter) Record(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hits[key] = append(r.pruneLocked(key), r.now())
}

// Count returns the events for key inside the current window.
func (r *RateLimiter) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pruneLocked(key))
}

// Reset forgets key.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.hits, key)
}

func (r *RateLimiter) pruneLocked(key string) []time.Time {
	cutoff := r.now().Add(-r.window)
	hits := r.hits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(r.hits, key)
		return nil
	}
	r.hits[key] = kept
	return kept
}
