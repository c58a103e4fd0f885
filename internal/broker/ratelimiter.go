package broker

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by sender.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[int64][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[int64][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it fits the window.
// A limiter with a non-positive limit allows everything.
func (r *RateLimiter) Allow(key int64) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	slice := r.hits[key]
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	slice = slice[:idx]
	if len(slice) >= r.limit {
		r.hits[key] = slice
		return false
	}
	r.hits[key] = append(slice, now)
	return true
}

// Forget drops the history of key, used when its last connection goes away.
func (r *RateLimiter) Forget(key int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.hits, key)
	r.mu.Unlock()
}
