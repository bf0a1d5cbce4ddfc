package internal

import (
	"sync"
	"time"
)

// slidingWindow admits at most limit events per window.
type slidingWindow struct {
	hits   []time.Time
	limit  int
	window time.Duration
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		hits:   make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

func (s *slidingWindow) allow(now time.Time) bool {
	if s.limit <= 0 {
		return true
	}
	s.prune(now)
	if len(s.hits) >= s.limit {
		return false
	}
	s.hits = append(s.hits, now)
	return true
}

func (s *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	idx := 0
	for _, ts := range s.hits {
		if ts.After(cutoff) {
			s.hits[idx] = ts
			idx++
		}
	}
	s.hits = s.hits[:idx]
}

// RateLimiter keeps one sliding window per key, typically a client IP.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*slidingWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[key]
	if !ok {
		w = newSlidingWindow(r.limit, r.window)
		r.windows[key] = w
	}
	allowed := w.allow(now)
	if len(r.windows) > 1024 {
		r.sweep(now)
	}
	return allowed
}

// sweep drops keys whose window has fully expired. Callers hold r.mu.
func (r *RateLimiter) sweep(now time.Time) {
	for key, w := range r.windows {
		w.prune(now)
		if len(w.hits) == 0 {
			delete(r.windows, key)
		}
	}
}

func (r *RateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
