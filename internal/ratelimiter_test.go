package internal

import (
	"testing"
	"time"
)

func TestSlidingWindow(t *testing.T) {
	w := newSlidingWindow(2, time.Second)
	start := time.Unix(100, 0)
	if !w.allow(start) || !w.allow(start.Add(100*time.Millisecond)) {
		t.Fatalf("first two events should pass")
	}
	if w.allow(start.Add(200 * time.Millisecond)) {
		t.Fatalf("third event inside the window should be refused")
	}
	if !w.allow(start.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after the window slid should pass")
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	now := time.Unix(100, 0)
	r := NewRateLimiter(1, time.Minute)
	r.now = func() time.Time { return now }

	if !r.Allow("10.0.0.1") {
		t.Fatalf("first attempt should pass")
	}
	if r.Allow("10.0.0.1") {
		t.Fatalf("second attempt should be limited")
	}
	if !r.Allow("10.0.0.2") {
		t.Fatalf("other key should not be affected")
	}
	now = now.Add(2 * time.Minute)
	if !r.Allow("10.0.0.1") {
		t.Fatalf("limit should reset after the window")
	}
}

func TestRateLimiterSweepsIdleKeys(t *testing.T) {
	now := time.Unix(100, 0)
	r := NewRateLimiter(5, time.Second)
	r.now = func() time.Time { return now }
	for i := 0; i < 1024; i++ {
		r.Allow(string(rune('a'+i%26)) + time.Duration(i).String())
	}
	now = now.Add(time.Minute)
	r.Allow("fresh")
	if got := r.size(); got != 1 {
		t.Fatalf("expected idle keys to be swept, %d remain", got)
	}
}
