package hub

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 10*time.Second)

	for i := range 3 {
		if !rl.Allow(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d inside limit was refused", i)
		}
	}
	if rl.Allow(now.Add(3 * time.Second)) {
		t.Fatalf("event over limit was allowed")
	}

	// Once the oldest events age out of the window, capacity returns.
	if !rl.Allow(now.Add(11 * time.Second)) {
		t.Fatalf("event after window slide was refused")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if !rl.Allow(time.Now()) {
		t.Fatalf("limiter with defaults refused first event")
	}
}
