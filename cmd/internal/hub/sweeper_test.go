package hub

import (
	"sync"
	"testing"
	"time"
)

type recordingTarget struct {
	mu    sync.Mutex
	ticks []time.Time
}

func (r *recordingTarget) Sweep(now time.Time) {
	r.mu.Lock()
	r.ticks = append(r.ticks, now)
	r.mu.Unlock()
}

func TestSweeperTickVisitsAllTargets(t *testing.T) {
	t.Parallel()

	a := &recordingTarget{}
	b := &recordingTarget{}
	s := NewSweeper(testLogger(), time.Minute, a, b)

	now := time.Date(2026, 3, 5, 6, 0, 0, 0, time.UTC)
	s.Tick(now)

	for _, target := range []*recordingTarget{a, b} {
		if len(target.ticks) != 1 || !target.ticks[0].Equal(now) {
			t.Fatalf("target ticks = %v", target.ticks)
		}
	}
}
