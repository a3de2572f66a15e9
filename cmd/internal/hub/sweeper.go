package hub

import (
	"context"
	"log/slog"
	"time"
)

// Swept is implemented by components that enforce wall-clock expiry: lock
// TTLs, presence timers, terminal-job linger, empty-topic grace. The sweep
// runs independent of any request, so a hung client cannot hold a lock or
// appear present indefinitely.
type Swept interface {
	Sweep(now time.Time)
}

// Sweeper drives periodic maintenance across hub components.
type Sweeper struct {
	log      *slog.Logger
	interval time.Duration
	targets  []Swept
}

// NewSweeper constructs a Sweeper over targets.
func NewSweeper(log *slog.Logger, interval time.Duration, targets ...Swept) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{log: log, interval: interval, targets: targets}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Tick(now.UTC())
		}
	}
}

// Tick runs one sweep pass. Exposed for tests and operational tooling.
func (s *Sweeper) Tick(now time.Time) {
	for _, target := range s.targets {
		if target != nil {
			target.Sweep(now)
		}
	}
}
