package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "slidehub/contracts/hub/v1"
)

// ProgressTracker is the generation-progress specialization of the routing
// layer: one external producer per job, many consumers, topic auto-created on
// the first progress event and torn down shortly after a terminal status.
type ProgressTracker struct {
	log     *slog.Logger
	reg     *Registry
	metrics *Metrics
	linger  time.Duration

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	last       v1.JobProgressBody
	terminalAt time.Time
}

// NewProgressTracker constructs the tracker. linger is how long a terminal
// job's state and topic survive so the final event drains to subscribers.
func NewProgressTracker(log *slog.Logger, reg *Registry, m *Metrics, linger time.Duration) *ProgressTracker {
	if linger <= 0 {
		linger = defaultJobLinger
	}
	return &ProgressTracker{
		log:     log,
		reg:     reg,
		metrics: m,
		linger:  linger,
		jobs:    make(map[string]*jobState),
	}
}

// Publish ingests one progress event from the job runner and broadcasts it.
//
// Progress is clamped non-decreasing while the job is processing: a producer
// emitting a lower fraction than previously observed is a producer-side bug,
// and subscribers must never see a regression. Events arriving after a
// terminal status are dropped entirely.
func (p *ProgressTracker) Publish(jobID string, upd v1.JobProgressBody, now time.Time) error {
	if jobID == "" {
		return fmt.Errorf("progress: missing job id")
	}
	upd.JobID = jobID
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = now
	}
	if upd.Progress < 0 {
		upd.Progress = 0
	}
	if upd.Progress > 1 {
		upd.Progress = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	js := p.jobs[jobID]
	if js == nil {
		js = &jobState{}
		p.jobs[jobID] = js
	}

	if !js.terminalAt.IsZero() {
		p.log.Debug("progress.drop.terminal", "job", jobID, "status", upd.Status)
		return nil
	}

	if upd.Status == v1.JobProcessing && upd.Progress < js.last.Progress {
		p.log.Warn("progress.clamp", "job", jobID, "got", upd.Progress, "floor", js.last.Progress)
		upd.Progress = js.last.Progress
	}

	js.last = upd
	if v1.TerminalJobStatus(upd.Status) {
		js.terminalAt = now
	}

	// Topic auto-creates on the first event so consumers arriving later than
	// the producer still find it; the fan-out path is the same one every
	// connection-origin message takes.
	p.reg.GetOrCreate(v1.JobTopic(jobID), v1.KindJob)
	env, err := v1.NewEvent(v1.TypeJobProgress, v1.JobTopic(jobID), upd, now)
	if err != nil {
		p.metrics.Error("progress")
		return err
	}
	p.reg.Publish(v1.JobTopic(jobID), env)
	return nil
}

// Snapshot returns the last observed progress for a job, if any. It is sent
// to a subscriber joining an in-flight job so its UI starts from the current
// state rather than the next event.
func (p *ProgressTracker) Snapshot(jobID string) (v1.JobProgressBody, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	js := p.jobs[jobID]
	if js == nil || js.last.JobID == "" {
		return v1.JobProgressBody{}, false
	}
	return js.last, true
}

// Sweep tears down jobs whose terminal status is older than the linger
// window, dropping their topics outright.
func (p *ProgressTracker) Sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for jobID, js := range p.jobs {
		if js.terminalAt.IsZero() || now.Sub(js.terminalAt) <= p.linger {
			continue
		}
		delete(p.jobs, jobID)
		p.reg.Drop(v1.JobTopic(jobID))
		p.log.Debug("progress.teardown", "job", jobID)
	}
}

// Jobs returns the number of jobs with live progress state.
func (p *ProgressTracker) Jobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}
