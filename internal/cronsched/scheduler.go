// Package cronsched periodically appends pending turn WAL entries: the
// single periodic heartbeat prompt (heartbeat-sourced) and any number of
// named cron-expression jobs (schedule-sourced), each gated by
// active-hours where configured. It replaces the teacher's cmd/gateway_cron.go polling
// loop (which routed cron jobs through a bespoke scheduler lane and
// message bus) with adhocore/gronx expression matching feeding this
// repo's turn WAL instead.
package cronsched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/brewva/brewva/internal/config"
	"github.com/brewva/brewva/internal/turnwal"
)

// Enqueuer is the turn WAL's AppendPending, narrowed to what this
// package needs so tests can substitute a fake.
type Enqueuer interface {
	AppendPending(envelope map[string]interface{}, source turnwal.Source, opts turnwal.AppendPendingOpts) (*turnwal.Record, error)
}

// Scheduler ticks at a fixed interval, evaluating the heartbeat and any
// named cron jobs from config against the current time.
type Scheduler struct {
	wal    Enqueuer
	cfg    *config.Config
	tick   time.Duration
	logger *slog.Logger

	mu            sync.Mutex
	lastHeartbeat time.Time
	lastJobMinute map[string]time.Time
}

// New builds a Scheduler. tick controls how often the scheduler wakes
// to check whether the heartbeat or a cron job is due; a minute-scale
// cron expression needs a tick of at most a minute to fire reliably.
func New(wal Enqueuer, cfg *config.Config) *Scheduler {
	return &Scheduler{
		wal:           wal,
		cfg:           cfg,
		tick:          30 * time.Second,
		logger:        slog.Default().With("component", "cronsched"),
		lastJobMinute: make(map[string]time.Time),
	}
}

// ResetHeartbeat clears the last-fired timestamp so the next tick
// re-evaluates the heartbeat against the current config's interval
// instead of waiting out whatever interval was in effect when it last
// fired. Intended for use after a config hot reload.
func (s *Scheduler) ResetHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Time{}
}

// Run blocks, ticking until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tickOnce(ctx, now)
		}
	}
}

// tickOnce evaluates the heartbeat and every named job against now. It
// is exported indirectly via Run but kept separate for deterministic
// testing.
func (s *Scheduler) tickOnce(ctx context.Context, now time.Time) {
	cron := s.cfg.CronSnapshot()
	retry := retryConfigFrom(cron)

	if cron.Heartbeat != nil {
		s.maybeFireHeartbeat(ctx, cron.Heartbeat, now, retry)
	}
	for _, job := range cron.Jobs {
		s.maybeFireJob(ctx, job, now, retry)
	}
}

func (s *Scheduler) maybeFireHeartbeat(ctx context.Context, hb *config.HeartbeatConfig, now time.Time, retry RetryConfig) {
	every, err := time.ParseDuration(hb.Every)
	if err != nil || every <= 0 {
		return // "0m" or unset: disabled
	}
	if !withinActiveHours(hb.ActiveHours, now) {
		return
	}

	s.mu.Lock()
	due := now.Sub(s.lastHeartbeat) >= every
	if due {
		s.lastHeartbeat = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	envelope := map[string]interface{}{
		"sessionId": hb.Session,
		"channel":   "heartbeat",
		"prompt":    hb.Prompt,
	}
	s.enqueue(ctx, envelope, turnwal.SourceHeartbeat, turnwal.AppendPendingOpts{}, retry, "heartbeat")
}

func (s *Scheduler) maybeFireJob(ctx context.Context, job config.CronJobConfig, now time.Time, retry RetryConfig) {
	if job.Expr == "" {
		return
	}
	due, err := gronx.IsDue(job.Expr, now)
	if err != nil {
		s.logger.Warn("invalid cron expression", "job", job.ID, "expr", job.Expr, "error", err)
		return
	}
	if !due {
		return
	}

	// gronx matches at minute granularity; only fire once per matching
	// minute even though the tick interval is finer than that.
	minute := now.Truncate(time.Minute)
	s.mu.Lock()
	already := s.lastJobMinute[job.ID].Equal(minute)
	if !already {
		s.lastJobMinute[job.ID] = minute
	}
	s.mu.Unlock()
	if already {
		return
	}

	envelope := map[string]interface{}{
		"sessionId": job.Session,
		"channel":   job.Channel,
		"prompt":    job.Prompt,
		"jobId":     job.ID,
	}
	opts := turnwal.AppendPendingOpts{TTLMs: s.cfg.TurnWALScheduleTTLMs()}
	s.enqueue(ctx, envelope, turnwal.SourceSchedule, opts, retry, job.ID)
}

func (s *Scheduler) enqueue(ctx context.Context, envelope map[string]interface{}, source turnwal.Source, opts turnwal.AppendPendingOpts, retry RetryConfig, label string) {
	err := retry.do(ctx, func() error {
		_, err := s.wal.AppendPending(envelope, source, opts)
		return err
	})
	if err != nil {
		s.logger.Error("failed to enqueue scheduled turn", "job", label, "error", err)
	}
}
