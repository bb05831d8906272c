package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"concierge/internal/constants"
	"concierge/internal/grace"
	"concierge/internal/logger"
	"concierge/pkg/metrics"
)

// Sweep item outcomes reported by a Handler.
const (
	OutcomeResolved  = "resolved"
	OutcomeReentered = "reentered"
	OutcomeDone      = "done"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// Handler does the booking-level work for the sweep. Implementations serialize on the booking.
type Handler interface {
	ExpireGrace(ctx context.Context, g grace.GracePeriod) (string, error)
	RunJob(ctx context.Context, job Job) (string, error)
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// Sweeper wakes up on a fixed interval, expires overdue grace periods and runs due jobs.
type Sweeper struct {
	graces  grace.Store
	jobs    Store
	handler Handler
	logger  logger.Logger

	interval    time.Duration
	batchSize   int
	maxAttempts int
	now         func() time.Time

	lastSweep atomic.Int64
}

func NewSweeper(graces grace.Store, jobs Store, handler Handler, log logger.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		graces:      graces,
		jobs:        jobs,
		handler:     handler,
		logger:      log,
		interval:    constants.DefaultSweepInterval,
		batchSize:   constants.DefaultSweepBatchSize,
		maxAttempts: constants.DefaultJobMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.InfowCtx(ctx, "Starting sweep",
		"interval", s.interval.String(),
		"batch_size", s.batchSize,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfowCtx(ctx, "Sweep stopping")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if err := s.Sweep(ctx); err != nil {
		metrics.IncSweepRun("error")
		s.logger.ErrorwCtx(ctx, "Sweep failed", "error", err)
		return
	}
	metrics.IncSweepRun("success")
	s.lastSweep.Store(s.now().UnixNano())
}

// LastSweep is when the last pass finished without a store error. Zero before the first one.
func (s *Sweeper) LastSweep() time.Time {
	n := s.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Interval is the configured time between passes.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Sweep makes one pass. Item failures are logged and retried on a later pass; only store errors are returned.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now().UTC()

	if err := s.sweepGraces(ctx, now); err != nil {
		return err
	}

	// a crash between claim and complete leaves jobs running; hand them back after a few intervals
	if n, err := s.jobs.ReleaseStale(ctx, now.Add(-3*s.interval)); err != nil {
		return fmt.Errorf("failed to release stale jobs: %w", err)
	} else if n > 0 {
		s.logger.WarnwCtx(ctx, "Released stale jobs", "count", n)
	}

	if err := s.sweepJobs(ctx, now); err != nil {
		return err
	}

	if pending, err := s.graces.CountPending(ctx); err == nil {
		metrics.SetActiveGracePeriods(pending)
	}
	return nil
}

func (s *Sweeper) sweepGraces(ctx context.Context, now time.Time) error {
	due, err := s.graces.Due(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list expired grace periods: %w", err)
	}

	for _, g := range due {
		outcome, err := s.handler.ExpireGrace(ctx, g)
		if err != nil {
			s.logger.ErrorwCtx(ctx, "Failed to expire grace period",
				"booking_id", g.BookingID,
				"deadline", g.Deadline,
				"error", err,
			)
			outcome = OutcomeError
		}
		metrics.IncSweepItem("grace", outcome)
	}
	return nil
}

func (s *Sweeper) sweepJobs(ctx context.Context, now time.Time) error {
	jobs, err := s.jobs.Claim(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to claim due jobs: %w", err)
	}

	for _, job := range jobs {
		outcome, err := s.handler.RunJob(ctx, job)
		if err != nil {
			s.logger.ErrorwCtx(ctx, "Scheduled job failed",
				"job_id", job.ID,
				"kind", job.Kind,
				"booking_id", job.BookingID,
				"attempt", job.Attempts,
				"error", err,
			)
			retryAt := now.Add(time.Duration(job.Attempts) * s.interval)
			if ferr := s.jobs.Fail(ctx, job.ID, err.Error(), retryAt, s.maxAttempts); ferr != nil {
				s.logger.ErrorwCtx(ctx, "Failed to record job failure", "job_id", job.ID, "error", ferr)
			}
			metrics.IncSweepItem(string(job.Kind), OutcomeError)
			continue
		}

		if err := s.jobs.Complete(ctx, job.ID, s.now().UTC()); err != nil {
			s.logger.ErrorwCtx(ctx, "Failed to complete job", "job_id", job.ID, "error", err)
		}
		metrics.IncSweepItem(string(job.Kind), outcome)
	}
	return nil
}
