package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs a cycle at start and then once per interval until the
// context is cancelled. Cycle errors are logged; they never stop the loop.
type Scheduler struct {
	r        *Reconciler
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. A non-positive interval uses the default.
func NewScheduler(r *Reconciler, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	return &Scheduler{
		r:        r,
		interval: interval,
		logger:   r.logger.With("loop", "scheduler"),
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.interval)
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	rec, err := s.r.RunCycle(ctx)
	if err != nil {
		// Already reported by the cycle itself.
		s.logger.Error("cycle failed", "err", err)
		return
	}
	s.logger.Debug("cycle finished", "id", rec.ID, "outcome", rec.Outcome)
}
