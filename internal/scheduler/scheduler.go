// internal/scheduler/scheduler.go

// Package scheduler runs the daily circulation jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"libracirc/internal/circulation"
)

// Scheduler runs the reminder, fine and reservation sweeps on a fixed
// interval. Every job is idempotent, so a missed or doubled tick is
// harmless.
type Scheduler struct {
	service  circulation.Service
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a scheduler ticking at the given interval.
func New(service circulation.Service, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		timeout:  10 * time.Minute,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, executing all jobs once per tick.
// The first sweep runs immediately on start.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every job a single time. Job failures are logged and
// never stop the remaining jobs.
func (s *Scheduler) RunOnce(ctx context.Context) {
	jobs := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{"expire_reservations", s.service.ExpireUnclaimedReservations},
		{"auto_fines", s.service.AutoCalculateFines},
		{"overdue_reminders", s.service.SendOverdueReminders},
	}

	for _, job := range jobs {
		jobCtx, cancel := context.WithTimeout(ctx, s.timeout)
		processed, err := job.run(jobCtx)
		cancel()

		if err != nil {
			s.logger.ErrorContext(ctx, "scheduled job failed",
				"job", job.name, "processed", processed, "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "scheduled job finished", "job", job.name, "processed", processed)
	}
}
