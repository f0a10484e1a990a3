package usecase

import (
	"context"
	"log/slog"
	"time"

	"FeedPoster/internal/ports"
)

// Runner is the part of Pipeline the scheduler drives.
type Runner interface {
	Run(ctx context.Context) (RunReport, error)
}

// Scheduler wires the interval driver with the pipeline use case.
type Scheduler struct {
	driver ports.Scheduler
	runner Runner
	logger *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring runs.
func NewScheduler(driver ports.Scheduler, runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{driver: driver, runner: runner, logger: logger}
}

// Start registers the pipeline with the provided scheduler. Runs never
// overlap because the driver invokes the job synchronously.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.runner == nil {
		return nil
	}

	job := func(trigger time.Time) {
		report, err := s.runner.Run(ctx)
		if err != nil {
			s.logger.Error("scheduled run failed", "trigger", trigger, "run_id", report.RunID, "error", err)
			return
		}
		s.logger.Info("scheduled run complete", "trigger", trigger, "run_id", report.RunID, "committed", report.Committed)
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
