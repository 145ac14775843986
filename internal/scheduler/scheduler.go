// Package scheduler runs the periodic reconciliation sweeps.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// PayoutSweeper is the slice of the payout service the scheduler drives.
// Provider rejections are deliberately absent: the blanket sweep only retries
// transport failures, anything the provider rejected needs an operator.
type PayoutSweeper interface {
	SweepTransportFailures(ctx context.Context) (int, error)
	SweepStuckPending(ctx context.Context) (int, error)
}

// Scheduler owns the cron runner. Two jobs:
//
//   - hourly: re-dispatch transport-failed payouts from the trailing window
//   - every 10 minutes: re-enqueue PENDING payouts that never reached the
//     gateway (lost between settlement commit and dispatch, e.g. across a
//     process restart)
type Scheduler struct {
	cron    *cron.Cron
	payouts PayoutSweeper
	logger  *slog.Logger
	timeout time.Duration
}

// New builds a Scheduler.
func New(payouts PayoutSweeper, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		payouts: payouts,
		logger:  logger.With("component", "scheduler"),
		timeout: 5 * time.Minute,
	}
}

// Start registers the sweep jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("0 * * * *", s.runTransportSweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("*/10 * * * *", s.runStuckSweep); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("sweep scheduler started")
	return nil
}

// Stop halts the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) runTransportSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.payouts.SweepTransportFailures(ctx); err != nil {
		s.logger.Error("failed-payout sweep error", "error", err)
	}
}

func (s *Scheduler) runStuckSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.payouts.SweepStuckPending(ctx); err != nil {
		s.logger.Error("stuck-payout sweep error", "error", err)
	}
}
