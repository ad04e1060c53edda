/**
 * @description
 * Cron scheduler wiring for the reconciliation sweeps.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the periodic reconciliation sweeps.
type Scheduler struct {
	cron   *cron.Cron
	svc    *Service
	logger *slog.Logger

	syncWaitingSchedule    string
	blockedDepositSchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(svc *Service, logger *slog.Logger, syncWaitingSchedule, blockedDepositSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:                   c,
		svc:                    svc,
		logger:                 logger,
		syncWaitingSchedule:    syncWaitingSchedule,
		blockedDepositSchedule: blockedDepositSchedule,
	}
}

// Start registers the sweep jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.syncWaitingSchedule, s.runOutboundSweeps); err != nil {
		s.logger.Error("failed to schedule outbound sweep job", "error", err)
	} else {
		s.logger.Info("scheduled outbound sweep job", "schedule", s.syncWaitingSchedule)
	}

	if _, err := s.cron.AddFunc(s.blockedDepositSchedule, s.runBlockedDepositSweep); err != nil {
		s.logger.Error("failed to schedule blocked deposit sweep job", "error", err)
	} else {
		s.logger.Info("scheduled blocked deposit sweep job", "schedule", s.blockedDepositSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// runOutboundSweeps re-drives stranded PENDING records and polls the
// gateway for forwarded records that have not heard back.
func (s *Scheduler) runOutboundSweeps() {
	s.logger.Info("starting outbound sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if result, err := s.svc.SweepPendingOutbound(ctx); err != nil {
		s.logger.Error("forward sweep failed", "error", err)
	} else {
		s.logger.Info("forward sweep finished", "processed", result.Processed, "forwarded", result.Forwarded, "failed", result.Failed, "errors", result.Errors)
	}

	if result, err := s.svc.SyncWaitingTransactions(ctx); err != nil {
		s.logger.Error("status sweep failed", "error", err)
	} else {
		s.logger.Info("status sweep finished", "processed", result.Processed, "confirmed", result.Confirmed, "failed", result.Failed, "errors", result.Errors)
	}
}

// runBlockedDepositSweep rejects cautionary holds that outlived the
// maximum hold period.
func (s *Scheduler) runBlockedDepositSweep() {
	s.logger.Info("starting blocked deposit sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if result, err := s.svc.SweepBlockedDeposits(ctx); err != nil {
		s.logger.Error("blocked deposit sweep failed", "error", err)
	} else {
		s.logger.Info("blocked deposit sweep finished", "processed", result.Processed, "rejected", result.Failed, "errors", result.Errors)
	}
}
