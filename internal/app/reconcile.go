/**
 * @description
 * The compensation reconciler: scheduled sweeps that heal records
 * stranded between saga steps.
 *
 * - Forward sweep: PENDING outbound records older than the minimum age
 *   are re-driven through Forward. The idempotent ledger and the
 *   gateway's dedup on our id make the retry safe.
 * - Status sweep: WAITING records forwarded to the network are polled
 *   and their reported outcome applied, covering lost status events.
 * - Blocked-deposit sweep: cautionary holds the compliance service never
 *   resolved are rejected after the maximum hold period and the funds
 *   returned.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/arvobank/settlement-service/internal/domain"
	"github.com/arvobank/settlement-service/pkg/pspclient"
)

// StuckTransactions is the operator view over the sweep candidate
// queries: records sitting in a non-terminal state longer than the
// sweeps' own thresholds.
type StuckTransactions struct {
	Pending []domain.Transaction `json:"pending"`
	Waiting []domain.Transaction `json:"waiting"`
	Blocked []domain.Transaction `json:"blocked"`
}

// ListStuckTransactions reports what the next sweep passes would pick
// up, without driving anything.
func (s *Service) ListStuckTransactions(ctx context.Context) (*StuckTransactions, error) {
	cutoff := time.Now().UTC().Add(-s.policy.SweepMinAge)
	pending, err := s.repo.ListPendingOutbound(ctx, cutoff, s.policy.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending outbound candidates: %w", err)
	}
	waiting, err := s.repo.ListWaitingForwarded(ctx, cutoff, s.policy.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting candidates: %w", err)
	}
	blocked, err := s.repo.ListBlockedDeposits(ctx, time.Now().UTC().Add(-s.policy.BlockedMaxHold), s.policy.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked deposits: %w", err)
	}
	return &StuckTransactions{Pending: pending, Waiting: waiting, Blocked: blocked}, nil
}

// SweepPendingOutbound re-drives outbound records that never reached
// the network.
func (s *Service) SweepPendingOutbound(ctx context.Context) (*domain.SweepResult, error) {
	cutoff := time.Now().UTC().Add(-s.policy.SweepMinAge)
	candidates, err := s.repo.ListPendingOutbound(ctx, cutoff, s.policy.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending outbound candidates: %w", err)
	}

	result := &domain.SweepResult{Processed: len(candidates)}
	for i := range candidates {
		tx := &candidates[i]
		forwarded, err := s.Forward(ctx, tx.ID)
		if err != nil {
			if _, rejected := domain.IsRejection(err); rejected {
				// Another handler advanced the record between listing and now.
				result.Skipped++
				continue
			}
			result.Errors++
			log.Printf("level=warn component=service flow=forward_sweep msg=\"re-drive failed; candidate left for next pass\" transaction_id=%s err=%v", tx.ID, err)
			continue
		}
		switch forwarded.State {
		case domain.StateWaiting:
			result.Forwarded++
		case domain.StateFailed:
			result.Failed++
		default:
			result.Skipped++
		}
	}
	log.Printf("level=info component=service flow=forward_sweep msg=\"sweep finished\" processed=%d forwarded=%d failed=%d skipped=%d errors=%d",
		result.Processed, result.Forwarded, result.Failed, result.Skipped, result.Errors)
	return result, nil
}

// SyncWaitingTransactions polls the gateway for records forwarded to
// the network that have not heard back and applies the reported outcome.
func (s *Service) SyncWaitingTransactions(ctx context.Context) (*domain.SweepResult, error) {
	cutoff := time.Now().UTC().Add(-s.policy.SweepMinAge)
	candidates, err := s.repo.ListWaitingForwarded(ctx, cutoff, s.policy.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting candidates: %w", err)
	}

	result := &domain.SweepResult{Processed: len(candidates)}
	for i := range candidates {
		tx := &candidates[i]
		if tx.ExternalRef == nil {
			result.Skipped++
			continue
		}
		status, err := s.gateway.FetchStatus(ctx, *tx.ExternalRef)
		if err != nil {
			result.Errors++
			log.Printf("level=warn component=service flow=status_sweep msg=\"status query failed\" transaction_id=%s external_ref=%s err=%v", tx.ID, *tx.ExternalRef, err)
			continue
		}

		// The gateway reports the same status vocabulary here as on the
		// event path; normalize both the same way.
		switch normalizeGatewayStatus(status.Status) {
		case pspclient.StatusSettled:
			if err := s.confirmOutbound(ctx, tx, status.EndToEndID); err != nil {
				result.Errors++
				log.Printf("level=warn component=service flow=status_sweep msg=\"confirmation failed\" transaction_id=%s err=%v", tx.ID, err)
				continue
			}
			result.Confirmed++
		case pspclient.StatusRejected:
			if err := s.failForwarded(ctx, tx, status.FailureCode, status.FailureMessage); err != nil {
				result.Errors++
				log.Printf("level=warn component=service flow=status_sweep msg=\"failure application failed\" transaction_id=%s err=%v", tx.ID, err)
				continue
			}
			result.Failed++
		default:
			result.Skipped++
		}
	}
	log.Printf("level=info component=service flow=status_sweep msg=\"sweep finished\" processed=%d confirmed=%d failed=%d skipped=%d errors=%d",
		result.Processed, result.Confirmed, result.Failed, result.Skipped, result.Errors)
	return result, nil
}

// SweepBlockedDeposits rejects cautionary holds that outlived the
// maximum hold period without a compliance decision, returning the
// funds to the sender.
func (s *Service) SweepBlockedDeposits(ctx context.Context) (*domain.SweepResult, error) {
	heldSince := time.Now().UTC().Add(-s.policy.BlockedMaxHold)
	candidates, err := s.repo.ListBlockedDeposits(ctx, heldSince, s.policy.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked deposits: %w", err)
	}

	result := &domain.SweepResult{Processed: len(candidates)}
	for i := range candidates {
		tx := &candidates[i]
		if err := s.rejectBlockedDeposit(ctx, tx, "cautionary hold expired without a compliance decision"); err != nil {
			if _, rejected := domain.IsRejection(err); rejected {
				result.Skipped++
				continue
			}
			result.Errors++
			log.Printf("level=warn component=service flow=blocked_sweep msg=\"hold expiry rejection failed\" transaction_id=%s err=%v", tx.ID, err)
			continue
		}
		result.Failed++
	}
	log.Printf("level=info component=service flow=blocked_sweep msg=\"sweep finished\" processed=%d rejected=%d skipped=%d errors=%d",
		result.Processed, result.Failed, result.Skipped, result.Errors)
	return result, nil
}
