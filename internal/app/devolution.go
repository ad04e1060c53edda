/**
 * @description
 * Devolution creation: the compensating transactions that return funds
 * for a previously settled record. Both the operator-requested path and
 * the automatic path (chargebacks, sustained holds, confirmed fraud)
 * funnel through createCompensation so the aggregate bound — the sum of
 * non-failed devolutions never exceeds the original amount — is enforced
 * in exactly one place.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/arvobank/settlement-service/internal/domain"
	"github.com/arvobank/settlement-service/internal/store"
)

// CreateDevolutionInput is the request to return funds for a settled
// transaction.
type CreateDevolutionInput struct {
	OriginalEndToEndID string
	Kind               domain.Kind // devolution, refund_devolution or warning_devolution
	Amount             int64       // centavos; zero means "everything still returnable"
	Reason             string
}

// CreateDevolution validates the devolution policy and records a new
// PENDING compensating transaction. Forwarding to the network happens
// through the outbound machine like any other payment.
func (s *Service) CreateDevolution(ctx context.Context, input CreateDevolutionInput) (*domain.Transaction, error) {
	if !input.Kind.Compensating() {
		return nil, fmt.Errorf("kind %q is not a compensating kind", input.Kind)
	}
	if input.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	if s.policy.DevolutionCeiling > 0 && input.Amount > s.policy.DevolutionCeiling {
		return nil, ErrAmountAboveCeiling
	}

	original, err := s.repo.FindTransactionByEndToEndID(ctx, input.OriginalEndToEndID)
	if err != nil {
		return nil, err
	}
	if original.State != domain.StateConfirmed && original.State != domain.StateReverted {
		return nil, ErrOriginalNotSettled
	}

	if s.policy.DevolutionWindow > 0 && original.ConfirmedAt != nil {
		if time.Since(*original.ConfirmedAt) > s.policy.DevolutionWindow {
			return nil, ErrDevolutionWindow
		}
	}
	if s.policy.DevolutionMax > 0 {
		count, err := s.repo.CountDevolutions(ctx, original.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count devolutions for %s: %w", original.ID, err)
		}
		if count >= s.policy.DevolutionMax {
			return nil, ErrDevolutionCount
		}
	}

	if s.limiter != nil {
		// Throttle per receiving account of the original transaction: that
		// is the account funds are pulled back from.
		allowed, err := s.limiter.Allow(ctx, original.Destination.AccountNumber)
		if err != nil {
			log.Printf("level=warn component=service msg=\"devolution limiter unavailable; allowing\" original_id=%s err=%v", original.ID, err)
		} else if !allowed {
			return nil, ErrDevolutionThrottled
		}
	}

	devolution, err := s.createCompensation(ctx, original, input.Kind, input.Amount)
	if err != nil {
		return nil, err
	}
	if devolution == nil {
		return nil, ErrDevolutionExceeds
	}
	return devolution, nil
}

// createCompensation records one compensating transaction against the
// original. amount of zero means the full remaining returnable amount.
// The sum bound is checked and the record inserted atomically under a
// row lock on the original, so concurrent compensations for the same
// original serialize instead of both passing a stale sum.
//
// Returns (nil, nil) when nothing is returnable anymore: the automatic
// callers (chargeback retry after a crash) treat that as the effect
// having already happened.
func (s *Service) createCompensation(ctx context.Context, original *domain.Transaction, kind domain.Kind, amount int64) (*domain.Transaction, error) {
	devolution := &domain.Transaction{
		ID:         uuid.New(),
		Kind:       kind,
		EndToEndID: original.EndToEndID,
		State:      domain.StatePending,
		Amount:     amount,
		// Funds flow back: the original receiver pays the original sender.
		Origin:      original.Destination,
		Destination: original.Origin,
		OriginalID:  &original.ID,
	}
	if err := s.repo.CreateCompensation(ctx, original.ID, devolution); err != nil {
		switch {
		case errors.Is(err, store.ErrCompensationExhausted):
			log.Printf("level=info component=service msg=\"original already fully compensated; skipping devolution\" original_id=%s", original.ID)
			return nil, nil
		case errors.Is(err, store.ErrCompensationExceeded):
			return nil, ErrDevolutionExceeds
		}
		return nil, fmt.Errorf("failed to create %s record for %s: %w", kind, original.ID, err)
	}
	s.emitStateChange(ctx, devolution, domain.StatePending)
	log.Printf("level=info component=service msg=\"compensating transaction created\" kind=%s devolution_id=%s original_id=%s amount=%d", kind, devolution.ID, original.ID, devolution.Amount)
	return devolution, nil
}
