/**
 * @description
 * Inbound deposit lifecycle: receiving unsolicited funds from the
 * network, compliance holds, settlement confirmation, and
 * network-initiated chargebacks.
 *
 * Deposits are correlated by end-to-end id. The unique index on that
 * column makes receipt idempotent: a redelivered event finds (or races
 * into) the existing record and returns it unchanged.
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

// ReceiveDeposit records funds that arrived from the network. The
// compliance screener decides whether the record starts in WAITING or
// under a cautionary BLOCKED hold.
func (s *Service) ReceiveDeposit(ctx context.Context, event domain.DepositReceivedEvent) (*domain.Transaction, error) {
	return s.receiveInbound(ctx, domain.KindDeposit, event)
}

// ReceiveDevolution records a devolution the counterparty sent back for
// one of our outbound transfers. It arrives under its own return
// end-to-end id and is never held: the funds were ours to begin with.
func (s *Service) ReceiveDevolution(ctx context.Context, event domain.DepositReceivedEvent) (*domain.Transaction, error) {
	return s.receiveInbound(ctx, domain.KindDevolutionReceived, event)
}

func (s *Service) receiveInbound(ctx context.Context, kind domain.Kind, event domain.DepositReceivedEvent) (*domain.Transaction, error) {
	if event.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if event.EndToEndID == "" {
		return nil, errors.New("inbound event is missing the end-to-end id")
	}

	if existing, err := s.repo.FindTransactionByEndToEndID(ctx, event.EndToEndID); err == nil {
		// Redelivery of an already-recorded receipt.
		return existing, nil
	} else if !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, fmt.Errorf("failed to look up inbound record %s: %w", event.EndToEndID, err)
	}

	state := domain.StateWaiting
	if kind == domain.KindDeposit && s.screener != nil {
		if hold, reason := s.screener.Screen(ctx, event); hold {
			state = domain.StateBlocked
			log.Printf("level=info component=service msg=\"deposit placed under cautionary hold\" end_to_end_id=%s reason=%s amount=%d", event.EndToEndID, reason, event.Amount)
		}
	}

	tx := &domain.Transaction{
		ID:          uuid.New(),
		Kind:        kind,
		ExternalRef: optionalString(event.ExternalRef),
		EndToEndID:  &event.EndToEndID,
		State:       state,
		Amount:      event.Amount,
		Origin:      event.Origin,
		Destination: event.Destination,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateEndToEndID) {
			// Lost the insert race against a concurrent redelivery.
			return s.repo.FindTransactionByEndToEndID(ctx, event.EndToEndID)
		}
		return nil, fmt.Errorf("failed to create inbound record: %w", err)
	}
	s.emitStateChange(ctx, tx, state)
	return tx, nil
}

// ConfirmInbound settles a received deposit or devolution: the ledger
// credit is booked, then the record moves to CONFIRMED.
func (s *Service) ConfirmInbound(ctx context.Context, endToEndID string) error {
	tx, err := s.repo.FindTransactionByEndToEndID(ctx, endToEndID)
	if err != nil {
		return err
	}

	decision, err := domain.Transition(tx.Kind, tx.State, domain.EventConfirm)
	if err != nil {
		return err
	}
	if decision.NoOp {
		return nil
	}

	if decision.Requires(domain.EffectPostLedger) {
		operationID, err := s.ledger.PostOperation(ctx, tx.ID, tx.Amount, ledgerDirectionFor(tx.Kind), string(tx.Kind))
		if err != nil {
			return fmt.Errorf("failed to post ledger credit for %s: %w", tx.ID, err)
		}
		if err := s.repo.SetLedgerOperationID(ctx, tx.ID, operationID); err != nil {
			if errors.Is(err, store.ErrLedgerOperationIDSet) {
				return fmt.Errorf("ledger operation id conflict for %s: %w", tx.ID, err)
			}
			return fmt.Errorf("failed to record ledger operation id for %s: %w", tx.ID, err)
		}
		tx.LedgerOperationID = &operationID
	}

	now := time.Now().UTC()
	if err := s.applyUpdate(ctx, tx, tx.State, decision.Next, store.StateUpdate{ConfirmedAt: &now}); err != nil {
		return fmt.Errorf("failed to persist deposit confirmation for %s: %w", tx.ID, err)
	}
	return nil
}

// FailInbound fails a received deposit or devolution the network
// reported as not settling.
func (s *Service) FailInbound(ctx context.Context, endToEndID, code, message string) error {
	tx, err := s.repo.FindTransactionByEndToEndID(ctx, endToEndID)
	if err != nil {
		return err
	}
	return s.failForwarded(ctx, tx, code, message)
}

// ApplyComplianceDecision resolves a cautionary hold. A released hold
// returns the deposit to WAITING; a sustained hold fails it and returns
// the funds to the sender through a devolution.
func (s *Service) ApplyComplianceDecision(ctx context.Context, event domain.ComplianceDecisionEvent) error {
	tx, err := s.repo.FindTransactionByEndToEndID(ctx, event.EndToEndID)
	if err != nil {
		return err
	}

	if !event.Hold {
		decision, err := domain.Transition(tx.Kind, tx.State, domain.EventRelease)
		if err != nil {
			return err
		}
		if decision.NoOp {
			return nil
		}
		if err := s.applyUpdate(ctx, tx, tx.State, decision.Next, store.StateUpdate{}); err != nil {
			return fmt.Errorf("failed to release hold for %s: %w", tx.ID, err)
		}
		return nil
	}

	return s.rejectBlockedDeposit(ctx, tx, event.Reason)
}

// rejectBlockedDeposit applies the sustained-hold outcome: the deposit
// fails and the funds go back to the sender. The compensating record is
// created before the state write; on retry the remaining-returnable
// bound keeps a second one from appearing.
func (s *Service) rejectBlockedDeposit(ctx context.Context, tx *domain.Transaction, reason string) error {
	decision, err := domain.Transition(tx.Kind, tx.State, domain.EventReject)
	if err != nil {
		return err
	}
	if decision.NoOp {
		return nil
	}

	if decision.Requires(domain.EffectCreateDevolution) {
		if _, err := s.createCompensation(ctx, tx, domain.KindDevolution, tx.Amount); err != nil {
			return fmt.Errorf("failed to create devolution for rejected deposit %s: %w", tx.ID, err)
		}
	}

	now := time.Now().UTC()
	update := store.StateUpdate{
		FailureCode:    optionalString("compliance_rejected"),
		FailureMessage: optionalString(reason),
		FailedAt:       &now,
	}
	if err := s.applyUpdate(ctx, tx, tx.State, decision.Next, update); err != nil {
		return fmt.Errorf("failed to persist compliance rejection for %s: %w", tx.ID, err)
	}
	return nil
}

// Chargeback applies a network-initiated reversal of a confirmed
// transaction: the record moves to REVERTED and a devolution for the
// remaining returnable amount goes back out.
func (s *Service) Chargeback(ctx context.Context, event domain.ChargebackEvent) error {
	tx, err := s.repo.FindTransactionByEndToEndID(ctx, event.EndToEndID)
	if err != nil {
		return err
	}

	decision, err := domain.Transition(tx.Kind, tx.State, domain.EventChargeback)
	if err != nil {
		return err
	}
	if decision.NoOp {
		return nil
	}

	if decision.Requires(domain.EffectCreateDevolution) {
		if _, err := s.createCompensation(ctx, tx, domain.KindDevolution, 0); err != nil {
			return fmt.Errorf("failed to create chargeback devolution for %s: %w", tx.ID, err)
		}
	}

	if err := s.applyUpdate(ctx, tx, tx.State, decision.Next, store.StateUpdate{
		ChargebackReason: optionalString(event.Reason),
	}); err != nil {
		return fmt.Errorf("failed to persist chargeback for %s: %w", tx.ID, err)
	}
	return nil
}
