/**
 * @description
 * Outbound payment lifecycle: creation, forwarding to the clearing
 * network, and applying the settlement outcomes the network reports.
 *
 * Forwarding is the effectful saga step: the ledger debit is posted and
 * the gateway send happens before the PENDING -> WAITING state write.
 * Both collaborators tolerate retries (the ledger is idempotent per
 * transaction id; the gateway dedupes on our id), so a crash between an
 * effect and the write is healed by the re-drive sweep.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arvobank/settlement-service/internal/domain"
	"github.com/arvobank/settlement-service/internal/store"
	"github.com/arvobank/settlement-service/pkg/pspclient"
)

// CreatePaymentInput is the request to create an outbound payment.
type CreatePaymentInput struct {
	Kind        domain.Kind
	Amount      int64
	Origin      domain.Party
	Destination domain.Party
}

// CreatePayment records a new outbound payment in PENDING. The record is
// forwarded separately (immediately by the API handler, or by the sweep
// if that attempt is lost).
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput) (*domain.Transaction, error) {
	if input.Kind != domain.KindPayment && input.Kind != domain.KindAdminPayment {
		return nil, fmt.Errorf("kind %q is not an outbound payment kind", input.Kind)
	}
	if input.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.policy.PaymentCeiling > 0 && input.Amount > s.policy.PaymentCeiling {
		return nil, ErrAmountAboveCeiling
	}

	tx := &domain.Transaction{
		ID:          uuid.New(),
		Kind:        input.Kind,
		State:       domain.StatePending,
		Amount:      input.Amount,
		Origin:      input.Origin,
		Destination: input.Destination,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}
	s.emitStateChange(ctx, tx, domain.StatePending)
	return tx, nil
}

// Forward hands a PENDING outbound transaction to the clearing network.
//
// Effects, in order: post the ledger debit, assign the operation id (at
// most once), send to the gateway. An explicit gateway rejection fails
// the record and reverses the debit; an ambiguous failure leaves the
// record in PENDING for the sweep to re-drive.
func (s *Service) Forward(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	decision, err := domain.Transition(tx.Kind, tx.State, domain.EventForward)
	if err != nil {
		return nil, err
	}
	if decision.NoOp {
		return tx, nil
	}

	if decision.Requires(domain.EffectPostLedger) {
		operationID, err := s.ledger.PostOperation(ctx, tx.ID, tx.Amount, ledgerDirectionFor(tx.Kind), string(tx.Kind))
		if err != nil {
			return nil, fmt.Errorf("failed to post ledger operation for %s: %w", tx.ID, err)
		}
		if err := s.repo.SetLedgerOperationID(ctx, tx.ID, operationID); err != nil {
			if errors.Is(err, store.ErrLedgerOperationIDSet) {
				// A different operation id is already booked against this
				// record. Never overwrite it; this needs an operator.
				return nil, fmt.Errorf("ledger operation id conflict for %s: %w", tx.ID, err)
			}
			return nil, fmt.Errorf("failed to record ledger operation id for %s: %w", tx.ID, err)
		}
		tx.LedgerOperationID = &operationID
	}

	request := pspclient.TransferRequest{
		TransactionID: tx.ID.String(),
		Kind:          string(tx.Kind),
		Amount:        tx.Amount,
		Origin:        gatewayAccount(tx.Origin),
		Destination:   gatewayAccount(tx.Destination),
	}
	if tx.Kind.Compensating() {
		// A compensating transaction travels under its original's
		// end-to-end id; everything else gets one from the network.
		request.EndToEndID = tx.EndToEndID
	}
	receipt, sendErr := s.gateway.Send(ctx, request)
	if sendErr != nil {
		var gwErr *pspclient.GatewayError
		if errors.As(sendErr, &gwErr) && gwErr.IsExplicitRejection() {
			// The gateway understood the request and refused it: fail the
			// record and give the debited funds back.
			return tx, s.failOutbound(ctx, tx, gwErr.Code, gwErr.Detail)
		}
		// Ambiguous: the network may or may not have accepted the
		// transaction. Leave the record untouched for the sweep.
		return nil, fmt.Errorf("gateway send failed for %s: %w", tx.ID, sendErr)
	}

	now := time.Now().UTC()
	update := store.StateUpdate{
		ExternalRef: optionalString(receipt.ExternalRef),
		EndToEndID:  optionalString(receipt.EndToEndID),
		ForwardedAt: &now,
	}
	if err := s.applyUpdate(ctx, tx, domain.StatePending, decision.Next, update); err != nil {
		return nil, fmt.Errorf("failed to persist forwarded state for %s: %w", tx.ID, err)
	}
	return tx, nil
}

// CancelTransaction withdraws an outbound record that has not been
// handed to the network. A debit already booked by a lost forward
// attempt is reversed; records the network has seen are refused.
func (s *Service) CancelTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	decision, err := domain.Transition(tx.Kind, tx.State, domain.EventCancel)
	if err != nil {
		return nil, err
	}
	if decision.NoOp {
		return tx, nil
	}

	if decision.Requires(domain.EffectReverseLedger) {
		if err := s.reverseLedger(ctx, tx); err != nil {
			return nil, err
		}
	}

	if err := s.applyUpdate(ctx, tx, tx.State, decision.Next, store.StateUpdate{}); err != nil {
		return nil, fmt.Errorf("failed to persist cancellation for %s: %w", tx.ID, err)
	}
	log.Printf("level=info component=service msg=\"outbound transaction canceled\" transaction_id=%s kind=%s", tx.ID, tx.Kind)
	return tx, nil
}

// ApplyTransferStatus applies a network settlement outcome to the
// outbound transaction claiming the external reference. The claim lookup
// resolves regular and admin payments in a single query so concurrent
// deliveries for the same reference race on the state guard, not on two
// existence probes.
func (s *Service) ApplyTransferStatus(ctx context.Context, event domain.TransferStatusEvent) error {
	claim, err := s.repo.ResolveTransferByExternalRef(ctx, event.ExternalRef)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			// The reference may belong to a devolution rather than a payment.
			tx, findErr := s.repo.FindTransactionByExternalRef(ctx, event.ExternalRef)
			if findErr != nil {
				return findErr
			}
			return s.applyTransferStatusTo(ctx, tx, event)
		}
		return fmt.Errorf("failed to resolve transfer %s: %w", event.ExternalRef, err)
	}
	return s.applyTransferStatusTo(ctx, claim.Tx, event)
}

func (s *Service) applyTransferStatusTo(ctx context.Context, tx *domain.Transaction, event domain.TransferStatusEvent) error {
	switch normalizeGatewayStatus(event.Status) {
	case pspclient.StatusSettled:
		return s.confirmOutbound(ctx, tx, event.EndToEndID)
	case pspclient.StatusRejected:
		return s.failForwarded(ctx, tx, event.FailureCode, event.FailureMessage)
	default:
		// Still processing; nothing to apply.
		return nil
	}
}

// confirmOutbound settles a forwarded transaction.
func (s *Service) confirmOutbound(ctx context.Context, tx *domain.Transaction, endToEndID string) error {
	decision, err := domain.Transition(tx.Kind, tx.State, domain.EventConfirm)
	if err != nil {
		return err
	}
	if decision.NoOp {
		return nil
	}

	now := time.Now().UTC()
	update := store.StateUpdate{ConfirmedAt: &now}
	if endToEndID != "" && tx.EndToEndID == nil {
		update.EndToEndID = &endToEndID
	}
	if err := s.applyUpdate(ctx, tx, tx.State, decision.Next, update); err != nil {
		return fmt.Errorf("failed to persist confirmation for %s: %w", tx.ID, err)
	}
	return nil
}

// failForwarded fails a transaction the network reported as rejected.
func (s *Service) failForwarded(ctx context.Context, tx *domain.Transaction, code, message string) error {
	decision, err := domain.Transition(tx.Kind, tx.State, domain.EventFail)
	if err != nil {
		return err
	}
	if decision.NoOp {
		return nil
	}

	if decision.Requires(domain.EffectReverseLedger) {
		if err := s.reverseLedger(ctx, tx); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	update := store.StateUpdate{
		FailureCode:    optionalString(code),
		FailureMessage: optionalString(message),
		FailedAt:       &now,
	}
	if err := s.applyUpdate(ctx, tx, tx.State, decision.Next, update); err != nil {
		return fmt.Errorf("failed to persist failure for %s: %w", tx.ID, err)
	}
	return nil
}

// failOutbound is failForwarded for the forward step itself: the record
// is still PENDING and the debit just posted must be given back.
func (s *Service) failOutbound(ctx context.Context, tx *domain.Transaction, code, detail string) error {
	return s.failForwarded(ctx, tx, code, detail)
}

// reverseLedger issues the compensating reversal when a debit was
// already booked. Records that never reached the ledger have nothing to
// reverse.
func (s *Service) reverseLedger(ctx context.Context, tx *domain.Transaction) error {
	if tx.LedgerOperationID == nil {
		return nil
	}
	if err := s.ledger.ReverseOperation(ctx, *tx.LedgerOperationID); err != nil {
		return fmt.Errorf("failed to reverse ledger operation %s for %s: %w", *tx.LedgerOperationID, tx.ID, err)
	}
	log.Printf("level=info component=service msg=\"ledger operation reversed\" transaction_id=%s operation_id=%s", tx.ID, *tx.LedgerOperationID)
	return nil
}

func gatewayAccount(p domain.Party) pspclient.Account {
	return pspclient.Account{
		BankISPB:      p.BankISPB,
		Branch:        p.Branch,
		AccountNumber: p.AccountNumber,
		Document:      p.Document,
		Name:          p.Name,
	}
}

func ledgerDirectionFor(kind domain.Kind) string {
	switch kind {
	case domain.KindDeposit, domain.KindDevolutionReceived:
		return "credit"
	default:
		return "debit"
	}
}

func normalizeGatewayStatus(status string) string {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "settled", "completed", "successful", "success":
		return pspclient.StatusSettled
	case "rejected", "failed", "failure":
		return pspclient.StatusRejected
	default:
		return pspclient.StatusProcessing
	}
}
