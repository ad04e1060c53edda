/**
 * @description
 * This file contains the core business logic for the settlement-service. The
 * `Service` struct orchestrates every saga step of the transaction lifecycle,
 * coordinating between the database repository, the ledger (Operation Service),
 * the PSP gateway, the compliance screener, and the message broker.
 *
 * Key features:
 * - Every state change goes through the pure machines in internal/domain; the
 *   service performs the mandated side effects, then persists the new state
 *   with a state-guarded update, then emits the outbound notification.
 * - Side effects run BEFORE the state write so a crash leaves the record in
 *   its prior state and the idempotent collaborators absorb the retry.
 * - Emission failures never fail a handler: the transition is already durable.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/pspclient, pkg/ledgerclient, pkg/rabbitmq: For external collaborators.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/arvobank/settlement-service/internal/domain"
	"github.com/arvobank/settlement-service/internal/store"
	"github.com/arvobank/settlement-service/pkg/pspclient"
)

var (
	ErrInvalidAmount       = errors.New("amount must be a positive number of centavos")
	ErrAmountAboveCeiling  = errors.New("amount exceeds the configured ceiling for this kind")
	ErrOriginalNotSettled  = errors.New("original transaction is not settled")
	ErrDevolutionExceeds   = errors.New("devolution would exceed the original amount")
	ErrDevolutionWindow    = errors.New("devolution window for the original transaction has elapsed")
	ErrDevolutionCount     = errors.New("devolution count limit reached for the original transaction")
	ErrDevolutionThrottled = errors.New("devolution rate limit exceeded; retry later")
)

// LedgerService is the slice of the Operation Service the settlement
// handlers need. Posting is idempotent per transaction id, which is what
// makes retrying a crashed handler safe.
type LedgerService interface {
	PostOperation(ctx context.Context, transactionID uuid.UUID, amount int64, direction, tag string) (string, error)
	ReverseOperation(ctx context.Context, operationID string) error
}

// Gateway forwards outbound transactions to the clearing network and
// answers status queries.
type Gateway interface {
	Send(ctx context.Context, req pspclient.TransferRequest) (*pspclient.Receipt, error)
	FetchStatus(ctx context.Context, externalRef string) (*pspclient.StatusResult, error)
}

// Screener decides whether an incoming deposit needs a cautionary hold.
type Screener interface {
	Screen(ctx context.Context, event domain.DepositReceivedEvent) (hold bool, reason string)
}

// Emitter publishes the outbound lifecycle notifications.
type Emitter interface {
	PublishStateChange(ctx context.Context, event domain.StateChangeEvent) error
}

// DevolutionLimiter throttles devolution creation per origin account.
type DevolutionLimiter interface {
	Allow(ctx context.Context, subject string) (bool, error)
}

// Policy carries the tunable business rules the handlers enforce.
type Policy struct {
	PaymentCeiling    int64 // centavos; zero disables
	DevolutionCeiling int64 // centavos; zero disables
	DevolutionMax     int
	DevolutionWindow  time.Duration
	BlockedMaxHold    time.Duration
	SweepMinAge       time.Duration
	SweepBatchSize    int
}

// Service provides the core business logic for settlement.
type Service struct {
	repo     store.Repository
	ledger   LedgerService
	gateway  Gateway
	screener Screener
	emitter  Emitter
	limiter  DevolutionLimiter
	policy   Policy
}

// NewService creates a new settlement service instance. The limiter may
// be nil when Redis is not configured; throttling is then disabled.
func NewService(repo store.Repository, ledger LedgerService, gateway Gateway, screener Screener, emitter Emitter, limiter DevolutionLimiter, policy Policy) *Service {
	if policy.SweepBatchSize <= 0 {
		policy.SweepBatchSize = 100
	}
	return &Service{
		repo:     repo,
		ledger:   ledger,
		gateway:  gateway,
		screener: screener,
		emitter:  emitter,
		limiter:  limiter,
		policy:   policy,
	}
}

// GetTransaction returns one settlement record by internal id.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.repo.FindTransactionByID(ctx, id)
}

// emitStateChange publishes the lifecycle notification for an applied
// transition. The state is already durable, so failures are logged and
// swallowed: the record is the source of truth, the event is advisory.
func (s *Service) emitStateChange(ctx context.Context, tx *domain.Transaction, newState domain.State) {
	if s.emitter == nil {
		return
	}
	event := domain.StateChangeEvent{
		TransactionKind: string(tx.Kind),
		ID:              tx.ID,
		NewState:        string(newState),
		ExternalRef:     tx.ExternalRef,
		EndToEndID:      tx.EndToEndID,
		OriginalID:      tx.OriginalID,
		Amount:          tx.Amount,
		ConfirmedAt:     tx.ConfirmedAt,
		FailedAt:        tx.FailedAt,
		OccurredAt:      time.Now().UTC(),
	}
	if err := s.emitter.PublishStateChange(ctx, event); err != nil {
		log.Printf("level=warn component=service msg=\"state change emission failed; record already persisted\" transaction_id=%s kind=%s new_state=%s err=%v", tx.ID, tx.Kind, newState, err)
	}
}

// applyUpdate persists a guarded transition and emits the notification.
// ErrStaleRecord is resolved by re-reading: if a concurrent handler
// already landed the same target state the loser reports success.
func (s *Service) applyUpdate(ctx context.Context, tx *domain.Transaction, from, to domain.State, update store.StateUpdate) error {
	err := s.repo.UpdateTransactionState(ctx, tx.ID, from, to, update)
	if err != nil {
		if errors.Is(err, store.ErrStaleRecord) {
			current, readErr := s.repo.FindTransactionByID(ctx, tx.ID)
			if readErr == nil && current.State == to {
				log.Printf("level=info component=service msg=\"concurrent handler already applied transition\" transaction_id=%s state=%s", tx.ID, to)
				return nil
			}
		}
		return err
	}
	// Mirror every persisted field back so callers holding the record
	// (and the emitted notification) see exactly what was written.
	tx.State = to
	if update.ExternalRef != nil {
		tx.ExternalRef = update.ExternalRef
	}
	if update.EndToEndID != nil {
		tx.EndToEndID = update.EndToEndID
	}
	if update.FailureCode != nil {
		tx.FailureCode = update.FailureCode
	}
	if update.FailureMessage != nil {
		tx.FailureMessage = update.FailureMessage
	}
	if update.ChargebackReason != nil {
		tx.ChargebackReason = update.ChargebackReason
	}
	if update.ForwardedAt != nil {
		tx.ForwardedAt = update.ForwardedAt
	}
	if update.ConfirmedAt != nil {
		tx.ConfirmedAt = update.ConfirmedAt
	}
	if update.FailedAt != nil {
		tx.FailedAt = update.FailedAt
	}
	s.emitStateChange(ctx, tx, to)
	return nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
