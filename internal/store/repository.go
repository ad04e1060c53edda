/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the settlement-service needs. Handlers depend on this interface,
 * never on the PostgreSQL implementation, which keeps the saga steps
 * testable with in-memory stubs.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/arvobank/settlement-service/internal/domain"
)

var (
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrDisputeCaseNotFound   = errors.New("dispute case not found")
	ErrStaleRecord           = errors.New("record state changed since read")
	ErrDuplicateEndToEndID   = errors.New("end-to-end id already settled")
	ErrLedgerOperationIDSet  = errors.New("ledger operation id already assigned")
	ErrCompensationExhausted = errors.New("original transaction already fully compensated")
	ErrCompensationExceeded  = errors.New("compensation would exceed the original amount")
)

// StateUpdate carries the fields a handler may set while persisting a
// transition. Nil fields are left untouched.
type StateUpdate struct {
	ExternalRef      *string
	EndToEndID       *string
	FailureCode      *string
	FailureMessage   *string
	ChargebackReason *string
	ForwardedAt      *time.Time
	ConfirmedAt      *time.Time
	FailedAt         *time.Time
}

// CaseUpdate carries the fields a dispute handler may set.
type CaseUpdate struct {
	IssueID        *string
	AnalysisResult *string
	ClosedAt       *time.Time
	CanceledAt     *time.Time
}

// Repository defines the set of methods for interacting with the database.
//
// UpdateTransactionState and UpdateDisputeCase are state-guarded: they
// fail with ErrStaleRecord when the stored state no longer matches the
// state the handler read, which serializes concurrent handlers for the
// same record and forces the loser to re-evaluate.
type Repository interface {
	// Transaction records
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByExternalRef(ctx context.Context, externalRef string) (*domain.Transaction, error)
	FindTransactionByEndToEndID(ctx context.Context, endToEndID string) (*domain.Transaction, error)
	// ResolveTransferByExternalRef returns the one payment record (regular
	// or admin) claiming the reference, tagged with its class.
	ResolveTransferByExternalRef(ctx context.Context, externalRef string) (*domain.TransferClaim, error)
	UpdateTransactionState(ctx context.Context, id uuid.UUID, from, to domain.State, update StateUpdate) error
	// SetLedgerOperationID assigns the ledger operation id at most once;
	// a second assignment fails with ErrLedgerOperationIDSet.
	SetLedgerOperationID(ctx context.Context, id uuid.UUID, operationID string) error

	// Compensation accounting
	//
	// CreateCompensation inserts a compensating record while holding a
	// row lock on the original, so the sum of non-failed compensations
	// can never exceed the original amount under concurrent callers. A
	// zero record.Amount means "everything still returnable"; the method
	// fills in the computed amount. Fails with ErrCompensationExhausted
	// when nothing is returnable and ErrCompensationExceeded when the
	// requested amount does not fit.
	CreateCompensation(ctx context.Context, originalID uuid.UUID, record *domain.Transaction) error
	CountDevolutions(ctx context.Context, originalID uuid.UUID) (int, error)

	// Sweep candidates
	ListPendingOutbound(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ListWaitingForwarded(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ListBlockedDeposits(ctx context.Context, heldSince time.Time, limit int) ([]domain.Transaction, error)

	// Dispute cases
	CreateDisputeCase(ctx context.Context, c *domain.DisputeCase) error
	FindDisputeCaseByID(ctx context.Context, id uuid.UUID) (*domain.DisputeCase, error)
	FindDisputeCaseByIssueID(ctx context.Context, kind domain.CaseKind, issueID string) (*domain.DisputeCase, error)
	UpdateDisputeCase(ctx context.Context, id uuid.UUID, from, to domain.CaseState, update CaseUpdate) error
}
