/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. All lifecycle
 * updates are state-guarded (`WHERE id = $1 AND state = $2`): an update
 * that matches zero rows means another handler advanced the record since
 * our read, and the caller gets ErrStaleRecord instead of a silent lost
 * update.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arvobank/settlement-service/internal/domain"
)

const uniqueViolationCode = "23505"

// PostgresRepository is the concrete Repository backed by pgx.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transactionColumns = `
	id, kind, external_ref, end_to_end_id, state, amount,
	origin_bank_ispb, origin_branch, origin_account_number, origin_document, origin_name,
	dest_bank_ispb, dest_branch, dest_account_number, dest_document, dest_name,
	ledger_operation_id, original_id, chargeback_reason, failure_code, failure_message,
	created_at, forwarded_at, confirmed_at, failed_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID, &tx.Kind, &tx.ExternalRef, &tx.EndToEndID, &tx.State, &tx.Amount,
		&tx.Origin.BankISPB, &tx.Origin.Branch, &tx.Origin.AccountNumber, &tx.Origin.Document, &tx.Origin.Name,
		&tx.Destination.BankISPB, &tx.Destination.Branch, &tx.Destination.AccountNumber, &tx.Destination.Document, &tx.Destination.Name,
		&tx.LedgerOperationID, &tx.OriginalID, &tx.ChargebackReason, &tx.FailureCode, &tx.FailureMessage,
		&tx.CreatedAt, &tx.ForwardedAt, &tx.ConfirmedAt, &tx.FailedAt, &tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// rowQuerier is satisfied by both the pool and an open pgx.Tx, so the
// insert statement is shared between the plain and the locked paths.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateTransaction inserts a new transaction record. The partial
// unique index on end_to_end_id for non-compensating records surfaces
// duplicate network deliveries as ErrDuplicateEndToEndID.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	return insertTransaction(ctx, r.db, tx)
}

func insertTransaction(ctx context.Context, q rowQuerier, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, kind, external_ref, end_to_end_id, state, amount,
			origin_bank_ispb, origin_branch, origin_account_number, origin_document, origin_name,
			dest_bank_ispb, dest_branch, dest_account_number, dest_document, dest_name,
			original_id, chargeback_reason, failure_code, failure_message,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			now(), now()
		)
		RETURNING created_at, updated_at`
	err := q.QueryRow(ctx, query,
		tx.ID, tx.Kind, tx.ExternalRef, tx.EndToEndID, tx.State, tx.Amount,
		tx.Origin.BankISPB, tx.Origin.Branch, tx.Origin.AccountNumber, tx.Origin.Document, tx.Origin.Name,
		tx.Destination.BankISPB, tx.Destination.Branch, tx.Destination.AccountNumber, tx.Destination.Document, tx.Destination.Name,
		tx.OriginalID, tx.ChargebackReason, tx.FailureCode, tx.FailureMessage,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateEndToEndID
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := fmt.Sprintf("SELECT %s FROM transactions WHERE id = $1", transactionColumns)
	return scanTransaction(r.db.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) FindTransactionByExternalRef(ctx context.Context, externalRef string) (*domain.Transaction, error) {
	query := fmt.Sprintf("SELECT %s FROM transactions WHERE external_ref = $1", transactionColumns)
	return scanTransaction(r.db.QueryRow(ctx, query, externalRef))
}

// FindTransactionByEndToEndID resolves the original record for an
// end-to-end id. Compensating records reuse their original's id on the
// wire, so the lookup excludes them; a partial unique index on
// (end_to_end_id) WHERE original_id IS NULL keeps the match unique.
func (r *PostgresRepository) FindTransactionByEndToEndID(ctx context.Context, endToEndID string) (*domain.Transaction, error) {
	query := fmt.Sprintf("SELECT %s FROM transactions WHERE end_to_end_id = $1 AND original_id IS NULL", transactionColumns)
	return scanTransaction(r.db.QueryRow(ctx, query, endToEndID))
}

// ResolveTransferByExternalRef resolves an external reference to the one
// payment record claiming it, regular or admin, in a single lookup. The
// reference-issuing system guarantees the namespaces do not collide, so
// at most one row matches.
func (r *PostgresRepository) ResolveTransferByExternalRef(ctx context.Context, externalRef string) (*domain.TransferClaim, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM transactions WHERE external_ref = $1 AND kind IN ($2, $3)",
		transactionColumns,
	)
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, externalRef, domain.KindPayment, domain.KindAdminPayment))
	if err != nil {
		return nil, err
	}
	class := domain.TransferClassRegular
	if tx.Kind == domain.KindAdminPayment {
		class = domain.TransferClassAdmin
	}
	return &domain.TransferClaim{Class: class, Tx: tx}, nil
}

// UpdateTransactionState persists a transition from -> to. The state
// guard makes this the per-record serialization point required by the
// lifecycle machines.
func (r *PostgresRepository) UpdateTransactionState(ctx context.Context, id uuid.UUID, from, to domain.State, update StateUpdate) error {
	sets := []string{"state = $3", "updated_at = now()"}
	args := []any{id, from, to}

	appendSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.ExternalRef != nil {
		appendSet("external_ref", *update.ExternalRef)
	}
	if update.EndToEndID != nil {
		appendSet("end_to_end_id", *update.EndToEndID)
	}
	if update.FailureCode != nil {
		appendSet("failure_code", *update.FailureCode)
	}
	if update.FailureMessage != nil {
		appendSet("failure_message", *update.FailureMessage)
	}
	if update.ChargebackReason != nil {
		appendSet("chargeback_reason", *update.ChargebackReason)
	}
	if update.ForwardedAt != nil {
		appendSet("forwarded_at", *update.ForwardedAt)
	}
	if update.ConfirmedAt != nil {
		appendSet("confirmed_at", *update.ConfirmedAt)
	}
	if update.FailedAt != nil {
		appendSet("failed_at", *update.FailedAt)
	}

	query := fmt.Sprintf(
		"UPDATE transactions SET %s WHERE id = $1 AND state = $2",
		strings.Join(sets, ", "),
	)
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateEndToEndID
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRecord
	}
	return nil
}

// SetLedgerOperationID assigns the ledger operation id exactly once.
func (r *PostgresRepository) SetLedgerOperationID(ctx context.Context, id uuid.UUID, operationID string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE transactions SET ledger_operation_id = $2, updated_at = now() WHERE id = $1 AND ledger_operation_id IS NULL",
		id, operationID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var existing *string
		if scanErr := r.db.QueryRow(ctx, "SELECT ledger_operation_id FROM transactions WHERE id = $1", id).Scan(&existing); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return ErrTransactionNotFound
			}
			return scanErr
		}
		if existing != nil && *existing == operationID {
			return nil // idempotent re-assignment of the same operation
		}
		return ErrLedgerOperationIDSet
	}
	return nil
}

// CreateCompensation inserts one compensating record inside a
// transaction that locks the original row first. The lock serializes
// concurrent compensations for the same original, so the sum check and
// the insert are atomic: two racing requests cannot both pass the check
// and together exceed the original amount.
func (r *PostgresRepository) CreateCompensation(ctx context.Context, originalID uuid.UUID, record *domain.Transaction) error {
	return pgx.BeginFunc(ctx, r.db, func(dbtx pgx.Tx) error {
		var originalAmount int64
		err := dbtx.QueryRow(ctx,
			"SELECT amount FROM transactions WHERE id = $1 FOR UPDATE",
			originalID,
		).Scan(&originalAmount)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTransactionNotFound
			}
			return err
		}

		var returned int64
		sumQuery := `
			SELECT COALESCE(SUM(amount), 0)
			FROM transactions
			WHERE original_id = $1
			  AND kind IN ($2, $3, $4)
			  AND state <> $5`
		if err := dbtx.QueryRow(ctx, sumQuery, originalID,
			domain.KindDevolution, domain.KindRefundDevolution, domain.KindWarningDevolution,
			domain.StateFailed,
		).Scan(&returned); err != nil {
			return err
		}

		remaining := originalAmount - returned
		if remaining <= 0 {
			return ErrCompensationExhausted
		}
		if record.Amount == 0 {
			record.Amount = remaining
		}
		if record.Amount > remaining {
			return ErrCompensationExceeded
		}
		return insertTransaction(ctx, dbtx, record)
	})
}

func (r *PostgresRepository) CountDevolutions(ctx context.Context, originalID uuid.UUID) (int, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE original_id = $1
		  AND kind IN ($2, $3, $4)
		  AND state <> $5`
	err := r.db.QueryRow(ctx, query, originalID,
		domain.KindDevolution, domain.KindRefundDevolution, domain.KindWarningDevolution,
		domain.StateFailed,
	).Scan(&count)
	return count, err
}

func (r *PostgresRepository) listTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// ListPendingOutbound lists outbound records still waiting to be handed
// to the gateway, oldest first, so the sweep can re-drive them.
func (r *PostgresRepository) ListPendingOutbound(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM transactions
		WHERE state = $1 AND kind <> $2 AND created_at < $3
		ORDER BY created_at ASC
		LIMIT $4`, transactionColumns)
	return r.listTransactions(ctx, query, domain.StatePending, domain.KindDeposit, olderThan, limit)
}

// ListWaitingForwarded lists records forwarded to the network that have
// not heard back, oldest first.
func (r *PostgresRepository) ListWaitingForwarded(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM transactions
		WHERE state = $1 AND external_ref IS NOT NULL AND forwarded_at < $2
		ORDER BY forwarded_at ASC
		LIMIT $3`, transactionColumns)
	return r.listTransactions(ctx, query, domain.StateWaiting, olderThan, limit)
}

// ListBlockedDeposits lists deposits whose cautionary hold has lasted
// beyond heldSince.
func (r *PostgresRepository) ListBlockedDeposits(ctx context.Context, heldSince time.Time, limit int) ([]domain.Transaction, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM transactions
		WHERE state = $1 AND kind = $2 AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4`, transactionColumns)
	return r.listTransactions(ctx, query, domain.StateBlocked, domain.KindDeposit, heldSince, limit)
}

const disputeColumns = `
	id, kind, issue_id, end_to_end_id, state, reason, analysis_result,
	closed_at, canceled_at, created_at, updated_at`

func scanDisputeCase(row pgx.Row) (*domain.DisputeCase, error) {
	var c domain.DisputeCase
	err := row.Scan(
		&c.ID, &c.Kind, &c.IssueID, &c.EndToEndID, &c.State, &c.Reason, &c.AnalysisResult,
		&c.ClosedAt, &c.CanceledAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDisputeCaseNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) CreateDisputeCase(ctx context.Context, c *domain.DisputeCase) error {
	query := `
		INSERT INTO dispute_cases (
			id, kind, issue_id, end_to_end_id, state, reason, analysis_result,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING created_at, updated_at`
	return r.db.QueryRow(ctx, query,
		c.ID, c.Kind, c.IssueID, c.EndToEndID, c.State, c.Reason, c.AnalysisResult,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *PostgresRepository) FindDisputeCaseByID(ctx context.Context, id uuid.UUID) (*domain.DisputeCase, error) {
	query := fmt.Sprintf("SELECT %s FROM dispute_cases WHERE id = $1", disputeColumns)
	return scanDisputeCase(r.db.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) FindDisputeCaseByIssueID(ctx context.Context, kind domain.CaseKind, issueID string) (*domain.DisputeCase, error) {
	query := fmt.Sprintf("SELECT %s FROM dispute_cases WHERE kind = $1 AND issue_id = $2", disputeColumns)
	return scanDisputeCase(r.db.QueryRow(ctx, query, kind, issueID))
}

// UpdateDisputeCase persists a case transition with the same state-guard
// semantics as UpdateTransactionState. An analysis result is only ever
// written when none is stored yet; a present verdict is never discarded
// or overwritten by later events.
func (r *PostgresRepository) UpdateDisputeCase(ctx context.Context, id uuid.UUID, from, to domain.CaseState, update CaseUpdate) error {
	sets := []string{"state = $3", "updated_at = now()"}
	args := []any{id, from, to}

	appendSet := func(clause string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(clause, len(args)))
	}
	if update.IssueID != nil {
		appendSet("issue_id = $%d", *update.IssueID)
	}
	if update.AnalysisResult != nil {
		appendSet("analysis_result = COALESCE(analysis_result, $%d)", *update.AnalysisResult)
	}
	if update.ClosedAt != nil {
		appendSet("closed_at = $%d", *update.ClosedAt)
	}
	if update.CanceledAt != nil {
		appendSet("canceled_at = $%d", *update.CanceledAt)
	}

	query := fmt.Sprintf(
		"UPDATE dispute_cases SET %s WHERE id = $1 AND state = $2",
		strings.Join(sets, ", "),
	)
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRecord
	}
	return nil
}
