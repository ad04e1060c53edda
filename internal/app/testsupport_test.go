package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arvobank/settlement-service/internal/domain"
	"github.com/arvobank/settlement-service/internal/store"
	"github.com/arvobank/settlement-service/pkg/pspclient"
)

// fakeRepo is an in-memory Repository with the same state-guard
// semantics as the PostgreSQL implementation, so the concurrency tests
// exercise the real serialization behavior.
type fakeRepo struct {
	store.Repository

	mu    sync.Mutex
	txs   map[uuid.UUID]*domain.Transaction
	cases map[uuid.UUID]*domain.DisputeCase
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		txs:   make(map[uuid.UUID]*domain.Transaction),
		cases: make(map[uuid.UUID]*domain.DisputeCase),
	}
}

func copyTx(tx *domain.Transaction) *domain.Transaction {
	c := *tx
	return &c
}

func (f *fakeRepo) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.EndToEndID != nil && tx.OriginalID == nil {
		for _, existing := range f.txs {
			if existing.OriginalID == nil && existing.EndToEndID != nil && *existing.EndToEndID == *tx.EndToEndID {
				return store.ErrDuplicateEndToEndID
			}
		}
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	f.txs[tx.ID] = copyTx(tx)
	return nil
}

func (f *fakeRepo) FindTransactionByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return copyTx(tx), nil
}

func (f *fakeRepo) FindTransactionByExternalRef(_ context.Context, externalRef string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.ExternalRef != nil && *tx.ExternalRef == externalRef {
			return copyTx(tx), nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (f *fakeRepo) FindTransactionByEndToEndID(_ context.Context, endToEndID string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.OriginalID == nil && tx.EndToEndID != nil && *tx.EndToEndID == endToEndID {
			return copyTx(tx), nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (f *fakeRepo) ResolveTransferByExternalRef(ctx context.Context, externalRef string) (*domain.TransferClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.ExternalRef == nil || *tx.ExternalRef != externalRef {
			continue
		}
		switch tx.Kind {
		case domain.KindPayment:
			return &domain.TransferClaim{Class: domain.TransferClassRegular, Tx: copyTx(tx)}, nil
		case domain.KindAdminPayment:
			return &domain.TransferClaim{Class: domain.TransferClassAdmin, Tx: copyTx(tx)}, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (f *fakeRepo) UpdateTransactionState(_ context.Context, id uuid.UUID, from, to domain.State, update store.StateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || tx.State != from {
		return store.ErrStaleRecord
	}
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
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeRepo) SetLedgerOperationID(_ context.Context, id uuid.UUID, operationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return store.ErrTransactionNotFound
	}
	if tx.LedgerOperationID != nil {
		if *tx.LedgerOperationID == operationID {
			return nil
		}
		return store.ErrLedgerOperationIDSet
	}
	tx.LedgerOperationID = &operationID
	return nil
}

// CreateCompensation holds the repo mutex across the sum check and the
// insert, mirroring the row lock the PostgreSQL implementation takes on
// the original.
func (f *fakeRepo) CreateCompensation(_ context.Context, originalID uuid.UUID, record *domain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	original, ok := f.txs[originalID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	var returned int64
	for _, tx := range f.txs {
		if tx.OriginalID != nil && *tx.OriginalID == originalID && tx.Kind.Compensating() && tx.State != domain.StateFailed {
			returned += tx.Amount
		}
	}
	remaining := original.Amount - returned
	if remaining <= 0 {
		return store.ErrCompensationExhausted
	}
	if record.Amount == 0 {
		record.Amount = remaining
	}
	if record.Amount > remaining {
		return store.ErrCompensationExceeded
	}
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	f.txs[record.ID] = copyTx(record)
	return nil
}

func (f *fakeRepo) CountDevolutions(_ context.Context, originalID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, tx := range f.txs {
		if tx.OriginalID != nil && *tx.OriginalID == originalID && tx.Kind.Compensating() && tx.State != domain.StateFailed {
			count++
		}
	}
	return count, nil
}

func (f *fakeRepo) ListPendingOutbound(_ context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range f.txs {
		if tx.State == domain.StatePending && tx.Kind != domain.KindDeposit && tx.CreatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *copyTx(tx))
		}
	}
	return out, nil
}

func (f *fakeRepo) ListWaitingForwarded(_ context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range f.txs {
		if tx.State == domain.StateWaiting && tx.ExternalRef != nil && tx.ForwardedAt != nil && tx.ForwardedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *copyTx(tx))
		}
	}
	return out, nil
}

func (f *fakeRepo) ListBlockedDeposits(_ context.Context, heldSince time.Time, limit int) ([]domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range f.txs {
		if tx.State == domain.StateBlocked && tx.Kind == domain.KindDeposit && tx.UpdatedAt.Before(heldSince) && len(out) < limit {
			out = append(out, *copyTx(tx))
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateDisputeCase(_ context.Context, c *domain.DisputeCase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	stored := *c
	f.cases[c.ID] = &stored
	return nil
}

func (f *fakeRepo) FindDisputeCaseByID(_ context.Context, id uuid.UUID) (*domain.DisputeCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[id]
	if !ok {
		return nil, store.ErrDisputeCaseNotFound
	}
	out := *c
	return &out, nil
}

func (f *fakeRepo) FindDisputeCaseByIssueID(_ context.Context, kind domain.CaseKind, issueID string) (*domain.DisputeCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cases {
		if c.Kind == kind && c.IssueID != nil && *c.IssueID == issueID {
			out := *c
			return &out, nil
		}
	}
	return nil, store.ErrDisputeCaseNotFound
}

func (f *fakeRepo) UpdateDisputeCase(_ context.Context, id uuid.UUID, from, to domain.CaseState, update store.CaseUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[id]
	if !ok || c.State != from {
		return store.ErrStaleRecord
	}
	c.State = to
	if update.IssueID != nil {
		c.IssueID = update.IssueID
	}
	if update.AnalysisResult != nil && c.AnalysisResult == nil {
		c.AnalysisResult = update.AnalysisResult
	}
	if update.ClosedAt != nil {
		c.ClosedAt = update.ClosedAt
	}
	if update.CanceledAt != nil {
		c.CanceledAt = update.CanceledAt
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// get returns the stored record for assertions.
func (f *fakeRepo) get(id uuid.UUID) *domain.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyTx(f.txs[id])
}

// devolutionsOf lists the compensating records linked to an original.
func (f *fakeRepo) devolutionsOf(originalID uuid.UUID) []domain.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range f.txs {
		if tx.OriginalID != nil && *tx.OriginalID == originalID {
			out = append(out, *copyTx(tx))
		}
	}
	return out
}

// fakeLedger is an idempotent-per-transaction Operation Service double.
type fakeLedger struct {
	mu       sync.Mutex
	ops      map[uuid.UUID]string
	posts    int
	reversed []string
	postErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{ops: make(map[uuid.UUID]string)}
}

func (l *fakeLedger) PostOperation(_ context.Context, transactionID uuid.UUID, _ int64, _, _ string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.postErr != nil {
		return "", l.postErr
	}
	if opID, ok := l.ops[transactionID]; ok {
		return opID, nil
	}
	l.posts++
	opID := fmt.Sprintf("op-%d", l.posts)
	l.ops[transactionID] = opID
	return opID, nil
}

func (l *fakeLedger) ReverseOperation(_ context.Context, operationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reversed = append(l.reversed, operationID)
	return nil
}

// fakeGateway is a PSP gateway double.
type fakeGateway struct {
	mu       sync.Mutex
	sends    int
	sendErr  error
	statuses map[string]*pspclient.StatusResult
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: make(map[string]*pspclient.StatusResult)}
}

func (g *fakeGateway) Send(_ context.Context, req pspclient.TransferRequest) (*pspclient.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	g.sends++
	receipt := &pspclient.Receipt{ExternalRef: fmt.Sprintf("ext-%s", req.TransactionID)}
	if req.EndToEndID == nil {
		receipt.EndToEndID = fmt.Sprintf("E%s", req.TransactionID)
	}
	return receipt, nil
}

func (g *fakeGateway) FetchStatus(_ context.Context, externalRef string) (*pspclient.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if result, ok := g.statuses[externalRef]; ok {
		return result, nil
	}
	return &pspclient.StatusResult{Status: pspclient.StatusProcessing}, nil
}

// fakeEmitter records published lifecycle notifications.
type fakeEmitter struct {
	mu     sync.Mutex
	events []domain.StateChangeEvent
}

func (e *fakeEmitter) PublishStateChange(_ context.Context, event domain.StateChangeEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *fakeEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// stubScreener holds nothing or everything.
type stubScreener struct {
	hold   bool
	reason string
}

func (s *stubScreener) Screen(context.Context, domain.DepositReceivedEvent) (bool, string) {
	return s.hold, s.reason
}

// stubLimiter returns a fixed verdict.
type stubLimiter struct{ allow bool }

func (s *stubLimiter) Allow(context.Context, string) (bool, error) { return s.allow, nil }

func newTestService(repo *fakeRepo, ledger *fakeLedger, gateway *fakeGateway, emitter *fakeEmitter) *Service {
	return NewService(repo, ledger, gateway, &stubScreener{}, emitter, nil, Policy{
		DevolutionMax:    3,
		DevolutionWindow: 90 * 24 * time.Hour,
		BlockedMaxHold:   72 * time.Hour,
		SweepMinAge:      time.Minute,
		SweepBatchSize:   100,
	})
}
