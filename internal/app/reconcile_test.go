package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arvobank/settlement-service/internal/domain"
	"github.com/arvobank/settlement-service/pkg/pspclient"
)

// age rewinds the bookkeeping timestamps so the record qualifies for a
// sweep without waiting out the real minimum age.
func (f *fakeRepo) age(id uuid.UUID, by time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.txs[id]
	past := time.Now().UTC().Add(-by)
	tx.CreatedAt = past
	tx.UpdatedAt = past
	if tx.ForwardedAt != nil {
		tx.ForwardedAt = &past
	}
}

func TestSweepPendingOutbound_ReDrivesStrandedPayments(t *testing.T) {
	repo := newFakeRepo()
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger, newFakeGateway(), &fakeEmitter{})

	stranded, err := svc.CreatePayment(context.Background(), CreatePaymentInput{Kind: domain.KindPayment, Amount: 4000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.age(stranded.ID, 5*time.Minute)

	// A record created moments ago is probably mid-flight in its own
	// handler; the sweep must leave it alone.
	fresh, err := svc.CreatePayment(context.Background(), CreatePaymentInput{Kind: domain.KindPayment, Amount: 4000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := svc.SweepPendingOutbound(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Processed != 1 || result.Forwarded != 1 {
		t.Fatalf("expected one candidate re-driven, got %+v", result)
	}
	if got := repo.get(stranded.ID); got.State != domain.StateWaiting {
		t.Fatalf("expected WAITING after re-drive, got %s", got.State)
	}
	if got := repo.get(fresh.ID); got.State != domain.StatePending {
		t.Fatalf("the fresh record must stay PENDING, got %s", got.State)
	}
	if ledger.posts != 1 {
		t.Fatalf("expected exactly one ledger post, got %d", ledger.posts)
	}
}

func TestSweepPendingOutbound_ForwardsPendingDevolutions(t *testing.T) {
	repo := newFakeRepo()
	gateway := newFakeGateway()
	svc := newTestService(repo, newFakeLedger(), gateway, &fakeEmitter{})
	settledDeposit(t, svc, "E1", 10000)

	devolution, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             3000,
	})
	if err != nil {
		t.Fatalf("create devolution: %v", err)
	}
	repo.age(devolution.ID, 5*time.Minute)

	result, err := svc.SweepPendingOutbound(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Forwarded != 1 {
		t.Fatalf("expected the devolution to be forwarded, got %+v", result)
	}
	got := repo.get(devolution.ID)
	if got.State != domain.StateWaiting {
		t.Fatalf("expected WAITING, got %s", got.State)
	}
	if got.EndToEndID == nil || *got.EndToEndID != "E1" {
		t.Fatalf("the devolution must keep the original end-to-end id, got %v", got.EndToEndID)
	}
	if gateway.sends != 1 {
		t.Fatalf("expected one gateway send, got %d", gateway.sends)
	}
}

func TestSyncWaitingTransactions_AppliesReportedOutcomes(t *testing.T) {
	repo := newFakeRepo()
	gateway := newFakeGateway()
	svc := newTestService(repo, newFakeLedger(), gateway, &fakeEmitter{})

	forward := func() *domain.Transaction {
		tx, err := svc.CreatePayment(context.Background(), CreatePaymentInput{Kind: domain.KindPayment, Amount: 2000})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := svc.Forward(context.Background(), tx.ID); err != nil {
			t.Fatalf("forward: %v", err)
		}
		repo.age(tx.ID, 5*time.Minute)
		return repo.get(tx.ID)
	}

	settled := forward()
	rejected := forward()
	silent := forward()

	gateway.statuses[*settled.ExternalRef] = &pspclient.StatusResult{Status: pspclient.StatusSettled}
	gateway.statuses[*rejected.ExternalRef] = &pspclient.StatusResult{
		Status:         pspclient.StatusRejected,
		FailureCode:    "AC03",
		FailureMessage: "account not found",
	}

	result, err := svc.SyncWaitingTransactions(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Processed != 3 || result.Confirmed != 1 || result.Failed != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}

	if got := repo.get(settled.ID); got.State != domain.StateConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", got.State)
	}
	got := repo.get(rejected.ID)
	if got.State != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	if got.FailureCode == nil || *got.FailureCode != "AC03" {
		t.Fatalf("expected the failure code to be applied, got %v", got.FailureCode)
	}
	if got := repo.get(silent.ID); got.State != domain.StateWaiting {
		t.Fatalf("a still-processing record must stay WAITING, got %s", got.State)
	}
}

func TestSyncWaitingTransactions_NormalizesReportedStatuses(t *testing.T) {
	repo := newFakeRepo()
	gateway := newFakeGateway()
	svc := newTestService(repo, newFakeLedger(), gateway, &fakeEmitter{})

	forward := func() *domain.Transaction {
		tx, err := svc.CreatePayment(context.Background(), CreatePaymentInput{Kind: domain.KindPayment, Amount: 2000})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := svc.Forward(context.Background(), tx.ID); err != nil {
			t.Fatalf("forward: %v", err)
		}
		repo.age(tx.ID, 5*time.Minute)
		return repo.get(tx.ID)
	}

	completed := forward()
	failed := forward()

	// The gateway uses the same loose status vocabulary on the polling
	// endpoint as on the event stream.
	gateway.statuses[*completed.ExternalRef] = &pspclient.StatusResult{Status: "Completed"}
	gateway.statuses[*failed.ExternalRef] = &pspclient.StatusResult{
		Status:         "failure",
		FailureCode:    "AB09",
		FailureMessage: "settlement aborted",
	}

	result, err := svc.SyncWaitingTransactions(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Confirmed != 1 || result.Failed != 1 || result.Skipped != 0 {
		t.Fatalf("non-canonical statuses must be applied, not skipped: %+v", result)
	}
	if got := repo.get(completed.ID); got.State != domain.StateConfirmed {
		t.Fatalf("expected CONFIRMED for %q, got %s", "Completed", got.State)
	}
	if got := repo.get(failed.ID); got.State != domain.StateFailed {
		t.Fatalf("expected FAILED for %q, got %s", "failure", got.State)
	}
}

func TestSweepBlockedDeposits_RejectsExpiredHolds(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, newFakeLedger(), newFakeGateway(),
		NewPolicyScreener([]string{"99999999"}, 0), &fakeEmitter{}, nil, Policy{
			BlockedMaxHold: 72 * time.Hour,
			SweepBatchSize: 100,
		})

	expired, err := svc.ReceiveDeposit(context.Background(), depositEvent("E1", 8000, "99999999"))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	repo.age(expired.ID, 73*time.Hour)

	fresh, err := svc.ReceiveDeposit(context.Background(), depositEvent("E2", 8000, "99999999"))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	result, err := svc.SweepBlockedDeposits(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Processed != 1 || result.Failed != 1 {
		t.Fatalf("expected one expired hold rejected, got %+v", result)
	}

	got := repo.get(expired.ID)
	if got.State != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", got.State)
	}
	devolutions := repo.devolutionsOf(expired.ID)
	if len(devolutions) != 1 || devolutions[0].Amount != 8000 {
		t.Fatalf("expected the funds to be returned in full, got %+v", devolutions)
	}
	if got := repo.get(fresh.ID); got.State != domain.StateBlocked {
		t.Fatalf("a hold still inside the window must stay BLOCKED, got %s", got.State)
	}
}
