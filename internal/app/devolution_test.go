package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arvobank/settlement-service/internal/domain"
)

func settledDeposit(t *testing.T, svc *Service, endToEndID string, amount int64) *domain.Transaction {
	t.Helper()
	tx, err := svc.ReceiveDeposit(context.Background(), depositEvent(endToEndID, amount, "00000000"))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := svc.ConfirmInbound(context.Background(), endToEndID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return tx
}

func TestCreateDevolution_BoundsSumToOriginalAmount(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), newFakeGateway(), &fakeEmitter{})
	original := settledDeposit(t, svc, "E1", 10000)

	first, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             6000,
	})
	if err != nil {
		t.Fatalf("first devolution: %v", err)
	}
	if first.OriginalID == nil || *first.OriginalID != original.ID {
		t.Fatal("expected the devolution to link to the original")
	}
	if first.EndToEndID == nil || *first.EndToEndID != "E1" {
		t.Fatal("expected the devolution to reuse the original end-to-end id")
	}
	if first.State != domain.StatePending {
		t.Fatalf("expected PENDING, got %s", first.State)
	}

	_, err = svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             5000,
	})
	if !errors.Is(err, ErrDevolutionExceeds) {
		t.Fatalf("expected ErrDevolutionExceeds for 6000+5000 > 10000, got %v", err)
	}

	second, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             4000,
	})
	if err != nil {
		t.Fatalf("second devolution within the bound: %v", err)
	}
	if second.Amount != 4000 {
		t.Fatalf("expected 4000, got %d", second.Amount)
	}
}

func TestCreateDevolution_ConcurrentRequestsRespectTheBound(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), newFakeGateway(), &fakeEmitter{})
	original := settledDeposit(t, svc, "E1", 10000)

	// Two racing requests that each fit individually but not together:
	// the locked check-and-insert must let exactly one through.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = svc.CreateDevolution(context.Background(), CreateDevolutionInput{
				OriginalEndToEndID: "E1",
				Kind:               domain.KindDevolution,
				Amount:             6000,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrDevolutionExceeds):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one of the racing devolutions to succeed, got %d", succeeded)
	}

	var total int64
	for _, d := range repo.devolutionsOf(original.ID) {
		total += d.Amount
	}
	if total > original.Amount {
		t.Fatalf("linked devolutions total %d exceeds the original amount %d", total, original.Amount)
	}
}

func TestCreateDevolution_FailedDevolutionFreesItsAmount(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), newFakeGateway(), &fakeEmitter{})
	settledDeposit(t, svc, "E1", 10000)

	first, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             10000,
	})
	if err != nil {
		t.Fatalf("first devolution: %v", err)
	}

	// The first devolution fails on the network; its amount no longer
	// counts against the bound.
	if err := svc.failForwarded(context.Background(), repo.get(first.ID), "AC03", "account not found"); err != nil {
		t.Fatalf("fail devolution: %v", err)
	}

	if _, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             10000,
	}); err != nil {
		t.Fatalf("expected the freed amount to be returnable again, got %v", err)
	}
}

func TestCreateDevolution_RequiresSettledOriginal(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), newFakeGateway(), &fakeEmitter{})

	if _, err := svc.ReceiveDeposit(context.Background(), depositEvent("E1", 1000, "00000000")); err != nil {
		t.Fatalf("receive: %v", err)
	}

	_, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             1000,
	})
	if !errors.Is(err, ErrOriginalNotSettled) {
		t.Fatalf("expected ErrOriginalNotSettled for a WAITING original, got %v", err)
	}
}

func TestCreateDevolution_EnforcesCountLimit(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, newFakeLedger(), newFakeGateway(), &stubScreener{}, &fakeEmitter{}, nil, Policy{
		DevolutionMax:    2,
		DevolutionWindow: 90 * 24 * time.Hour,
	})
	settledDeposit(t, svc, "E1", 10000)

	for i := 0; i < 2; i++ {
		if _, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
			OriginalEndToEndID: "E1",
			Kind:               domain.KindDevolution,
			Amount:             1000,
		}); err != nil {
			t.Fatalf("devolution %d: %v", i+1, err)
		}
	}

	_, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             1000,
	})
	if !errors.Is(err, ErrDevolutionCount) {
		t.Fatalf("expected ErrDevolutionCount, got %v", err)
	}
}

func TestCreateDevolution_EnforcesWindow(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, newFakeLedger(), newFakeGateway(), &stubScreener{}, &fakeEmitter{}, nil, Policy{
		DevolutionMax:    3,
		DevolutionWindow: time.Hour,
	})
	original := settledDeposit(t, svc, "E1", 10000)

	// Age the confirmation past the window.
	repo.mu.Lock()
	old := time.Now().UTC().Add(-2 * time.Hour)
	repo.txs[original.ID].ConfirmedAt = &old
	repo.mu.Unlock()

	_, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             1000,
	})
	if !errors.Is(err, ErrDevolutionWindow) {
		t.Fatalf("expected ErrDevolutionWindow, got %v", err)
	}
}

func TestCreateDevolution_ThrottledByLimiter(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, newFakeLedger(), newFakeGateway(), &stubScreener{}, &fakeEmitter{}, &stubLimiter{allow: false}, Policy{
		DevolutionMax:    3,
		DevolutionWindow: 90 * 24 * time.Hour,
	})
	settledDeposit(t, svc, "E1", 10000)

	_, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             1000,
	})
	if !errors.Is(err, ErrDevolutionThrottled) {
		t.Fatalf("expected ErrDevolutionThrottled, got %v", err)
	}
}

func TestCreateDevolution_SwapsParties(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), newFakeGateway(), &fakeEmitter{})
	original := settledDeposit(t, svc, "E1", 10000)

	devolution, err := svc.CreateDevolution(context.Background(), CreateDevolutionInput{
		OriginalEndToEndID: "E1",
		Kind:               domain.KindDevolution,
		Amount:             0, // everything returnable
	})
	if err != nil {
		t.Fatalf("devolution: %v", err)
	}
	if devolution.Amount != 10000 {
		t.Fatalf("zero amount means the full remaining amount, got %d", devolution.Amount)
	}
	if devolution.Origin != original.Destination || devolution.Destination != original.Origin {
		t.Fatal("the devolution must flow back from the original receiver to the original sender")
	}
}
