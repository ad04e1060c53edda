/**
 * @description
 * Dispute case lifecycle: infractions, refund requests and fraud
 * detection cases opened against settled transactions. Two actors drive
 * a case independently — the counterparty network (acknowledge, close,
 * cancel) and internal compliance (the analysis verdict) — and their
 * events arrive in either order; the machine in internal/domain merges
 * them commutatively.
 *
 * Cases never move money themselves. The one money-moving consequence is
 * a confirmed-fraud verdict against a deposit, which returns the funds
 * through a warning devolution.
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

// OpenCaseInput is the request to open a dispute case against a settled
// transaction.
type OpenCaseInput struct {
	Kind       domain.CaseKind
	IssueID    string
	EndToEndID string
	Reason     string
}

// OpenCase records a new dispute case. Reopening by the same external
// issue id returns the existing case unchanged.
func (s *Service) OpenCase(ctx context.Context, input OpenCaseInput) (*domain.DisputeCase, error) {
	if input.EndToEndID == "" {
		return nil, errors.New("dispute case requires an end-to-end id")
	}

	if input.IssueID != "" {
		if existing, err := s.repo.FindDisputeCaseByIssueID(ctx, input.Kind, input.IssueID); err == nil {
			return existing, nil
		} else if !errors.Is(err, store.ErrDisputeCaseNotFound) {
			return nil, fmt.Errorf("failed to look up dispute case %s: %w", input.IssueID, err)
		}
	}

	// The disputed transaction must exist; the case is meaningless without it.
	if _, err := s.repo.FindTransactionByEndToEndID(ctx, input.EndToEndID); err != nil {
		return nil, err
	}

	c := &domain.DisputeCase{
		ID:         uuid.New(),
		Kind:       input.Kind,
		IssueID:    optionalString(input.IssueID),
		EndToEndID: input.EndToEndID,
		State:      domain.CaseStateOpen,
		Reason:     input.Reason,
	}
	if err := s.repo.CreateDisputeCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create dispute case: %w", err)
	}
	log.Printf("level=info component=service msg=\"dispute case opened\" case_id=%s kind=%s end_to_end_id=%s", c.ID, c.Kind, c.EndToEndID)
	return c, nil
}

// AcknowledgeCase marks the case as accepted for analysis by the
// counterparty. Duplicate acknowledgments are absorbed.
func (s *Service) AcknowledgeCase(ctx context.Context, kind domain.CaseKind, issueID string) error {
	c, err := s.repo.FindDisputeCaseByIssueID(ctx, kind, issueID)
	if err != nil {
		return err
	}
	decision, err := domain.CaseTransition(c.Kind, c.State, domain.CaseEventAcknowledge, c.AnalysisResult != nil, false)
	if err != nil {
		return err
	}
	if decision.NoOp {
		return nil
	}
	return s.applyCaseUpdate(ctx, c, decision.Next, store.CaseUpdate{})
}

// RecordAnalysis stores the internal compliance verdict. A verdict that
// lands after the counterparty already adjudicated the case keeps the
// terminal state but is still recorded. A confirmed-fraud verdict
// against a deposit returns the funds through a warning devolution.
func (s *Service) RecordAnalysis(ctx context.Context, kind domain.CaseKind, issueID, result string) error {
	if result == "" {
		return errors.New("analysis result must not be empty")
	}
	c, err := s.repo.FindDisputeCaseByIssueID(ctx, kind, issueID)
	if err != nil {
		return err
	}

	decision, err := domain.CaseTransition(c.Kind, c.State, domain.CaseEventAnalysis, true, false)
	if err != nil {
		return err
	}

	if decision.RecordAnalysis && c.AnalysisResult == nil && result == domain.AnalysisResultFraudConfirmed {
		if err := s.returnConfirmedFraudDeposit(ctx, c); err != nil {
			return err
		}
	}

	update := store.CaseUpdate{AnalysisResult: &result}
	return s.applyCaseUpdate(ctx, c, decision.Next, update)
}

// CloseCase closes the case on behalf of internal compliance, which
// must supply (or have supplied) a verdict. result may be empty when a
// verdict was already recorded.
func (s *Service) CloseCase(ctx context.Context, kind domain.CaseKind, issueID, result string) error {
	return s.closeCase(ctx, kind, issueID, result, true)
}

// CloseCaseFromNetwork closes the case on behalf of the counterparty
// network, which may legally adjudicate it before our analysis lands;
// the analysis result then stays null.
func (s *Service) CloseCaseFromNetwork(ctx context.Context, kind domain.CaseKind, issueID string) error {
	return s.closeCase(ctx, kind, issueID, "", false)
}

func (s *Service) closeCase(ctx context.Context, kind domain.CaseKind, issueID, result string, requireAnalysis bool) error {
	c, err := s.repo.FindDisputeCaseByIssueID(ctx, kind, issueID)
	if err != nil {
		return err
	}

	hasAnalysis := c.AnalysisResult != nil || result != ""
	decision, err := domain.CaseTransition(c.Kind, c.State, domain.CaseEventClose, hasAnalysis, requireAnalysis)
	if err != nil {
		return err
	}
	if decision.NoOp {
		return nil
	}

	if decision.RecordAnalysis && c.AnalysisResult == nil && result == domain.AnalysisResultFraudConfirmed {
		if err := s.returnConfirmedFraudDeposit(ctx, c); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	update := store.CaseUpdate{ClosedAt: &now}
	if result != "" {
		update.AnalysisResult = &result
	}
	return s.applyCaseUpdate(ctx, c, decision.Next, update)
}

// CancelCase withdraws an open case.
func (s *Service) CancelCase(ctx context.Context, kind domain.CaseKind, issueID string) error {
	c, err := s.repo.FindDisputeCaseByIssueID(ctx, kind, issueID)
	if err != nil {
		return err
	}
	decision, err := domain.CaseTransition(c.Kind, c.State, domain.CaseEventCancel, c.AnalysisResult != nil, false)
	if err != nil {
		return err
	}
	if decision.NoOp {
		return nil
	}
	now := time.Now().UTC()
	return s.applyCaseUpdate(ctx, c, decision.Next, store.CaseUpdate{CanceledAt: &now})
}

// applyCaseUpdate persists the case transition with the usual stale
// handling: if a concurrent handler already landed the same state the
// update is absorbed. Same-state updates (recording a verdict on a
// terminal case) pass the guard because from == to.
func (s *Service) applyCaseUpdate(ctx context.Context, c *domain.DisputeCase, to domain.CaseState, update store.CaseUpdate) error {
	err := s.repo.UpdateDisputeCase(ctx, c.ID, c.State, to, update)
	if err != nil {
		if errors.Is(err, store.ErrStaleRecord) {
			current, readErr := s.repo.FindDisputeCaseByID(ctx, c.ID)
			if readErr == nil && current.State == to {
				return nil
			}
		}
		return fmt.Errorf("failed to persist dispute case transition for %s: %w", c.ID, err)
	}
	c.State = to
	return nil
}

// returnConfirmedFraudDeposit creates the warning devolution mandated by
// a confirmed-fraud verdict on a fraud-detection case against a settled
// deposit. Payments confirmed as fraud are handled off-ledger by the
// counterparty and create nothing here.
func (s *Service) returnConfirmedFraudDeposit(ctx context.Context, c *domain.DisputeCase) error {
	if c.Kind != domain.CaseKindFraudDetection {
		return nil
	}
	tx, err := s.repo.FindTransactionByEndToEndID(ctx, c.EndToEndID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=service msg=\"confirmed fraud on unknown transaction; nothing to return\" case_id=%s end_to_end_id=%s", c.ID, c.EndToEndID)
			return nil
		}
		return err
	}
	if tx.Kind != domain.KindDeposit || tx.State != domain.StateConfirmed {
		return nil
	}
	if _, err := s.createCompensation(ctx, tx, domain.KindWarningDevolution, 0); err != nil {
		return fmt.Errorf("failed to create warning devolution for case %s: %w", c.ID, err)
	}
	return nil
}
