package domain

import (
	"time"

	"github.com/google/uuid"
)

// CaseKind identifies the dispute workflow a case belongs to. Dispute
// cases never move money themselves; they gate or trigger compensating
// transactions.
type CaseKind string

const (
	CaseKindInfraction     CaseKind = "infraction"
	CaseKindRefund         CaseKind = "refund"
	CaseKindFraudDetection CaseKind = "fraud_detection"
)

// CaseState is the lifecycle state of a dispute case.
type CaseState string

const (
	CaseStateOpen          CaseState = "OPEN"
	CaseStateUnderAnalysis CaseState = "UNDER_ANALYSIS"
	CaseStateClosed        CaseState = "CLOSED"
	CaseStateCanceled      CaseState = "CANCELED"
)

// Terminal reports whether the case has been adjudicated. Closed and
// canceled are mutually exclusive: applying one makes the other illegal.
func (s CaseState) Terminal() bool {
	return s == CaseStateClosed || s == CaseStateCanceled
}

// DisputeCase is an auxiliary record opened against a settled
// transaction. Two independent actors drive it: the counterparty network
// (acknowledge, close, cancel) and internal compliance (analysis result).
// The record must accept those event streams in either order.
type DisputeCase struct {
	ID             uuid.UUID  `json:"id"`
	Kind           CaseKind   `json:"kind"`
	IssueID        *string    `json:"issue_id,omitempty"` // external case-management id
	EndToEndID     string     `json:"end_to_end_id"`      // settled transaction correlation
	State          CaseState  `json:"state"`
	Reason         string     `json:"reason"`
	AnalysisResult *string    `json:"analysis_result,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CanceledAt     *time.Time `json:"canceled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AnalysisResultFraudConfirmed is the compliance verdict that, on a
// fraud-detection case against a deposit, triggers a warning devolution.
const AnalysisResultFraudConfirmed = "fraud_confirmed"
