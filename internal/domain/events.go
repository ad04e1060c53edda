package domain

import (
	"time"

	"github.com/google/uuid"
)

// DepositReceivedEvent is published by the PSP adapter when funds arrive
// unsolicited from the network.
type DepositReceivedEvent struct {
	ExternalRef string `json:"external_ref"`
	EndToEndID  string `json:"end_to_end_id"`
	Amount      int64  `json:"amount"`
	Origin      Party  `json:"origin"`
	Destination Party  `json:"destination"`
}

// TransferStatusEvent reports a settlement outcome for a forwarded
// transaction. The network correlates by external reference or
// end-to-end id; it does not know internal ids.
type TransferStatusEvent struct {
	ExternalRef    string `json:"external_ref"`
	EndToEndID     string `json:"end_to_end_id,omitempty"`
	Status         string `json:"status"`
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// ChargebackEvent is a network-initiated reversal of a previously
// confirmed transaction.
type ChargebackEvent struct {
	EndToEndID string `json:"end_to_end_id"`
	Reason     string `json:"reason"`
}

// ComplianceDecisionEvent carries the compliance-service verdict for a
// blocked deposit.
type ComplianceDecisionEvent struct {
	EndToEndID string `json:"end_to_end_id"`
	Hold       bool   `json:"hold"`
	Reason     string `json:"reason,omitempty"`
}

// DisputeEvent carries counterparty-network and compliance events for
// infraction, refund and fraud-detection cases.
type DisputeEvent struct {
	CaseKind       CaseKind `json:"case_kind"`
	IssueID        string   `json:"issue_id"`
	EndToEndID     string   `json:"end_to_end_id,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	AnalysisResult string   `json:"analysis_result,omitempty"`
}

// StateChangeEvent is the single outbound notification shape emitted
// after every applied transition, one per transition, only after the new
// state is durably persisted.
type StateChangeEvent struct {
	TransactionKind string     `json:"transaction_kind"`
	ID              uuid.UUID  `json:"id"`
	NewState        string     `json:"new_state"`
	ExternalRef     *string    `json:"external_ref,omitempty"`
	EndToEndID      *string    `json:"end_to_end_id,omitempty"`
	OriginalID      *uuid.UUID `json:"original_id,omitempty"`
	Amount          int64      `json:"amount,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	FailedAt        *time.Time `json:"failed_at,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
}
