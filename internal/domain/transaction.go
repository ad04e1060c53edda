/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the transaction records that move through the
 * lifecycle state machines, plus the counterparty descriptors attached
 * to each record.
 *
 * @notes
 * - Amounts are stored as `int64` in centavos to avoid floating-point
 *   inaccuracies with financial data.
 * - External identifiers (PSP transaction id, end-to-end id, ledger
 *   operation id) are nullable until the corresponding collaborator
 *   assigns them, and are never reassigned afterwards.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the lifecycle family a transaction record belongs to.
// Every kind of the money-movement family shares the same record shape
// but runs its own state machine.
type Kind string

const (
	KindDeposit            Kind = "deposit"
	KindPayment            Kind = "payment"
	KindAdminPayment       Kind = "admin_payment"
	KindDevolution         Kind = "devolution"
	KindDevolutionReceived Kind = "devolution_received"
	KindRefundDevolution   Kind = "refund_devolution"
	KindWarningDevolution  Kind = "warning_devolution"
)

// Compensating reports whether records of this kind return funds for a
// previously settled transaction and therefore must carry an OriginalID.
func (k Kind) Compensating() bool {
	switch k {
	case KindDevolution, KindRefundDevolution, KindWarningDevolution:
		return true
	}
	return false
}

// State is the lifecycle state of a money-movement transaction.
type State string

const (
	StatePending   State = "PENDING"
	StateWaiting   State = "WAITING"
	StateBlocked   State = "BLOCKED"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
	StateReverted  State = "REVERTED"
	StateCanceled  State = "CANCELED"
)

// Terminal reports whether the state accepts no further ordinary events.
// CONFIRMED is terminal for settlement purposes; the only transition out
// of it is the explicit chargeback event.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateReverted, StateCanceled:
		return true
	}
	return false
}

// Party describes one side of a transaction: the account descriptor the
// clearing network uses to route funds.
type Party struct {
	BankISPB      string `json:"bank_ispb"`
	Branch        string `json:"branch"`
	AccountNumber string `json:"account_number"`
	Document      string `json:"document"`
	Name          string `json:"name"`
}

// Transaction is the central settlement record for any money movement.
// It maps directly to the `transactions` table.
type Transaction struct {
	ID                uuid.UUID  `json:"id"`
	Kind              Kind       `json:"kind"`
	ExternalRef       *string    `json:"external_ref,omitempty"`
	EndToEndID        *string    `json:"end_to_end_id,omitempty"`
	State             State      `json:"state"`
	Amount            int64      `json:"amount"` // in centavos
	Origin            Party      `json:"origin"`
	Destination       Party      `json:"destination"`
	LedgerOperationID *string    `json:"ledger_operation_id,omitempty"`
	OriginalID        *uuid.UUID `json:"original_id,omitempty"` // compensating link
	ChargebackReason  *string    `json:"chargeback_reason,omitempty"`
	FailureCode       *string    `json:"failure_code,omitempty"`
	FailureMessage    *string    `json:"failure_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ForwardedAt       *time.Time `json:"forwarded_at,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TransferClass distinguishes the two payment kinds that can share the
// PSP external-reference namespace. Resolving the class once, at lookup
// time, replaces probing each kind for existence in sequence.
type TransferClass string

const (
	TransferClassRegular TransferClass = "regular"
	TransferClassAdmin   TransferClass = "admin"
)

// TransferClaim is the tagged result of resolving an external reference
// to exactly one payment record.
type TransferClaim struct {
	Class TransferClass
	Tx    *Transaction
}

// SweepResult summarizes one pass of a scheduled re-drive sweep.
type SweepResult struct {
	Processed int `json:"processed"`
	Forwarded int `json:"forwarded"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}
