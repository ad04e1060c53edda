/**
 * @description
 * Pure, side-effect-free state machine definitions for every transaction
 * kind and dispute case kind. Handlers ask these machines whether an
 * incoming event is legal for the record's current state and which side
 * effects the transition mandates; the machines never touch storage or
 * collaborators themselves, so they are safe to evaluate concurrently.
 */

package domain

import "fmt"

// EventKind identifies an incoming lifecycle event for the
// money-movement family.
type EventKind string

const (
	EventForward    EventKind = "forward"    // hand the record to the PSP/network
	EventConfirm    EventKind = "confirm"    // network settlement confirmation
	EventFail       EventKind = "fail"       // network/gateway failure
	EventCancel     EventKind = "cancel"     // operator withdrawal before the network saw the record
	EventBlock      EventKind = "block"      // compliance cautionary hold
	EventRelease    EventKind = "release"    // compliance released the hold
	EventReject     EventKind = "reject"     // compliance sustained the hold
	EventChargeback EventKind = "chargeback" // network-initiated reversal of a confirmed transaction
)

// effectfulOnce marks events whose transition moves money of its own (a
// compensating record or a ledger reversal). Duplicates of these on a
// terminal record are rejected rather than absorbed: silently succeeding
// would invite a second movement.
func (e EventKind) effectfulOnce() bool {
	return e == EventChargeback || e == EventReject || e == EventCancel
}

// Effect is a side effect a handler must perform before persisting the
// new state.
type Effect int

const (
	EffectPostLedger Effect = iota + 1
	EffectReverseLedger
	EffectGatewaySend
	EffectCreateDevolution
)

// Decision is the accepted outcome of a transition. NoOp marks a
// duplicate delivery on a terminal record: the handler treats it as
// success and performs no side effects.
type Decision struct {
	Next    State
	Effects []Effect
	NoOp    bool
}

// Requires reports whether the transition mandates the given effect.
func (d Decision) Requires(e Effect) bool {
	for _, have := range d.Effects {
		if have == e {
			return true
		}
	}
	return false
}

// RejectReason classifies why a machine refused an event.
type RejectReason string

const (
	RejectAlreadyTerminal     RejectReason = "ALREADY_TERMINAL"
	RejectIllegalTransition   RejectReason = "ILLEGAL_TRANSITION"
	RejectMissingPrecondition RejectReason = "MISSING_PRECONDITION"
)

// Rejection is the typed domain error returned when an event is not
// legal for the record's current state. It is expected under duplicate
// or out-of-order delivery and is not a system failure.
type Rejection struct {
	Reason  RejectReason
	Kind    string
	From    string
	Event   string
	Message string
}

func (r *Rejection) Error() string {
	if r.Message != "" {
		return fmt.Sprintf("%s: %s", r.Reason, r.Message)
	}
	return fmt.Sprintf("%s: event %q not allowed for %s in state %s", r.Reason, r.Event, r.Kind, r.From)
}

// IsRejection extracts a *Rejection from err when err is one.
func IsRejection(err error) (*Rejection, bool) {
	r, ok := err.(*Rejection)
	return r, ok
}

type transition struct {
	next    State
	effects []Effect
}

type machine map[State]map[EventKind]transition

// Machines for the money-movement family. Deposits are created directly
// in a post-received state (WAITING or BLOCKED) by the receive handler,
// so their machines have no PENDING row.
var moneyMachines = map[Kind]machine{
	KindPayment:           outboundMachine(true),
	KindAdminPayment:      outboundMachine(true),
	KindDevolution:        outboundMachine(false),
	KindRefundDevolution:  outboundMachine(false),
	KindWarningDevolution: outboundMachine(false),
	KindDeposit: {
		StateWaiting: {
			EventConfirm: {next: StateConfirmed, effects: []Effect{EffectPostLedger}},
			EventFail:    {next: StateFailed},
			EventBlock:   {next: StateBlocked},
		},
		StateBlocked: {
			EventRelease: {next: StateWaiting},
			EventReject:  {next: StateFailed, effects: []Effect{EffectCreateDevolution}},
		},
		StateConfirmed: {
			EventChargeback: {next: StateReverted, effects: []Effect{EffectCreateDevolution}},
		},
	},
	KindDevolutionReceived: {
		StateWaiting: {
			EventConfirm: {next: StateConfirmed, effects: []Effect{EffectPostLedger}},
			EventFail:    {next: StateFailed},
		},
	},
}

// outboundMachine builds the machine shared by payments and devolutions:
// PENDING -> WAITING -> (CONFIRMED | FAILED). The ledger debit is posted
// on forward; a failure after forwarding reverses it. An operator may
// cancel a record only while it is PENDING: once the network has seen
// it, the outcome is the network's to report. Only payments are
// chargeback-able: devolutions are themselves compensations.
func outboundMachine(chargebackable bool) machine {
	m := machine{
		StatePending: {
			EventForward: {next: StateWaiting, effects: []Effect{EffectPostLedger, EffectGatewaySend}},
			EventFail:    {next: StateFailed, effects: []Effect{EffectReverseLedger}},
			EventCancel:  {next: StateCanceled, effects: []Effect{EffectReverseLedger}},
		},
		StateWaiting: {
			EventConfirm: {next: StateConfirmed},
			EventFail:    {next: StateFailed, effects: []Effect{EffectReverseLedger}},
		},
	}
	if chargebackable {
		m[StateConfirmed] = map[EventKind]transition{
			EventChargeback: {next: StateReverted, effects: []Effect{EffectCreateDevolution}},
		}
	}
	return m
}

// Transition evaluates event ev against the machine for kind, given the
// record's current state.
//
// Outcomes:
//   - a legal transition returns the next state and its mandated effects;
//   - a duplicate delivery of an effect-free event to a terminal record
//     returns a NoOp decision, never an error (at-least-once delivery);
//   - an effectful-once event (chargeback, compliance reject) on a
//     terminal record is rejected with ALREADY_TERMINAL;
//   - anything else is rejected with ILLEGAL_TRANSITION.
func Transition(kind Kind, current State, ev EventKind) (Decision, error) {
	m, ok := moneyMachines[kind]
	if !ok {
		return Decision{}, &Rejection{
			Reason:  RejectIllegalTransition,
			Kind:    string(kind),
			From:    string(current),
			Event:   string(ev),
			Message: fmt.Sprintf("unknown transaction kind %q", kind),
		}
	}

	if t, ok := m[current][ev]; ok {
		return Decision{Next: t.next, Effects: t.effects}, nil
	}

	if current.Terminal() {
		if ev.effectfulOnce() {
			return Decision{}, &Rejection{
				Reason: RejectAlreadyTerminal,
				Kind:   string(kind),
				From:   string(current),
				Event:  string(ev),
			}
		}
		// Late or duplicate delivery for a settled record: absorb it.
		return Decision{Next: current, NoOp: true}, nil
	}

	return Decision{}, &Rejection{
		Reason: RejectIllegalTransition,
		Kind:   string(kind),
		From:   string(current),
		Event:  string(ev),
	}
}

// CaseEventKind identifies an incoming event for the dispute family.
type CaseEventKind string

const (
	CaseEventAcknowledge CaseEventKind = "acknowledge" // counterparty accepted the case
	CaseEventAnalysis    CaseEventKind = "analysis"    // internal compliance verdict recorded
	CaseEventClose       CaseEventKind = "close"
	CaseEventCancel      CaseEventKind = "cancel"
)

// CaseDecision is the accepted outcome of a dispute-case transition.
// RecordAnalysis signals the handler to persist the analysis result even
// when the state itself does not change (the commutative merge of the
// two event streams: a verdict landing after the counterparty closed the
// case must not be discarded).
type CaseDecision struct {
	Next           CaseState
	NoOp           bool
	RecordAnalysis bool
}

// CaseTransition evaluates a dispute-case event. hasAnalysis tells the
// machine whether an analysis result is available (already stored or
// carried by the event payload); a close requiring one without it is
// rejected with MISSING_PRECONDITION. requireAnalysis distinguishes the
// internal compliance close (which demands a verdict) from the
// counterparty network close (which may legally leave the result null).
func CaseTransition(kind CaseKind, current CaseState, ev CaseEventKind, hasAnalysis, requireAnalysis bool) (CaseDecision, error) {
	reject := func(reason RejectReason, msg string) (CaseDecision, error) {
		return CaseDecision{}, &Rejection{
			Reason:  reason,
			Kind:    string(kind),
			From:    string(current),
			Event:   string(ev),
			Message: msg,
		}
	}

	switch ev {
	case CaseEventAcknowledge:
		switch current {
		case CaseStateOpen:
			return CaseDecision{Next: CaseStateUnderAnalysis}, nil
		case CaseStateUnderAnalysis:
			return CaseDecision{Next: current, NoOp: true}, nil
		}
		if current.Terminal() {
			return CaseDecision{Next: current, NoOp: true}, nil
		}
		return reject(RejectIllegalTransition, "")

	case CaseEventAnalysis:
		switch current {
		case CaseStateOpen, CaseStateUnderAnalysis:
			return CaseDecision{Next: CaseStateUnderAnalysis, RecordAnalysis: true}, nil
		}
		// Verdict arrived after the counterparty adjudicated the case:
		// keep the terminal state, still record the result.
		if current.Terminal() {
			return CaseDecision{Next: current, NoOp: true, RecordAnalysis: true}, nil
		}
		return reject(RejectIllegalTransition, "")

	case CaseEventClose:
		if current.Terminal() {
			return reject(RejectAlreadyTerminal, "")
		}
		if requireAnalysis && !hasAnalysis {
			return reject(RejectMissingPrecondition, "close requires an analysis result")
		}
		return CaseDecision{Next: CaseStateClosed, RecordAnalysis: hasAnalysis}, nil

	case CaseEventCancel:
		if current.Terminal() {
			return reject(RejectAlreadyTerminal, "")
		}
		return CaseDecision{Next: CaseStateCanceled}, nil
	}

	return reject(RejectIllegalTransition, fmt.Sprintf("unknown case event %q", ev))
}
