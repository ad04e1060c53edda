/**
 * @description
 * AMQP event handlers: the saga steps triggered by the PSP adapter, the
 * compliance service and the counterparty network. Each handler
 * unmarshals and validates the payload, runs the service call under a
 * bounded context, and decides the delivery outcome:
 *
 *   - true (ack): applied, absorbed as a duplicate, or permanently
 *     unprocessable (malformed payload, unknown correlation, rejected by
 *     the machine) — redelivery would change nothing;
 *   - false (requeue): a transient failure the broker should retry.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/arvobank/settlement-service/internal/domain"
	"github.com/arvobank/settlement-service/internal/store"
	"github.com/arvobank/settlement-service/pkg/pspclient"
)

// Routing keys the settlement consumer binds to.
const (
	RouteDepositReceived    = "psp.deposit.received"
	RouteDevolutionReceived = "psp.devolution.received"
	RouteTransferStatus     = "psp.transfer.status"
	RouteInboundStatus      = "psp.inbound.status"
	RouteChargeback         = "psp.transfer.chargeback"
	RouteComplianceDecision = "compliance.deposit.decision"
	RouteDisputeOpened      = "dispute.case.opened"
	RouteDisputeAck         = "dispute.case.acknowledged"
	RouteDisputeAnalysis    = "dispute.case.analysis"
	RouteDisputeClosed      = "dispute.case.closed"
	RouteDisputeCanceled    = "dispute.case.canceled"
)

const handlerTimeout = 15 * time.Second

// SettlementEventConsumer dispatches broker deliveries to the service.
type SettlementEventConsumer struct {
	svc *Service
}

func NewSettlementEventConsumer(svc *Service) *SettlementEventConsumer {
	return &SettlementEventConsumer{svc: svc}
}

// Bindings maps every routing key to its handler, ready for
// rabbitmq.ConsumeWithBindings.
func (c *SettlementEventConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		RouteDepositReceived:    c.HandleDepositReceived,
		RouteDevolutionReceived: c.HandleDevolutionReceived,
		RouteTransferStatus:     c.HandleTransferStatus,
		RouteInboundStatus:      c.HandleInboundStatus,
		RouteChargeback:         c.HandleChargeback,
		RouteComplianceDecision: c.HandleComplianceDecision,
		RouteDisputeOpened:      c.HandleDisputeOpened,
		RouteDisputeAck:         c.HandleDisputeAcknowledged,
		RouteDisputeAnalysis:    c.HandleDisputeAnalysis,
		RouteDisputeClosed:      c.HandleDisputeClosed,
		RouteDisputeCanceled:    c.HandleDisputeCanceled,
	}
}

func (c *SettlementEventConsumer) HandleDepositReceived(body []byte) bool {
	var event domain.DepositReceivedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal deposit event: %v", err)
		return true
	}
	if event.EndToEndID == "" {
		log.Printf("settlement-consumer: deposit event missing end-to-end id; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	_, err := c.svc.ReceiveDeposit(ctx, event)
	return c.settle("deposit.received", event.EndToEndID, err)
}

// HandleDevolutionReceived records a devolution the counterparty sent
// back for one of our outbound transfers.
func (c *SettlementEventConsumer) HandleDevolutionReceived(body []byte) bool {
	var event domain.DepositReceivedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal devolution received event: %v", err)
		return true
	}
	if event.EndToEndID == "" {
		log.Printf("settlement-consumer: devolution received event missing end-to-end id; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	_, err := c.svc.ReceiveDevolution(ctx, event)
	return c.settle("devolution.received", event.EndToEndID, err)
}

func (c *SettlementEventConsumer) HandleTransferStatus(body []byte) bool {
	var event domain.TransferStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal transfer status event: %v", err)
		return true
	}
	if event.ExternalRef == "" {
		log.Printf("settlement-consumer: transfer status event missing external ref; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := c.svc.ApplyTransferStatus(ctx, event)
	return c.settle("transfer.status", event.ExternalRef, err)
}

// HandleInboundStatus applies settlement outcomes for received deposits
// and devolutions, which the network correlates by end-to-end id.
func (c *SettlementEventConsumer) HandleInboundStatus(body []byte) bool {
	var event domain.TransferStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal inbound status event: %v", err)
		return true
	}
	if event.EndToEndID == "" {
		log.Printf("settlement-consumer: inbound status event missing end-to-end id; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var err error
	switch normalizeGatewayStatus(event.Status) {
	case pspclient.StatusSettled:
		err = c.svc.ConfirmInbound(ctx, event.EndToEndID)
	case pspclient.StatusRejected:
		err = c.svc.FailInbound(ctx, event.EndToEndID, event.FailureCode, event.FailureMessage)
	default:
		return true
	}
	return c.settle("inbound.status", event.EndToEndID, err)
}

func (c *SettlementEventConsumer) HandleChargeback(body []byte) bool {
	var event domain.ChargebackEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal chargeback event: %v", err)
		return true
	}
	if event.EndToEndID == "" {
		log.Printf("settlement-consumer: chargeback event missing end-to-end id; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := c.svc.Chargeback(ctx, event)
	return c.settle("chargeback", event.EndToEndID, err)
}

func (c *SettlementEventConsumer) HandleComplianceDecision(body []byte) bool {
	var event domain.ComplianceDecisionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal compliance decision: %v", err)
		return true
	}
	if event.EndToEndID == "" {
		log.Printf("settlement-consumer: compliance decision missing end-to-end id; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := c.svc.ApplyComplianceDecision(ctx, event)
	return c.settle("compliance.decision", event.EndToEndID, err)
}

func (c *SettlementEventConsumer) HandleDisputeOpened(body []byte) bool {
	event, ok := decodeDisputeEvent(body, "opened")
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	_, err := c.svc.OpenCase(ctx, OpenCaseInput{
		Kind:       event.CaseKind,
		IssueID:    event.IssueID,
		EndToEndID: event.EndToEndID,
		Reason:     event.Reason,
	})
	return c.settle("dispute.opened", event.IssueID, err)
}

func (c *SettlementEventConsumer) HandleDisputeAcknowledged(body []byte) bool {
	event, ok := decodeDisputeEvent(body, "acknowledged")
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := c.svc.AcknowledgeCase(ctx, event.CaseKind, event.IssueID)
	return c.settle("dispute.acknowledged", event.IssueID, err)
}

func (c *SettlementEventConsumer) HandleDisputeAnalysis(body []byte) bool {
	event, ok := decodeDisputeEvent(body, "analysis")
	if !ok {
		return true
	}
	if event.AnalysisResult == "" {
		log.Printf("settlement-consumer: dispute analysis event missing result; dropping issue_id=%s", event.IssueID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := c.svc.RecordAnalysis(ctx, event.CaseKind, event.IssueID, event.AnalysisResult)
	return c.settle("dispute.analysis", event.IssueID, err)
}

func (c *SettlementEventConsumer) HandleDisputeClosed(body []byte) bool {
	event, ok := decodeDisputeEvent(body, "closed")
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := c.svc.CloseCaseFromNetwork(ctx, event.CaseKind, event.IssueID)
	return c.settle("dispute.closed", event.IssueID, err)
}

func (c *SettlementEventConsumer) HandleDisputeCanceled(body []byte) bool {
	event, ok := decodeDisputeEvent(body, "canceled")
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := c.svc.CancelCase(ctx, event.CaseKind, event.IssueID)
	return c.settle("dispute.canceled", event.IssueID, err)
}

func decodeDisputeEvent(body []byte, flow string) (domain.DisputeEvent, bool) {
	var event domain.DisputeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal dispute %s event: %v", flow, err)
		return event, false
	}
	if event.IssueID == "" {
		log.Printf("settlement-consumer: dispute %s event missing issue id; dropping", flow)
		return event, false
	}
	return event, true
}

// settle classifies a handler outcome into a delivery decision.
func (c *SettlementEventConsumer) settle(flow, correlation string, err error) bool {
	if err == nil {
		return true
	}
	if rejection, ok := domain.IsRejection(err); ok {
		// Duplicate or out-of-order delivery the machine refused; a retry
		// would hit the same wall.
		log.Printf("settlement-consumer: %s rejected for %s: %v", flow, correlation, rejection)
		return true
	}
	if errors.Is(err, store.ErrTransactionNotFound) || errors.Is(err, store.ErrDisputeCaseNotFound) {
		log.Printf("settlement-consumer: %s references unknown record %s; acknowledging", flow, correlation)
		return true
	}
	if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrDevolutionExceeds) {
		log.Printf("settlement-consumer: %s permanently invalid for %s: %v", flow, correlation, err)
		return true
	}
	log.Printf("settlement-consumer: %s processing error for %s: %v", flow, correlation, err)
	return false
}
