/**
 * @description
 * The AMQP-backed Emitter: publishes one lifecycle notification per
 * applied transition on the settlement events exchange, routed by kind
 * and new state (e.g. "transaction.deposit.confirmed") so downstream
 * consumers (receipts, compliance, analytics) can bind selectively.
 */

package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/arvobank/settlement-service/internal/domain"
)

// SettlementExchange is the topic exchange carrying settlement lifecycle
// notifications.
const SettlementExchange = "settlement.events"

// EventPublisher is the slice of the broker producer the emitter needs.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// AMQPEmitter adapts a broker publisher to the Emitter contract.
type AMQPEmitter struct {
	publisher EventPublisher
}

// NewAMQPEmitter creates an emitter publishing on the settlement
// exchange.
func NewAMQPEmitter(publisher EventPublisher) *AMQPEmitter {
	return &AMQPEmitter{publisher: publisher}
}

// PublishStateChange routes the notification by transaction kind and
// new state.
func (e *AMQPEmitter) PublishStateChange(ctx context.Context, event domain.StateChangeEvent) error {
	routingKey := fmt.Sprintf("transaction.%s.%s",
		event.TransactionKind,
		strings.ToLower(event.NewState),
	)
	return e.publisher.Publish(ctx, SettlementExchange, routingKey, event)
}
