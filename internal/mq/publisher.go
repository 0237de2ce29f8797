package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys for purchase lifecycle events.
const (
	RoutingPurchaseVended        = "purchase.vended"
	RoutingPurchaseVendFailed    = "purchase.vend_failed"
	RoutingPurchasePaymentFailed = "purchase.payment_failed"
)

// PurchaseEvent is published after the ledger write it describes.
type PurchaseEvent struct {
	AttemptID           string    `json:"attempt_id"`
	MeterNumber         string    `json:"meter_number"`
	TenantID            string    `json:"tenant_id"`
	PhoneNumber         string    `json:"phone_number"`
	GrossAmount         string    `json:"gross_amount"`
	Units               string    `json:"units,omitempty"`
	Token               string    `json:"token,omitempty"`
	VendorTransactionID string    `json:"vendor_transaction_id,omitempty"`
	PaymentReference    string    `json:"payment_reference,omitempty"`
	State               string    `json:"state"`
	FailureKind         string    `json:"failure_kind,omitempty"`
	FailureReason       string    `json:"failure_reason,omitempty"`
	Unconfirmed         bool      `json:"unconfirmed,omitempty"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// Publisher sends purchase events to a topic exchange.
type Publisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher declares the exchange and opens a publishing channel.
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ] failed to create channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("[RABBITMQ] failed to declare exchange: %w", err)
	}

	return &Publisher{channel: ch, exchange: exchange, logger: logger}, nil
}

func newPublishing(event PurchaseEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.AttemptID,
		Timestamp:    event.OccurredAt,
	}, nil
}

// PublishPurchaseEvent publishes event under routingKey.
func (p *Publisher) PublishPurchaseEvent(ctx context.Context, routingKey string, event PurchaseEvent) error {
	msg, err := newPublishing(event)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("[RABBITMQ] failed to publish event: %w", err)
	}

	p.logger.Debug("published purchase event",
		zap.String("routing_key", routingKey),
		zap.String("attempt_id", event.AttemptID),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
