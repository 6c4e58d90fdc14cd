package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const publishTimeout = 5 * time.Second

type OutcomePublisher struct {
	client *RabbitMQ
}

func NewOutcomePublisher(client *RabbitMQ) *OutcomePublisher {
	return &OutcomePublisher{client: client}
}

// PublishOutcome sends one persistent outcome event. Callers treat failures
// as best-effort; nothing is retried here.
func (p *OutcomePublisher) PublishOutcome(ctx context.Context, record domain.DeliveryAttemptRecord, status domain.Status) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	event := NewOutcomeEvent(record, status)
	publishing, err := newPublishing(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.client.withChannel(ctx, func(ch *amqp.Channel) error {
		if err := ch.PublishWithContext(ctx, ExchangeName, event.RoutingKey(), false, false, publishing); err != nil {
			return fmt.Errorf("failed to publish outcome %s: %w", event.RoutingKey(), err)
		}
		return nil
	})
}

func newPublishing(event OutcomeEvent) (amqp.Publishing, error) {
	if err := event.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid outcome event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal outcome event: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     event.OccurredAt,
		MessageId:     event.AttemptID,
		CorrelationId: event.RequestID,
		Type:          "delivery." + event.Outcome,
		Body:          payload,
	}, nil
}

func (p *OutcomePublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
