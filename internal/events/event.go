package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	// ExchangeName is the topic exchange delivery outcomes are published to.
	ExchangeName = "notification.delivery"
	// QueueName is the durable queue bound to every outcome routing key.
	QueueName = "notification.delivery.events"
)

// OutcomeEvent is the broker payload for one written delivery attempt.
type OutcomeEvent struct {
	AttemptID         string    `json:"attemptId"`
	RequestID         string    `json:"requestId"`
	Channel           string    `json:"channel"`
	Provider          string    `json:"provider"`
	AttemptNumber     int       `json:"attemptNumber"`
	Outcome           string    `json:"outcome"`
	Status            string    `json:"status"`
	Retryable         bool      `json:"retryable"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	FailureReason     string    `json:"failureReason,omitempty"`
	Cost              *float64  `json:"cost,omitempty"`
	CostCurrency      string    `json:"costCurrency,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
}

// NewOutcomeEvent flattens an audit record and the status the request
// moved to. The recipient address is left out of the payload.
func NewOutcomeEvent(record domain.DeliveryAttemptRecord, status domain.Status) OutcomeEvent {
	event := OutcomeEvent{
		AttemptID:     record.ID,
		RequestID:     record.RequestID,
		Channel:       record.Channel.String(),
		Provider:      record.Provider,
		AttemptNumber: record.AttemptNumber,
		Outcome:       record.Outcome.String(),
		Status:        status.String(),
		Retryable:     record.Retryable,
		Cost:          record.Cost,
		OccurredAt:    record.CreatedAt.UTC(),
	}
	if record.ProviderMessageID != nil {
		event.ProviderMessageID = *record.ProviderMessageID
	}
	if record.FailureReason != nil {
		event.FailureReason = *record.FailureReason
	}
	if record.CostCurrency != nil {
		event.CostCurrency = *record.CostCurrency
	}
	return event
}

func (e OutcomeEvent) Validate() error {
	if strings.TrimSpace(e.AttemptID) == "" || strings.TrimSpace(e.RequestID) == "" {
		return fmt.Errorf("attemptId and requestId are required")
	}
	if !domain.Channel(e.Channel).IsValid() {
		return fmt.Errorf("invalid channel %q", e.Channel)
	}
	if !domain.Status(e.Status).IsValid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	return nil
}

// RoutingKey is <channel>.<status>, e.g. sms.dead.
func (e OutcomeEvent) RoutingKey() string {
	return strings.ToLower(e.Channel) + "." + strings.ToLower(e.Status)
}
