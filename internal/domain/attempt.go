package domain

import "time"

// Outcome is the terminal provider response of one claim.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

func (o Outcome) String() string { return string(o) }

// DeliveryAttemptRecord is an immutable audit row: one per claim that reached
// a terminal provider response.
type DeliveryAttemptRecord struct {
	ID                string
	RequestID         string
	Channel           Channel
	Recipient         string
	Provider          string
	AttemptNumber     int
	Outcome           Outcome
	ProviderMessageID *string
	FailureReason     *string
	Retryable         bool
	Cost              *float64
	CostCurrency      *string
	CreatedAt         time.Time
}

// ChannelDeliverySummary aggregates audit records of one channel.
type ChannelDeliverySummary struct {
	Channel   Channel
	Attempts  int64
	Successes int64
	Failures  int64
	TotalCost float64
}
