package provider

import (
	"context"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Provider is the outbound delivery port for one channel.
type Provider interface {
	Name() string
	Channel() domain.Channel
	Send(ctx context.Context, msg Message) (*Receipt, error)
	// TestConfiguration checks credentials and connectivity without sending.
	TestConfiguration(ctx context.Context) Health
}

// Message is what an adapter delivers. Content is already rendered.
type Message struct {
	RequestID string
	Channel   domain.Channel
	Recipient string
	Content   domain.Content
}

// Receipt is the provider's acknowledgement of an accepted message.
type Receipt struct {
	StatusCode int
	MessageID  string
	Cost       *float64
	Currency   string
}

// Health is the result of TestConfiguration.
type Health struct {
	Provider  string         `json:"provider"`
	Channel   domain.Channel `json:"channel"`
	Healthy   bool           `json:"healthy"`
	Detail    string         `json:"detail,omitempty"`
	CheckedAt time.Time      `json:"checkedAt"`
}

func healthy(p Provider) Health {
	return Health{Provider: p.Name(), Channel: p.Channel(), Healthy: true, CheckedAt: time.Now().UTC()}
}

func unhealthy(p Provider, detail string) Health {
	return Health{Provider: p.Name(), Channel: p.Channel(), Detail: detail, CheckedAt: time.Now().UTC()}
}
