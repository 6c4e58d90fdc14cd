package provider

import (
	"context"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Unconfigured stands in for a provider whose credentials are absent. Sends
// fail as retryable so queued work survives until configuration is fixed.
type Unconfigured struct {
	name    string
	channel domain.Channel
	missing string
}

func NewUnconfigured(name string, channel domain.Channel, missing string) *Unconfigured {
	return &Unconfigured{name: name, channel: channel, missing: missing}
}

var _ Provider = (*Unconfigured)(nil)

func (u *Unconfigured) Name() string            { return u.name }
func (u *Unconfigured) Channel() domain.Channel { return u.channel }

func (u *Unconfigured) Send(ctx context.Context, msg Message) (*Receipt, error) {
	return nil, &ProviderError{
		Provider:  u.name,
		Message:   "provider not configured: " + u.missing,
		Transient: true,
	}
}

func (u *Unconfigured) TestConfiguration(ctx context.Context) Health {
	return unhealthy(u, "missing configuration: "+u.missing)
}
