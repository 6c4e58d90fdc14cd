package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	defaultSendGridEndpoint = "https://api.sendgrid.com"
	defaultSendGridTimeout  = 15 * time.Second
)

// SendGridConfig holds SendGrid API credentials. An empty APIKey or From
// address makes the adapter report unhealthy.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	ReplyTo   string
	Endpoint  string
	Timeout   time.Duration
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridMail struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	ReplyTo          *sendGridAddress          `json:"reply_to,omitempty"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

// SendGridProvider delivers email through the SendGrid v3 mail API.
type SendGridProvider struct {
	client *resty.Client
	cfg    SendGridConfig
}

var _ Provider = (*SendGridProvider)(nil)

func NewSendGridProvider(cfg SendGridConfig) *SendGridProvider {
	return NewSendGridProviderWithClient(cfg, resty.New())
}

func NewSendGridProviderWithClient(cfg SendGridConfig, client *resty.Client) *SendGridProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultSendGridEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendGridTimeout
	}

	client.SetBaseURL(strings.TrimRight(cfg.Endpoint, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(0)
	client.SetAuthToken(cfg.APIKey)

	return &SendGridProvider{client: client, cfg: cfg}
}

func (p *SendGridProvider) Name() string            { return "sendgrid" }
func (p *SendGridProvider) Channel() domain.Channel { return domain.ChannelEmail }

func (p *SendGridProvider) missingConfig() string {
	var missing []string
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		missing = append(missing, "SENDGRID_API_KEY")
	}
	if strings.TrimSpace(p.cfg.FromEmail) == "" {
		missing = append(missing, "SENDGRID_FROM_EMAIL")
	}
	return strings.Join(missing, ", ")
}

func (p *SendGridProvider) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if missing := p.missingConfig(); missing != "" {
		return nil, &ProviderError{Provider: p.Name(), Message: "provider not configured: " + missing, Transient: true}
	}

	body := sendGridMail{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: msg.Recipient}}}},
		From:             sendGridAddress{Email: p.cfg.FromEmail, Name: p.cfg.FromName},
		Subject:          msg.Content.Subject,
		Content:          []sendGridContent{{Type: "text/plain", Value: msg.Content.Body}},
	}
	if p.cfg.ReplyTo != "" {
		body.ReplyTo = &sendGridAddress{Email: p.cfg.ReplyTo}
	}
	if msg.RequestID != "" {
		body.CustomArgs = map[string]string{"request_id": msg.RequestID}
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/v3/mail/send")
	if err != nil {
		return nil, &ProviderError{
			Provider:  p.Name(),
			Message:   "provider request failed",
			Transient: true,
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	if pe := classifyHTTPStatus(p.Name(), statusCode, response.String()); pe != nil {
		return nil, pe
	}

	return &Receipt{
		StatusCode: statusCode,
		MessageID:  strings.TrimSpace(response.Header().Get("X-Message-Id")),
	}, nil
}

func (p *SendGridProvider) TestConfiguration(ctx context.Context) Health {
	if missing := p.missingConfig(); missing != "" {
		return unhealthy(p, "missing configuration: "+missing)
	}

	response, err := p.client.R().SetContext(ctx).Get("/v3/scopes")
	if err != nil {
		return unhealthy(p, fmt.Sprintf("api unreachable: %v", err))
	}
	if response.StatusCode() != http.StatusOK {
		return unhealthy(p, fmt.Sprintf("api returned status %d", response.StatusCode()))
	}
	return healthy(p)
}
