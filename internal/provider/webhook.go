package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookRequest struct {
	RequestID string `json:"requestId"`
	To        string `json:"to"`
	Channel   string `json:"channel"`
	Subject   string `json:"subject,omitempty"`
	Content   string `json:"content"`
}

type webhookResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
}

// WebhookProvider posts messages to a generic HTTP gateway. One instance
// serves one channel.
type WebhookProvider struct {
	client   *resty.Client
	endpoint string
	channel  domain.Channel
}

var _ Provider = (*WebhookProvider)(nil)

func NewWebhookProvider(endpoint string, channel domain.Channel) (*WebhookProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookProviderWithClient(endpoint, channel, client)
}

func NewWebhookProviderWithClient(endpoint string, channel domain.Channel, client *resty.Client) (*WebhookProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if !channel.IsValid() {
		return nil, fmt.Errorf("invalid webhook channel %q", channel)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookProvider{
		client:   client,
		endpoint: trimmedEndpoint,
		channel:  channel,
	}, nil
}

func (p *WebhookProvider) Name() string            { return "webhook" }
func (p *WebhookProvider) Channel() domain.Channel { return p.channel }

func (p *WebhookProvider) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	reqBody := webhookRequest{
		RequestID: msg.RequestID,
		To:        msg.Recipient,
		Channel:   msg.Channel.String(),
		Subject:   msg.Content.Subject,
		Content:   msg.Content.Body,
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Provider:  p.Name(),
			Message:   "provider request failed",
			Transient: true,
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Provider:  p.Name(),
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if pe := classifyHTTPStatus(p.Name(), statusCode, responseBody); pe != nil {
		return nil, pe
	}

	return &Receipt{
		StatusCode: statusCode,
		MessageID:  webhookMessageID(response),
	}, nil
}

func (p *WebhookProvider) TestConfiguration(ctx context.Context) Health {
	response, err := p.client.R().SetContext(ctx).Get(p.endpoint)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return unhealthy(p, "health check canceled")
		}
		return unhealthy(p, fmt.Sprintf("endpoint unreachable: %v", err))
	}
	if response.StatusCode() >= http.StatusInternalServerError {
		return unhealthy(p, fmt.Sprintf("endpoint returned status %d", response.StatusCode()))
	}
	return healthy(p)
}

func webhookMessageID(response *resty.Response) string {
	for _, key := range []string{"X-Message-Id", "X-Request-Id", "X-Correlation-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	var body webhookResponse
	if err := json.Unmarshal(response.Body(), &body); err == nil {
		if body.MessageID != "" {
			return body.MessageID
		}
		return body.ID
	}

	return ""
}
