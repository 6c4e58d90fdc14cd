package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	defaultTwilioEndpoint = "https://api.twilio.com"
	defaultTwilioTimeout  = 15 * time.Second
)

// Twilio error codes that will not succeed on retry.
var twilioPermanentCodes = map[int]bool{
	21211: true, // invalid To number
	21408: true, // region not enabled
	21610: true, // recipient unsubscribed
	21612: true, // unreachable To number
	21614: true, // not a mobile number
}

// TwilioConfig holds Twilio credentials. FromNumber may be a phone number or a
// messaging service sid.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Endpoint   string
	Timeout    time.Duration
}

type twilioMessage struct {
	SID       string  `json:"sid"`
	Status    string  `json:"status"`
	Price     *string `json:"price"`
	PriceUnit *string `json:"price_unit"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// TwilioProvider delivers SMS through the Twilio Messages API.
type TwilioProvider struct {
	client *resty.Client
	cfg    TwilioConfig
}

var _ Provider = (*TwilioProvider)(nil)

func NewTwilioProvider(cfg TwilioConfig) *TwilioProvider {
	return NewTwilioProviderWithClient(cfg, resty.New())
}

func NewTwilioProviderWithClient(cfg TwilioConfig, client *resty.Client) *TwilioProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultTwilioEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTwilioTimeout
	}

	client.SetBaseURL(strings.TrimRight(cfg.Endpoint, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(0)
	client.SetBasicAuth(cfg.AccountSID, cfg.AuthToken)

	return &TwilioProvider{client: client, cfg: cfg}
}

func (p *TwilioProvider) Name() string            { return "twilio" }
func (p *TwilioProvider) Channel() domain.Channel { return domain.ChannelSMS }

func (p *TwilioProvider) missingConfig() string {
	var missing []string
	if strings.TrimSpace(p.cfg.AccountSID) == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if strings.TrimSpace(p.cfg.AuthToken) == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if strings.TrimSpace(p.cfg.FromNumber) == "" {
		missing = append(missing, "TWILIO_FROM_NUMBER")
	}
	return strings.Join(missing, ", ")
}

func (p *TwilioProvider) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if missing := p.missingConfig(); missing != "" {
		return nil, &ProviderError{Provider: p.Name(), Message: "provider not configured: " + missing, Transient: true}
	}

	form := map[string]string{
		"To":   msg.Recipient,
		"Body": msg.Content.Body,
	}
	if strings.HasPrefix(p.cfg.FromNumber, "MG") {
		form["MessagingServiceSid"] = p.cfg.FromNumber
	} else {
		form["From"] = p.cfg.FromNumber
	}

	var result twilioMessage
	response, err := p.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&result).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", p.cfg.AccountSID))
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
		applyTwilioErrorCode(pe, response.Body())
		return nil, pe
	}

	receipt := &Receipt{StatusCode: statusCode, MessageID: result.SID}
	if cost, ok := parseTwilioPrice(result.Price); ok {
		receipt.Cost = &cost
		if result.PriceUnit != nil {
			receipt.Currency = strings.ToUpper(*result.PriceUnit)
		}
	}
	return receipt, nil
}

// applyTwilioErrorCode refines the HTTP classification with the Twilio error
// code from the response body, when present.
func applyTwilioErrorCode(pe *ProviderError, body []byte) {
	var twErr twilioError
	if err := json.Unmarshal(body, &twErr); err != nil || twErr.Code == 0 {
		return
	}
	pe.Message = fmt.Sprintf("twilio error %d: %s", twErr.Code, twErr.Message)
	if twilioPermanentCodes[twErr.Code] {
		pe.Transient = false
	}
}

// Twilio reports price as a negative decimal string, or null until billed.
func parseTwilioPrice(price *string) (float64, bool) {
	if price == nil || strings.TrimSpace(*price) == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*price), 64)
	if err != nil {
		return 0, false
	}
	return math.Abs(v), true
}

func (p *TwilioProvider) TestConfiguration(ctx context.Context) Health {
	if missing := p.missingConfig(); missing != "" {
		return unhealthy(p, "missing configuration: "+missing)
	}

	response, err := p.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/2010-04-01/Accounts/%s.json", p.cfg.AccountSID))
	if err != nil {
		return unhealthy(p, fmt.Sprintf("api unreachable: %v", err))
	}
	if response.StatusCode() != http.StatusOK {
		return unhealthy(p, fmt.Sprintf("api returned status %d", response.StatusCode()))
	}
	return healthy(p)
}
