package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	ProviderSendGrid = "sendgrid"
	ProviderSMTP     = "smtp"
	ProviderTwilio   = "twilio"
	ProviderWebhook  = "webhook"
)

type Config struct {
	StoreBackend string `env:"STORE_BACKEND,default=postgres"`
	DatabaseDSN  string `env:"DATABASE_DSN"`
	RedisURL     string `env:"REDIS_URL"`
	RabbitMQURL  string `env:"RABBITMQ_URL"`

	APIPort        int    `env:"API_PORT,default=8080"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	DispatchSecret string `env:"DISPATCH_SECRET,required=true"`
	APIToken       string `env:"API_TOKEN,required=true"`

	DispatchBatchSize      int `env:"DISPATCH_BATCH_SIZE,default=50"`
	DispatchMaxAttempts    int `env:"DISPATCH_MAX_ATTEMPTS,default=3"`
	DispatchLeaseSec       int `env:"DISPATCH_LEASE_SEC,default=1800"`
	DispatchPacingMS       int `env:"DISPATCH_PACING_MS,default=100"`
	DispatchSendTimeoutSec int `env:"DISPATCH_SEND_TIMEOUT_SEC,default=30"`
	DispatchIntervalSec    int `env:"DISPATCH_INTERVAL_SEC,default=0"`

	RetryBaseDelaySec int `env:"RETRY_BASE_DELAY_SEC,default=60"`
	RetryMaxDelaySec  int `env:"RETRY_MAX_DELAY_SEC,default=3600"`
	RateLimitPerSec   int `env:"RATE_LIMIT_PER_SEC,default=5"`

	EmailProvider     string `env:"EMAIL_PROVIDER,default=sendgrid"`
	SendGridAPIKey    string `env:"SENDGRID_API_KEY"`
	SendGridFromEmail string `env:"SENDGRID_FROM_EMAIL"`
	SendGridReplyTo   string `env:"SENDGRID_REPLY_TO"`
	SendGridEndpoint  string `env:"SENDGRID_ENDPOINT"`
	SMTPHost          string `env:"SMTP_HOST"`
	SMTPPort          int    `env:"SMTP_PORT,default=587"`
	SMTPUsername      string `env:"SMTP_USERNAME"`
	SMTPPassword      string `env:"SMTP_PASSWORD"`
	SMTPFrom          string `env:"SMTP_FROM"`
	SMTPEncryption    string `env:"SMTP_ENCRYPTION,default=starttls"`

	SMSProvider      string `env:"SMS_PROVIDER,default=twilio"`
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
	TwilioEndpoint   string `env:"TWILIO_ENDPOINT"`

	WebhookURL    string `env:"WEBHOOK_URL"`
	TemplatesFile string `env:"TEMPLATES_FILE"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.EmailProvider = strings.ToLower(strings.TrimSpace(cfg.EmailProvider))
	cfg.SMSProvider = strings.ToLower(strings.TrimSpace(cfg.SMSProvider))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field rules. Missing provider credentials are allowed;
// the affected adapter reports itself unhealthy instead.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("DATABASE_DSN is required when STORE_BACKEND=%s", StoreBackendPostgres)
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.EmailProvider {
	case ProviderSendGrid, ProviderSMTP, ProviderWebhook:
	default:
		return fmt.Errorf("unsupported EMAIL_PROVIDER %q", c.EmailProvider)
	}

	switch c.SMSProvider {
	case ProviderTwilio, ProviderWebhook:
	default:
		return fmt.Errorf("unsupported SMS_PROVIDER %q", c.SMSProvider)
	}

	if strings.TrimSpace(c.DispatchSecret) == "" || strings.TrimSpace(c.APIToken) == "" {
		return fmt.Errorf("DISPATCH_SECRET and API_TOKEN must not be blank")
	}

	positive := map[string]int{
		"API_PORT":                  c.APIPort,
		"DISPATCH_BATCH_SIZE":       c.DispatchBatchSize,
		"DISPATCH_MAX_ATTEMPTS":     c.DispatchMaxAttempts,
		"DISPATCH_LEASE_SEC":        c.DispatchLeaseSec,
		"DISPATCH_SEND_TIMEOUT_SEC": c.DispatchSendTimeoutSec,
		"RETRY_BASE_DELAY_SEC":      c.RetryBaseDelaySec,
		"RETRY_MAX_DELAY_SEC":       c.RetryMaxDelaySec,
		"RATE_LIMIT_PER_SEC":        c.RateLimitPerSec,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}
	if c.DispatchPacingMS < 0 || c.DispatchIntervalSec < 0 {
		return fmt.Errorf("DISPATCH_PACING_MS and DISPATCH_INTERVAL_SEC must not be negative")
	}
	if c.RetryMaxDelaySec < c.RetryBaseDelaySec {
		return fmt.Errorf("RETRY_MAX_DELAY_SEC must be >= RETRY_BASE_DELAY_SEC")
	}
	if worst := c.WorstCaseBatchDuration(); c.DispatchLease() < worst {
		return fmt.Errorf("DISPATCH_LEASE_SEC (%s) must cover a full batch (%s = DISPATCH_BATCH_SIZE x (send timeout + pacing + rate limit slot))",
			c.DispatchLease(), worst)
	}

	return nil
}

// WorstCaseBatchDuration bounds one dispatch run: every item waits for a rate
// limit slot, then the pacing delay, then a send that runs to its timeout.
func (c *Config) WorstCaseBatchDuration() time.Duration {
	perItem := c.DispatchSendTimeout() + c.DispatchPacing()
	if c.RateLimitPerSec > 0 {
		perItem += time.Second / time.Duration(c.RateLimitPerSec)
	}
	return time.Duration(c.DispatchBatchSize) * perItem
}

func (c *Config) DispatchLease() time.Duration {
	return time.Duration(c.DispatchLeaseSec) * time.Second
}

func (c *Config) DispatchPacing() time.Duration {
	return time.Duration(c.DispatchPacingMS) * time.Millisecond
}

func (c *Config) DispatchSendTimeout() time.Duration {
	return time.Duration(c.DispatchSendTimeoutSec) * time.Second
}

// DispatchInterval is zero when the in-process trigger is disabled.
func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSec) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySec) * time.Second
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySec) * time.Second
}
