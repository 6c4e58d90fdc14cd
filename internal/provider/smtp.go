package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const defaultSMTPTimeout = 15 * time.Second

// SMTPConfig holds SMTP relay settings. Encryption is one of "ssl_tls",
// "starttls" or "none".
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Encryption string
	Timeout    time.Duration
}

// SMTPProvider delivers email through an SMTP relay using go-mail.
type SMTPProvider struct {
	cfg SMTPConfig
}

var _ Provider = (*SMTPProvider)(nil)

func NewSMTPProvider(cfg SMTPConfig) *SMTPProvider {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTPProvider{cfg: cfg}
}

func (p *SMTPProvider) Name() string            { return "smtp" }
func (p *SMTPProvider) Channel() domain.Channel { return domain.ChannelEmail }

func (p *SMTPProvider) missingConfig() string {
	var missing []string
	if strings.TrimSpace(p.cfg.Host) == "" {
		missing = append(missing, "SMTP_HOST")
	}
	if strings.TrimSpace(p.cfg.From) == "" {
		missing = append(missing, "SMTP_FROM")
	}
	return strings.Join(missing, ", ")
}

func (p *SMTPProvider) newClient() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(p.cfg.Port),
		mail.WithTLSPolicy(tlsPolicyFromEncryption(p.cfg.Encryption)),
		mail.WithTimeout(p.cfg.Timeout),
	}
	if p.cfg.Encryption == "ssl_tls" {
		opts = append(opts, mail.WithSSL())
	}
	if p.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(p.cfg.Username),
			mail.WithPassword(p.cfg.Password),
		)
	}
	return mail.NewClient(p.cfg.Host, opts...)
}

func (p *SMTPProvider) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if missing := p.missingConfig(); missing != "" {
		return nil, &ProviderError{Provider: p.Name(), Message: "provider not configured: " + missing, Transient: true}
	}

	m := mail.NewMsg()
	if err := m.From(p.cfg.From); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: "invalid from address", Transient: false, Cause: err}
	}
	if err := m.To(msg.Recipient); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: "invalid recipient", Transient: false, Cause: err}
	}
	m.Subject(msg.Content.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Content.Body)
	m.SetMessageID()
	if msg.RequestID != "" {
		m.SetGenHeader("X-Request-Id", msg.RequestID)
	}

	c, err := p.newClient()
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: "failed to create mail client", Transient: false, Cause: err}
	}

	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return nil, classifySMTPError(p.Name(), err)
	}

	return &Receipt{MessageID: strings.Trim(m.GetMessageID(), "<>")}, nil
}

// classifySMTPError trusts go-mail's temporary flag for server replies and
// treats connection level failures as transient.
func classifySMTPError(providerName string, err error) *ProviderError {
	pe := &ProviderError{Provider: providerName, Message: "smtp delivery failed", Transient: true, Cause: err}

	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		pe.Transient = sendErr.IsTemp()
	}
	return pe
}

func (p *SMTPProvider) TestConfiguration(ctx context.Context) Health {
	if missing := p.missingConfig(); missing != "" {
		return unhealthy(p, "missing configuration: "+missing)
	}

	c, err := p.newClient()
	if err != nil {
		return unhealthy(p, fmt.Sprintf("invalid client configuration: %v", err))
	}
	if err := c.DialWithContext(ctx); err != nil {
		return unhealthy(p, fmt.Sprintf("smtp dial failed: %v", err))
	}
	_ = c.Close()
	return healthy(p)
}

func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case "ssl_tls":
		return mail.TLSMandatory
	case "starttls":
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}
