package domain

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	// StatusFailed is the failed-retryable phase. Rows never rest in it: a
	// retryable failure moves the row straight back to pending with a later
	// next_attempt_at. Stats report pending rows with attempts as failed.
	StatusFailed Status = "failed"
	StatusDead   Status = "dead"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusDead:
		return true
	}
	return false
}

// IsTerminal reports whether no further claim may ever return a row in this state.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusDead
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Channels lists every supported delivery channel.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS}
}

// RecipientType tells how the recipient value of an enqueue call is interpreted.
type RecipientType string

const (
	RecipientCustomer RecipientType = "customer"
	RecipientEmployee RecipientType = "employee"
	RecipientAdmin    RecipientType = "admin"
	// RecipientAddress means the recipient value is already an email address or phone number.
	RecipientAddress RecipientType = "address"
)

func (t RecipientType) String() string { return string(t) }

func (t RecipientType) IsValid() bool {
	switch t {
	case RecipientCustomer, RecipientEmployee, RecipientAdmin, RecipientAddress:
		return true
	}
	return false
}

func ParseRecipientTypeFromString(s string) (RecipientType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "" {
		return RecipientAddress, nil
	}
	rt := RecipientType(trimmed)
	if !rt.IsValid() {
		return "", fmt.Errorf("%w: invalid recipient type %q", ErrValidation, s)
	}
	return rt, nil
}

// Priority bounds. Lower value means higher priority.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Content limits per channel (in characters).
const (
	MaxSMSContent   = 1600
	MaxEmailContent = 100000
	// MaxRecipientLength fits the recipient column and the RFC 5321 path limit.
	MaxRecipientLength = 254
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// NormalizeRecipient validates a recipient address for the channel and
// returns its canonical form.
func NormalizeRecipient(channel Channel, raw string) (string, error) {
	recipient := strings.TrimSpace(raw)
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient is required", ErrInvalidRecipient)
	}
	if len(recipient) > MaxRecipientLength {
		return "", fmt.Errorf("%w: recipient exceeds %d characters", ErrInvalidRecipient, MaxRecipientLength)
	}

	switch channel {
	case ChannelEmail:
		addr, err := mail.ParseAddress(recipient)
		if err != nil || addr.Address != recipient {
			return "", fmt.Errorf("%w: malformed email address %q", ErrInvalidRecipient, recipient)
		}
		return strings.ToLower(addr.Address), nil
	case ChannelSMS:
		phone := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(recipient)
		if !phonePattern.MatchString(phone) {
			return "", fmt.Errorf("%w: malformed phone number %q", ErrInvalidRecipient, recipient)
		}
		return phone, nil
	default:
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, channel)
	}
}

// Content is the rendered message. It is produced once at enqueue time and
// never changes afterwards.
type Content struct {
	Subject string
	Body    string
}

// NotificationRequest is the queue row: one message to deliver.
type NotificationRequest struct {
	ID                string
	Channel           Channel
	RecipientType     RecipientType
	RecipientRef      *string
	Recipient         string
	TemplateKey       string
	Content           Content
	Priority          int
	Status            Status
	AttemptCount      int
	MaxAttempts       int
	NextAttemptAt     time.Time
	LeaseExpiresAt    *time.Time
	ClaimToken        *string
	ProviderMessageID *string
	LastError         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (n *NotificationRequest) Validate() error {
	if n.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidRecipient)
	}
	if !n.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, n.Channel)
	}
	if !n.RecipientType.IsValid() {
		return fmt.Errorf("%w: invalid recipient type %q", ErrValidation, n.RecipientType)
	}
	if n.Priority < MinPriority || n.Priority > MaxPriority {
		return fmt.Errorf("%w: priority must be between %d and %d (got %d)", ErrValidation, MinPriority, MaxPriority, n.Priority)
	}
	if strings.TrimSpace(n.Content.Body) == "" {
		return fmt.Errorf("%w: content body is required", ErrValidation)
	}
	if n.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1", ErrValidation)
	}

	contentLen := len([]rune(n.Content.Body))
	switch n.Channel {
	case ChannelSMS:
		if contentLen > MaxSMSContent {
			return fmt.Errorf("%w: SMS content exceeds %d characters (got %d)", ErrValidation, MaxSMSContent, contentLen)
		}
	case ChannelEmail:
		if strings.TrimSpace(n.Content.Subject) == "" {
			return fmt.Errorf("%w: email subject is required", ErrValidation)
		}
		if contentLen > MaxEmailContent {
			return fmt.Errorf("%w: email content exceeds %d characters (got %d)", ErrValidation, MaxEmailContent, contentLen)
		}
	}

	return nil
}

// StatusCounts is a per-status aggregation of notification requests.
type StatusCounts struct {
	Pending    int64
	Processing int64
	Sent       int64
	Failed     int64
	Dead       int64
}

func (c StatusCounts) Total() int64 {
	return c.Pending + c.Processing + c.Sent + c.Failed + c.Dead
}
