package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

const defaultMaxAttempts = 3

// Renderer produces immutable content from a template key.
type Renderer interface {
	Render(key string, variables map[string]string) (domain.Content, error)
	Channel(key string) (domain.Channel, bool)
}

// ContactResolver looks up the address of a customer, employee or admin for
// a channel. It returns domain.ErrNotFound when the entity has no address.
type ContactResolver interface {
	Resolve(ctx context.Context, recipientType domain.RecipientType, id string, channel domain.Channel) (string, error)
}

// EnqueueInput is one enqueue call. Recipient is an address when
// RecipientType is address, otherwise an entity id for the ContactResolver.
type EnqueueInput struct {
	Channel       domain.Channel
	RecipientType domain.RecipientType
	Recipient     string
	TemplateKey   string
	Variables     map[string]string
	Priority      int
	ScheduledFor  *time.Time
}

// NotificationHistory is a request with every audit record written for it.
type NotificationHistory struct {
	Request  *domain.NotificationRequest
	Attempts []domain.DeliveryAttemptRecord
}

type NotificationService struct {
	requests    repository.RequestRepository
	attempts    repository.AttemptRepository
	renderer    Renderer
	resolver    ContactResolver
	maxAttempts int
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewNotificationService(
	requests repository.RequestRepository,
	attempts repository.AttemptRepository,
	renderer Renderer,
	maxAttempts int,
	logger *zap.Logger,
) (*NotificationService, error) {
	if requests == nil || attempts == nil {
		return nil, fmt.Errorf("request and attempt repositories are required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		requests:    requests,
		attempts:    attempts,
		renderer:    renderer,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (s *NotificationService) SetContactResolver(resolver ContactResolver) {
	if s == nil {
		return
	}
	s.resolver = resolver
}

func (s *NotificationService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Enqueue validates the recipient, renders the template and persists a
// pending request. Nothing is stored when any step fails.
func (s *NotificationService) Enqueue(ctx context.Context, in EnqueueInput) (*domain.NotificationRequest, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !in.Channel.IsValid() {
		return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, in.Channel)
	}
	if in.RecipientType == "" {
		in.RecipientType = domain.RecipientAddress
	}
	if !in.RecipientType.IsValid() {
		return nil, fmt.Errorf("%w: invalid recipient type %q", domain.ErrValidation, in.RecipientType)
	}

	recipient, recipientRef, err := s.resolveRecipient(ctx, in)
	if err != nil {
		return nil, err
	}

	templateKey := strings.TrimSpace(in.TemplateKey)
	templateChannel, ok := s.renderer.Channel(templateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTemplateKey, templateKey)
	}
	if templateChannel != in.Channel {
		return nil, fmt.Errorf("%w: template %q is for channel %s, not %s", domain.ErrValidation, templateKey, templateChannel, in.Channel)
	}

	content, err := s.renderer.Render(templateKey, in.Variables)
	if err != nil {
		return nil, err
	}

	priority := in.Priority
	if priority == 0 {
		priority = domain.DefaultPriority
	}

	now := s.now().UTC()
	nextAttemptAt := now
	if in.ScheduledFor != nil && in.ScheduledFor.After(now) {
		nextAttemptAt = in.ScheduledFor.UTC()
	}

	request := &domain.NotificationRequest{
		ID:            uuid.NewString(),
		Channel:       in.Channel,
		RecipientType: in.RecipientType,
		RecipientRef:  recipientRef,
		Recipient:     recipient,
		TemplateKey:   templateKey,
		Content:       content,
		Priority:      priority,
		Status:        domain.StatusPending,
		AttemptCount:  0,
		MaxAttempts:   s.maxAttempts,
		NextAttemptAt: nextAttemptAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := request.Validate(); err != nil {
		return nil, err
	}

	if err := s.requests.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to persist notification request: %w", err)
	}

	s.metrics.IncEnqueued(request.Channel.String())
	observability.WithContextLogger(s.logger, ctx).Info("notification enqueued",
		zap.String("notificationId", request.ID),
		zap.String("channel", request.Channel.String()),
		zap.String("templateKey", request.TemplateKey),
		zap.Int("priority", request.Priority),
		zap.Time("nextAttemptAt", request.NextAttemptAt),
	)

	return request, nil
}

func (s *NotificationService) resolveRecipient(ctx context.Context, in EnqueueInput) (string, *string, error) {
	raw := strings.TrimSpace(in.Recipient)
	if raw == "" {
		return "", nil, fmt.Errorf("%w: recipient is required", domain.ErrInvalidRecipient)
	}

	if in.RecipientType == domain.RecipientAddress || s.resolver == nil {
		recipient, err := domain.NormalizeRecipient(in.Channel, raw)
		return recipient, nil, err
	}

	address, err := s.resolver.Resolve(ctx, in.RecipientType, raw, in.Channel)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: no %s address for %s %s", domain.ErrInvalidRecipient, in.Channel, in.RecipientType, raw)
		}
		return "", nil, fmt.Errorf("failed to resolve recipient: %w", err)
	}

	recipient, err := domain.NormalizeRecipient(in.Channel, address)
	if err != nil {
		return "", nil, err
	}
	return recipient, &raw, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.NotificationRequest, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.requests.GetByID(ctx, strings.TrimSpace(id))
}

// History returns a request and its audit records ordered by attempt number.
func (s *NotificationService) History(ctx context.Context, id string) (*NotificationHistory, error) {
	request, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	attempts, err := s.attempts.ListByRequestID(ctx, request.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery attempts: %w", err)
	}

	return &NotificationHistory{Request: request, Attempts: attempts}, nil
}
