package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type NotificationService interface {
	Enqueue(ctx context.Context, in service.EnqueueInput) (*domain.NotificationRequest, error)
	History(ctx context.Context, id string) (*service.NotificationHistory, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService, auth fiber.Handler) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", auth, h.Enqueue)
	v1.Get("/notifications/:id", auth, h.GetNotification)

	return nil
}

type enqueueRequest struct {
	Channel       string         `json:"channel"`
	RecipientType string         `json:"recipientType"`
	RecipientID   string         `json:"recipientId"`
	Recipient     string         `json:"recipient"`
	TemplateKey   string         `json:"templateKey"`
	Variables     map[string]any `json:"variables"`
	Priority      int            `json:"priority"`
	ScheduledFor  string         `json:"scheduledFor"`
}

type notificationResponse struct {
	ID                string     `json:"id"`
	Channel           string     `json:"channel"`
	RecipientType     string     `json:"recipientType"`
	RecipientRef      *string    `json:"recipientId,omitempty"`
	Recipient         string     `json:"recipient"`
	TemplateKey       string     `json:"templateKey"`
	Subject           string     `json:"subject,omitempty"`
	Body              string     `json:"body"`
	Priority          int        `json:"priority"`
	Status            string     `json:"status"`
	AttemptCount      int        `json:"attemptCount"`
	MaxAttempts       int        `json:"maxAttempts"`
	NextAttemptAt     time.Time  `json:"nextAttemptAt"`
	LeaseExpiresAt    *time.Time `json:"leaseExpiresAt,omitempty"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	LastError         *string    `json:"lastError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type attemptResponse struct {
	ID                string    `json:"id"`
	AttemptNumber     int       `json:"attemptNumber"`
	Provider          string    `json:"provider"`
	Outcome           string    `json:"outcome"`
	Retryable         bool      `json:"retryable"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	FailureReason     *string   `json:"failureReason,omitempty"`
	Cost              *float64  `json:"cost,omitempty"`
	CostCurrency      *string   `json:"costCurrency,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

type historyResponse struct {
	Notification notificationResponse `json:"notification"`
	Attempts     []attemptResponse    `json:"attempts"`
}

func (h *NotificationHandler) Enqueue(c *fiber.Ctx) error {
	var req enqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	in, err := requestToEnqueueInput(req)
	if err != nil {
		return toHTTPError(err)
	}

	created, err := h.service.Enqueue(c.UserContext(), in)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(created))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	history, err := h.service.History(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	attempts := make([]attemptResponse, 0, len(history.Attempts))
	for _, a := range history.Attempts {
		attempts = append(attempts, attemptResponse{
			ID:                a.ID,
			AttemptNumber:     a.AttemptNumber,
			Provider:          a.Provider,
			Outcome:           a.Outcome.String(),
			Retryable:         a.Retryable,
			ProviderMessageID: a.ProviderMessageID,
			FailureReason:     a.FailureReason,
			Cost:              a.Cost,
			CostCurrency:      a.CostCurrency,
			CreatedAt:         a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(historyResponse{
		Notification: toNotificationResponse(history.Request),
		Attempts:     attempts,
	})
}

func requestToEnqueueInput(req enqueueRequest) (service.EnqueueInput, error) {
	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return service.EnqueueInput{}, err
	}

	recipientType, err := domain.ParseRecipientTypeFromString(req.RecipientType)
	if err != nil {
		return service.EnqueueInput{}, err
	}

	recipient := strings.TrimSpace(req.Recipient)
	if recipientType != domain.RecipientAddress && strings.TrimSpace(req.RecipientID) != "" {
		recipient = strings.TrimSpace(req.RecipientID)
	}

	in := service.EnqueueInput{
		Channel:       channel,
		RecipientType: recipientType,
		Recipient:     recipient,
		TemplateKey:   strings.TrimSpace(req.TemplateKey),
		Variables:     stringifyVariables(req.Variables),
		Priority:      req.Priority,
	}

	if raw := strings.TrimSpace(req.ScheduledFor); raw != "" {
		scheduledFor, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return service.EnqueueInput{}, fmt.Errorf("%w: scheduledFor must be RFC3339", domain.ErrValidation)
		}
		in.ScheduledFor = &scheduledFor
	}

	return in, nil
}

// stringifyVariables flattens JSON scalars to their text form; nested values
// are rendered with fmt's default format.
func stringifyVariables(vars map[string]any) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		switch value := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = value
		default:
			out[k] = fmt.Sprint(value)
		}
	}
	return out
}

func toNotificationResponse(n *domain.NotificationRequest) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:                n.ID,
		Channel:           n.Channel.String(),
		RecipientType:     n.RecipientType.String(),
		RecipientRef:      n.RecipientRef,
		Recipient:         n.Recipient,
		TemplateKey:       n.TemplateKey,
		Subject:           n.Content.Subject,
		Body:              n.Content.Body,
		Priority:          n.Priority,
		Status:            n.Status.String(),
		AttemptCount:      n.AttemptCount,
		MaxAttempts:       n.MaxAttempts,
		NextAttemptAt:     n.NextAttemptAt,
		LeaseExpiresAt:    n.LeaseExpiresAt,
		ProviderMessageID: n.ProviderMessageID,
		LastError:         n.LastError,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
