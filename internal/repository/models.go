package repository

import (
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// RequestModel is the persistence model for the notification_requests table.
type RequestModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	Channel           domain.Channel       `gorm:"type:varchar(10);not null"`
	RecipientType     domain.RecipientType `gorm:"type:varchar(20);not null"`
	RecipientRef      *string              `gorm:"type:varchar(255)"`
	Recipient         string               `gorm:"type:varchar(255);not null"`
	TemplateKey       string               `gorm:"type:varchar(100);not null"`
	Subject           string               `gorm:"type:text;not null;default:''"`
	Body              string               `gorm:"type:text;not null"`
	Priority          int                  `gorm:"not null;default:5"`
	Status            domain.Status        `gorm:"type:varchar(20);not null"`
	AttemptCount      int                  `gorm:"not null;default:0"`
	MaxAttempts       int                  `gorm:"not null;default:3"`
	NextAttemptAt     time.Time            `gorm:"type:timestamptz;not null"`
	LeaseExpiresAt    *time.Time           `gorm:"type:timestamptz"`
	ClaimToken        *string              `gorm:"type:uuid"`
	ProviderMessageID *string              `gorm:"type:varchar(255)"`
	LastError         *string              `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (RequestModel) TableName() string {
	return "notification_requests"
}

// AttemptRecordModel is the persistence model for the delivery_attempts table.
type AttemptRecordModel struct {
	ID                string         `gorm:"type:uuid;primaryKey"`
	RequestID         string         `gorm:"type:uuid;not null"`
	Channel           domain.Channel `gorm:"type:varchar(10);not null"`
	Recipient         string         `gorm:"type:varchar(255);not null"`
	Provider          string         `gorm:"type:varchar(50);not null"`
	AttemptNumber     int            `gorm:"not null"`
	Outcome           domain.Outcome `gorm:"type:varchar(10);not null"`
	ProviderMessageID *string        `gorm:"type:varchar(255)"`
	FailureReason     *string        `gorm:"type:text"`
	Retryable         bool           `gorm:"not null;default:false"`
	Cost              *float64       `gorm:"type:numeric(12,5)"`
	CostCurrency      *string        `gorm:"type:varchar(3)"`
	CreatedAt         time.Time
}

func (AttemptRecordModel) TableName() string {
	return "delivery_attempts"
}

func requestModelFromDomain(n *domain.NotificationRequest) *RequestModel {
	if n == nil {
		return nil
	}

	return &RequestModel{
		ID:                n.ID,
		Channel:           n.Channel,
		RecipientType:     n.RecipientType,
		RecipientRef:      n.RecipientRef,
		Recipient:         n.Recipient,
		TemplateKey:       n.TemplateKey,
		Subject:           n.Content.Subject,
		Body:              n.Content.Body,
		Priority:          n.Priority,
		Status:            n.Status,
		AttemptCount:      n.AttemptCount,
		MaxAttempts:       n.MaxAttempts,
		NextAttemptAt:     n.NextAttemptAt,
		LeaseExpiresAt:    n.LeaseExpiresAt,
		ClaimToken:        n.ClaimToken,
		ProviderMessageID: n.ProviderMessageID,
		LastError:         n.LastError,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func requestModelToDomain(m *RequestModel) *domain.NotificationRequest {
	if m == nil {
		return nil
	}

	return &domain.NotificationRequest{
		ID:                m.ID,
		Channel:           m.Channel,
		RecipientType:     m.RecipientType,
		RecipientRef:      m.RecipientRef,
		Recipient:         m.Recipient,
		TemplateKey:       m.TemplateKey,
		Content:           domain.Content{Subject: m.Subject, Body: m.Body},
		Priority:          m.Priority,
		Status:            m.Status,
		AttemptCount:      m.AttemptCount,
		MaxAttempts:       m.MaxAttempts,
		NextAttemptAt:     m.NextAttemptAt,
		LeaseExpiresAt:    m.LeaseExpiresAt,
		ClaimToken:        m.ClaimToken,
		ProviderMessageID: m.ProviderMessageID,
		LastError:         m.LastError,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttemptRecord) *AttemptRecordModel {
	if a == nil {
		return nil
	}

	return &AttemptRecordModel{
		ID:                a.ID,
		RequestID:         a.RequestID,
		Channel:           a.Channel,
		Recipient:         a.Recipient,
		Provider:          a.Provider,
		AttemptNumber:     a.AttemptNumber,
		Outcome:           a.Outcome,
		ProviderMessageID: a.ProviderMessageID,
		FailureReason:     a.FailureReason,
		Retryable:         a.Retryable,
		Cost:              a.Cost,
		CostCurrency:      a.CostCurrency,
		CreatedAt:         a.CreatedAt,
	}
}

func attemptModelToDomain(m *AttemptRecordModel) *domain.DeliveryAttemptRecord {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttemptRecord{
		ID:                m.ID,
		RequestID:         m.RequestID,
		Channel:           m.Channel,
		Recipient:         m.Recipient,
		Provider:          m.Provider,
		AttemptNumber:     m.AttemptNumber,
		Outcome:           m.Outcome,
		ProviderMessageID: m.ProviderMessageID,
		FailureReason:     m.FailureReason,
		Retryable:         m.Retryable,
		Cost:              m.Cost,
		CostCurrency:      m.CostCurrency,
		CreatedAt:         m.CreatedAt,
	}
}
