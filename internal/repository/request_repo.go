package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const leaseExpiredReason = "processing lease expired"

// ClaimParams bounds a single claim operation.
type ClaimParams struct {
	Limit int
	Now   time.Time
	Lease time.Duration
}

// Completion is the write that ends a claim: sent, dead, or back to pending.
type Completion struct {
	ID                string
	ClaimToken        string
	Status            domain.Status
	NextAttemptAt     time.Time
	ProviderMessageID *string
	LastError         *string
	At                time.Time
}

func (c Completion) validate() error {
	switch c.Status {
	case domain.StatusSent, domain.StatusDead, domain.StatusPending:
	default:
		return fmt.Errorf("%w: cannot complete claim with status %q", domain.ErrValidation, c.Status)
	}
	if c.ID == "" || c.ClaimToken == "" {
		return fmt.Errorf("%w: completion requires id and claim token", domain.ErrValidation)
	}
	return nil
}

// StatsWindow selects requests by created_at, both bounds inclusive.
type StatsWindow struct {
	From time.Time
	To   time.Time
}

// RequestRepository is the Queue Store. Only ClaimBatch and Complete mutate
// existing rows.
type RequestRepository interface {
	Create(ctx context.Context, n *domain.NotificationRequest) error
	GetByID(ctx context.Context, id string) (*domain.NotificationRequest, error)
	// ClaimBatch returns expired leases to the queue and then atomically moves
	// up to Limit eligible pending rows to processing. No two callers ever
	// receive the same row from one round of pending state.
	ClaimBatch(ctx context.Context, params ClaimParams) ([]domain.NotificationRequest, error)
	// Complete applies c only when the row is still processing under the same
	// claim token, otherwise it returns domain.ErrLeaseLost.
	Complete(ctx context.Context, c Completion) error
	CountByStatus(ctx context.Context, window StatsWindow) (domain.StatusCounts, error)
}

type GormRequestRepo struct {
	db *gorm.DB
}

func NewGormRequestRepo(db *gorm.DB) *GormRequestRepo {
	return &GormRequestRepo{db: db}
}

var _ RequestRepository = (*GormRequestRepo)(nil)

func (r *GormRequestRepo) Create(ctx context.Context, n *domain.NotificationRequest) error {
	model := requestModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if n != nil {
		*n = *requestModelToDomain(model)
	}
	return nil
}

func (r *GormRequestRepo) GetByID(ctx context.Context, id string) (*domain.NotificationRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	var model RequestModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return requestModelToDomain(&model), nil
}

const claimSQL = `
UPDATE notification_requests
SET status = ?, attempt_count = attempt_count + 1, claim_token = ?, lease_expires_at = ?, updated_at = ?
WHERE id IN (
	SELECT id FROM notification_requests
	WHERE status = ? AND next_attempt_at <= ?
	ORDER BY priority ASC, created_at ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

func (r *GormRequestRepo) ClaimBatch(ctx context.Context, params ClaimParams) ([]domain.NotificationRequest, error) {
	if params.Limit <= 0 {
		return nil, nil
	}

	if err := r.releaseExpired(ctx, params.Now); err != nil {
		return nil, fmt.Errorf("release expired leases: %w", err)
	}

	token := uuid.NewString()
	leaseUntil := params.Now.Add(params.Lease)

	var models []RequestModel
	err := r.db.WithContext(ctx).
		Raw(claimSQL,
			domain.StatusProcessing, token, leaseUntil, params.Now,
			domain.StatusPending, params.Now, params.Limit,
		).
		Scan(&models).Error
	if err != nil {
		return nil, fmt.Errorf("claim pending requests: %w", err)
	}

	return sortedClaim(models), nil
}

// releaseExpired moves processing rows whose lease has passed back to pending,
// or to dead when they have used every attempt.
func (r *GormRequestRepo) releaseExpired(ctx context.Context, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&RequestModel{}).
		Where("status = ? AND lease_expires_at <= ?", domain.StatusProcessing, now).
		Updates(map[string]any{
			"status":           gorm.Expr("CASE WHEN attempt_count >= max_attempts THEN ? ELSE ? END", domain.StatusDead, domain.StatusPending),
			"next_attempt_at":  now,
			"lease_expires_at": nil,
			"claim_token":      nil,
			"last_error":       leaseExpiredReason,
			"updated_at":       now,
		}).Error
}

// RETURNING carries no order, so claimed rows are sorted here.
func sortedClaim(models []RequestModel) []domain.NotificationRequest {
	sort.SliceStable(models, func(i, j int) bool {
		if models[i].Priority != models[j].Priority {
			return models[i].Priority < models[j].Priority
		}
		return models[i].CreatedAt.Before(models[j].CreatedAt)
	})

	requests := make([]domain.NotificationRequest, 0, len(models))
	for i := range models {
		requests = append(requests, *requestModelToDomain(&models[i]))
	}
	return requests
}

func (r *GormRequestRepo) Complete(ctx context.Context, c Completion) error {
	if err := c.validate(); err != nil {
		return err
	}

	updates := map[string]any{
		"status":           c.Status,
		"lease_expires_at": nil,
		"claim_token":      nil,
		"last_error":       c.LastError,
		"updated_at":       c.At,
	}
	if c.Status == domain.StatusPending {
		updates["next_attempt_at"] = c.NextAttemptAt
	}
	if c.ProviderMessageID != nil {
		updates["provider_message_id"] = *c.ProviderMessageID
	}

	result := r.db.WithContext(ctx).
		Model(&RequestModel{}).
		Where("id = ? AND status = ? AND claim_token = ?", c.ID, domain.StatusProcessing, c.ClaimToken).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

type statusCountRow struct {
	Status  domain.Status `gorm:"column:status"`
	Retried bool          `gorm:"column:retried"`
	Count   int64         `gorm:"column:count"`
}

func (r *GormRequestRepo) CountByStatus(ctx context.Context, window StatsWindow) (domain.StatusCounts, error) {
	var rows []statusCountRow
	err := r.db.WithContext(ctx).
		Model(&RequestModel{}).
		Select("status, (attempt_count > 0) AS retried, COUNT(*) AS count").
		Where("created_at >= ? AND created_at <= ?", window.From, window.To).
		Group("status, (attempt_count > 0)").
		Scan(&rows).Error
	if err != nil {
		return domain.StatusCounts{}, err
	}

	var counts domain.StatusCounts
	for _, row := range rows {
		addCount(&counts, row.Status, row.Retried, row.Count)
	}
	return counts, nil
}

// addCount buckets one group. Pending rows that already failed at least once
// are awaiting retry and are reported as failed.
func addCount(counts *domain.StatusCounts, status domain.Status, retried bool, n int64) {
	switch status {
	case domain.StatusPending:
		if retried {
			counts.Failed += n
		} else {
			counts.Pending += n
		}
	case domain.StatusProcessing:
		counts.Processing += n
	case domain.StatusSent:
		counts.Sent += n
	case domain.StatusFailed:
		counts.Failed += n
	case domain.StatusDead:
		counts.Dead += n
	}
}
