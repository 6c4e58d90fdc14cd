package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// AttemptRepository is the append-only Audit Log. It exposes no update or
// delete operation.
type AttemptRepository interface {
	Append(ctx context.Context, a *domain.DeliveryAttemptRecord) error
	ListByRequestID(ctx context.Context, requestID string) ([]domain.DeliveryAttemptRecord, error)
	Summarize(ctx context.Context, window StatsWindow) ([]domain.ChannelDeliverySummary, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

var _ AttemptRepository = (*GormAttemptRepo)(nil)

func (r *GormAttemptRepo) Append(ctx context.Context, a *domain.DeliveryAttemptRecord) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

func (r *GormAttemptRepo) ListByRequestID(ctx context.Context, requestID string) ([]domain.DeliveryAttemptRecord, error) {
	var models []AttemptRecordModel
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("attempt_number ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttemptRecord, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

type summaryRow struct {
	Channel   domain.Channel `gorm:"column:channel"`
	Attempts  int64          `gorm:"column:attempts"`
	Successes int64          `gorm:"column:successes"`
	Failures  int64          `gorm:"column:failures"`
	TotalCost float64        `gorm:"column:total_cost"`
}

func (r *GormAttemptRepo) Summarize(ctx context.Context, window StatsWindow) ([]domain.ChannelDeliverySummary, error) {
	var rows []summaryRow
	err := r.db.WithContext(ctx).
		Model(&AttemptRecordModel{}).
		Select(
			"channel, COUNT(*) AS attempts, "+
				"SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END) AS successes, "+
				"SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END) AS failures, "+
				"COALESCE(SUM(cost), 0) AS total_cost",
			domain.OutcomeSuccess, domain.OutcomeFailure,
		).
		Where("created_at >= ? AND created_at <= ?", window.From, window.To).
		Group("channel").
		Order("channel ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summaries := make([]domain.ChannelDeliverySummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, domain.ChannelDeliverySummary(row))
	}
	return summaries, nil
}

func windowContains(w StatsWindow, t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}
