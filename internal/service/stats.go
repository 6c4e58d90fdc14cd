package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

const (
	DefaultStatsWindow = 24 * time.Hour
	maxStatsWindow     = 90 * 24 * time.Hour
)

type QueueStats struct {
	From     time.Time
	To       time.Time
	Counts   domain.StatusCounts
	Total    int64
	Delivery []domain.ChannelDeliverySummary
}

// StatsService aggregates the queue and audit tables. It only reads.
type StatsService struct {
	requests repository.RequestRepository
	attempts repository.AttemptRepository
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewStatsService(
	requests repository.RequestRepository,
	attempts repository.AttemptRepository,
	logger *zap.Logger,
) (*StatsService, error) {
	if requests == nil || attempts == nil {
		return nil, fmt.Errorf("request and attempt repositories are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatsService{
		requests: requests,
		attempts: attempts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (s *StatsService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// QueueStats counts requests created in the last window, ending now.
func (s *StatsService) QueueStats(ctx context.Context, window time.Duration) (*QueueStats, error) {
	if window == 0 {
		window = DefaultStatsWindow
	}
	if window < 0 || window > maxStatsWindow {
		return nil, fmt.Errorf("%w: stats window must be between 0 and %s", domain.ErrValidation, maxStatsWindow)
	}

	to := s.now().UTC()
	w := repository.StatsWindow{From: to.Add(-window), To: to}

	counts, err := s.requests.CountByStatus(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}

	delivery, err := s.attempts.Summarize(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize delivery attempts: %w", err)
	}
	if delivery == nil {
		delivery = []domain.ChannelDeliverySummary{}
	}

	s.metrics.SetQueueRequests(domain.StatusPending.String(), counts.Pending)
	s.metrics.SetQueueRequests(domain.StatusProcessing.String(), counts.Processing)
	s.metrics.SetQueueRequests(domain.StatusSent.String(), counts.Sent)
	s.metrics.SetQueueRequests(domain.StatusFailed.String(), counts.Failed)
	s.metrics.SetQueueRequests(domain.StatusDead.String(), counts.Dead)

	s.logger.Debug("queue stats computed",
		zap.Time("from", w.From),
		zap.Int64("total", counts.Total()),
	)

	return &QueueStats{
		From:     w.From,
		To:       w.To,
		Counts:   counts,
		Total:    counts.Total(),
		Delivery: delivery,
	}, nil
}
