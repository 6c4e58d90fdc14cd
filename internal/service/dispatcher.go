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
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

const (
	defaultDispatchBatchSize = 50
	defaultDispatchLease     = 30 * time.Minute
	defaultSendTimeout       = 30 * time.Second

	deadCausePermanent = "permanent"
	deadCauseExhausted = "retries_exhausted"
)

// ProviderResolver returns the adapter for a channel, or nil.
type ProviderResolver interface {
	For(channel domain.Channel) provider.Provider
}

// OutcomePublisher receives every audit record written by the dispatcher
// together with the status the request moved to.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, record domain.DeliveryAttemptRecord, status domain.Status) error
}

type DispatcherConfig struct {
	BatchSize   int
	Lease       time.Duration
	PacingDelay time.Duration
	SendTimeout time.Duration
	Backoff     BackoffPolicy
}

func (c DispatcherConfig) normalized() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultDispatchBatchSize
	}
	if c.Lease <= 0 {
		c.Lease = defaultDispatchLease
	}
	if c.PacingDelay < 0 {
		c.PacingDelay = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	c.Backoff = c.Backoff.normalized()
	return c
}

// DispatchSummary reports one invocation. Total is the number of claimed
// requests, Processed the number whose provider response was written back.
type DispatchSummary struct {
	RunID     string
	Total     int
	Processed int
	Sent      int
	Failed    int
	Retried   int
	Dead      int
	LeaseLost int
	Errors    int
}

// Dispatcher drains one batch of due requests per Run call. It keeps no state
// between calls, so overlapping invocations are safe: exclusivity comes from
// the store's claim.
type Dispatcher struct {
	requests  repository.RequestRepository
	attempts  repository.AttemptRepository
	providers ProviderResolver
	limiter   ratelimit.Limiter
	publisher OutcomePublisher
	cfg       DispatcherConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(
	requests repository.RequestRepository,
	attempts repository.AttemptRepository,
	providers ProviderResolver,
	limiter ratelimit.Limiter,
	cfg DispatcherConfig,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if requests == nil || attempts == nil {
		return nil, fmt.Errorf("request and attempt repositories are required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		requests:  requests,
		attempts:  attempts,
		providers: providers,
		limiter:   limiter,
		cfg:       cfg.normalized(),
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

func (d *Dispatcher) SetPublisher(publisher OutcomePublisher) {
	if d == nil {
		return
	}
	d.publisher = publisher
}

// Run claims up to BatchSize due requests and delivers them one by one. A
// claim failure aborts the run with domain.ErrStoreUnavailable and nothing
// processed. Cancellation stops the loop; unfinished claims return to the
// queue when their lease expires.
func (d *Dispatcher) Run(ctx context.Context) (DispatchSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runID := uuid.NewString()
	ctx = observability.WithDispatchRunID(ctx, runID)
	logger := observability.WithContextLogger(d.logger, ctx)
	summary := DispatchSummary{RunID: runID}
	startedAt := d.now()

	claimed, err := d.requests.ClaimBatch(ctx, repository.ClaimParams{
		Limit: d.cfg.BatchSize,
		Now:   startedAt.UTC(),
		Lease: d.cfg.Lease,
	})
	if err != nil {
		d.metrics.IncDispatchRun("claim_error")
		logger.Error("dispatch claim failed", zap.Error(err))
		return summary, fmt.Errorf("%w: claim batch: %w", domain.ErrStoreUnavailable, err)
	}

	summary.Total = len(claimed)
	d.metrics.AddClaimed(len(claimed))

	for i := range claimed {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && d.cfg.PacingDelay > 0 {
			if err := d.sleep(ctx, d.cfg.PacingDelay); err != nil {
				break
			}
		}
		d.process(ctx, logger, claimed[i], &summary)
	}

	result := "ok"
	if ctx.Err() != nil {
		result = "cancelled"
	}
	d.metrics.IncDispatchRun(result)

	logger.Info("dispatch run finished",
		zap.String("result", result),
		zap.Int("total", summary.Total),
		zap.Int("processed", summary.Processed),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("retried", summary.Retried),
		zap.Int("dead", summary.Dead),
		zap.Int("leaseLost", summary.LeaseLost),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", d.now().Sub(startedAt)),
	)

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (d *Dispatcher) process(ctx context.Context, logger *zap.Logger, req domain.NotificationRequest, summary *DispatchSummary) {
	channel := req.Channel.String()
	logger = logger.With(
		zap.String("notificationId", req.ID),
		zap.String("channel", channel),
		zap.Int("attempt", req.AttemptCount),
	)

	adapter := d.providers.For(req.Channel)
	providerName := "none"
	if adapter != nil {
		providerName = adapter.Name()
	}

	if d.leaseExpired(req) {
		d.skipExpiredLease(logger, req, summary, "before rate limit wait")
		return
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, channel); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("rate limiter unavailable, sending without pacing", zap.Error(err))
		}
		if d.leaseExpired(req) {
			d.skipExpiredLease(logger, req, summary, "after rate limit wait")
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	sendStart := d.now()
	result := provider.Deliver(sendCtx, adapter, provider.Message{
		RequestID: req.ID,
		Channel:   req.Channel,
		Recipient: req.Recipient,
		Content:   req.Content,
	})
	cancel()
	d.metrics.ObserveProviderSend(channel, providerName, d.now().Sub(sendStart))
	d.metrics.IncDelivery(channel, providerName, result.Outcome.String())

	now := d.now().UTC()
	completion, deadCause := d.decide(req, result, now)
	record := attemptRecord(req, providerName, result, now)

	// Writes run detached from cancellation: the provider already answered.
	writeCtx := context.WithoutCancel(ctx)

	appended := true
	if err := d.attempts.Append(writeCtx, &record); err != nil {
		appended = false
		summary.Errors++
		logger.Error("failed to append delivery attempt", zap.Error(err))
	}

	if err := d.requests.Complete(writeCtx, completion); err != nil {
		d.recordCompletionFailure(logger, req, result, err, summary)
		return
	}

	summary.Processed++
	switch completion.Status {
	case domain.StatusSent:
		summary.Sent++
	case domain.StatusPending:
		summary.Failed++
		summary.Retried++
		d.metrics.IncRetryScheduled(channel)
		logger.Warn("delivery failed, retry scheduled",
			zap.String("reason", result.Reason),
			zap.Time("nextAttemptAt", completion.NextAttemptAt),
		)
	case domain.StatusDead:
		summary.Failed++
		summary.Dead++
		d.metrics.IncDeadLettered(channel, deadCause)
		logger.Warn("delivery failed, request dead-lettered",
			zap.String("reason", result.Reason),
			zap.String("cause", deadCause),
		)
	}

	if appended && d.publisher != nil {
		if err := d.publisher.PublishOutcome(writeCtx, record, completion.Status); err != nil {
			logger.Warn("failed to publish delivery outcome", zap.Error(err))
		}
	}
}

// leaseExpired reports whether the claim on req may already belong to
// another run. Such items are neither sent nor audited.
func (d *Dispatcher) leaseExpired(req domain.NotificationRequest) bool {
	if req.LeaseExpiresAt == nil {
		return false
	}
	return !d.now().Before(*req.LeaseExpiresAt)
}

func (d *Dispatcher) skipExpiredLease(logger *zap.Logger, req domain.NotificationRequest, summary *DispatchSummary, stage string) {
	summary.LeaseLost++
	d.metrics.IncLeaseLost(req.Channel.String())
	logger.Warn("claim lease expired, skipping send",
		zap.String("stage", stage),
		zap.Time("leaseExpiresAt", *req.LeaseExpiresAt),
	)
}

// decide maps a provider result to the write that ends the claim.
// AttemptCount already includes the current claim.
func (d *Dispatcher) decide(req domain.NotificationRequest, result provider.DeliveryResult, now time.Time) (repository.Completion, string) {
	completion := repository.Completion{
		ID: req.ID,
		At: now,
	}
	if req.ClaimToken != nil {
		completion.ClaimToken = *req.ClaimToken
	}

	if result.IsSuccess() {
		completion.Status = domain.StatusSent
		if id := strings.TrimSpace(result.MessageID); id != "" {
			completion.ProviderMessageID = &id
		}
		return completion, ""
	}

	reason := result.Reason
	completion.LastError = &reason

	if !result.Retryable {
		completion.Status = domain.StatusDead
		return completion, deadCausePermanent
	}
	if req.AttemptCount >= req.MaxAttempts {
		completion.Status = domain.StatusDead
		return completion, deadCauseExhausted
	}

	completion.Status = domain.StatusPending
	completion.NextAttemptAt = now.Add(d.cfg.Backoff.Delay(req.AttemptCount))
	return completion, ""
}

func (d *Dispatcher) recordCompletionFailure(
	logger *zap.Logger,
	req domain.NotificationRequest,
	result provider.DeliveryResult,
	err error,
	summary *DispatchSummary,
) {
	channel := req.Channel.String()
	leaseLost := errors.Is(err, domain.ErrLeaseLost)
	if leaseLost {
		summary.LeaseLost++
		d.metrics.IncLeaseLost(channel)
	} else {
		summary.Errors++
	}

	if result.IsSuccess() {
		d.metrics.IncDuplicateRisk(channel)
		logger.Error("notification sent but status write failed",
			zap.Bool("duplicateRisk", true),
			zap.Bool("leaseLost", leaseLost),
			zap.String("providerMessageId", result.MessageID),
			zap.Error(err),
		)
		return
	}

	if leaseLost {
		logger.Warn("claim lease lost before status write", zap.Error(err))
		return
	}
	logger.Error("failed to write delivery status", zap.Error(err))
}

func attemptRecord(req domain.NotificationRequest, providerName string, result provider.DeliveryResult, now time.Time) domain.DeliveryAttemptRecord {
	record := domain.DeliveryAttemptRecord{
		ID:            uuid.NewString(),
		RequestID:     req.ID,
		Channel:       req.Channel,
		Recipient:     req.Recipient,
		Provider:      providerName,
		AttemptNumber: req.AttemptCount,
		Outcome:       result.Outcome,
		Retryable:     result.Retryable,
		CreatedAt:     now,
	}

	if result.IsSuccess() {
		if id := strings.TrimSpace(result.MessageID); id != "" {
			record.ProviderMessageID = &id
		}
		if result.Cost != nil {
			cost := *result.Cost
			record.Cost = &cost
			if currency := strings.TrimSpace(result.Currency); currency != "" {
				record.CostCurrency = &currency
			}
		}
		return record
	}

	reason := result.Reason
	record.FailureReason = &reason
	return record
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
