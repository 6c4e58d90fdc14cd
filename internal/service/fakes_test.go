package service

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

type fakeRequestRepo struct {
	createFn        func(ctx context.Context, n *domain.NotificationRequest) error
	getByIDFn       func(ctx context.Context, id string) (*domain.NotificationRequest, error)
	claimBatchFn    func(ctx context.Context, params repository.ClaimParams) ([]domain.NotificationRequest, error)
	completeFn      func(ctx context.Context, c repository.Completion) error
	countByStatusFn func(ctx context.Context, window repository.StatsWindow) (domain.StatusCounts, error)
}

func (f *fakeRequestRepo) Create(ctx context.Context, n *domain.NotificationRequest) error {
	if f.createFn != nil {
		return f.createFn(ctx, n)
	}
	return nil
}

func (f *fakeRequestRepo) GetByID(ctx context.Context, id string) (*domain.NotificationRequest, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRequestRepo) ClaimBatch(ctx context.Context, params repository.ClaimParams) ([]domain.NotificationRequest, error) {
	if f.claimBatchFn != nil {
		return f.claimBatchFn(ctx, params)
	}
	return nil, nil
}

func (f *fakeRequestRepo) Complete(ctx context.Context, c repository.Completion) error {
	if f.completeFn != nil {
		return f.completeFn(ctx, c)
	}
	return nil
}

func (f *fakeRequestRepo) CountByStatus(ctx context.Context, window repository.StatsWindow) (domain.StatusCounts, error) {
	if f.countByStatusFn != nil {
		return f.countByStatusFn(ctx, window)
	}
	return domain.StatusCounts{}, nil
}

type fakeAttemptRepo struct {
	appendFn          func(ctx context.Context, a *domain.DeliveryAttemptRecord) error
	listByRequestIDFn func(ctx context.Context, requestID string) ([]domain.DeliveryAttemptRecord, error)
	summarizeFn       func(ctx context.Context, window repository.StatsWindow) ([]domain.ChannelDeliverySummary, error)
}

func (f *fakeAttemptRepo) Append(ctx context.Context, a *domain.DeliveryAttemptRecord) error {
	if f.appendFn != nil {
		return f.appendFn(ctx, a)
	}
	return nil
}

func (f *fakeAttemptRepo) ListByRequestID(ctx context.Context, requestID string) ([]domain.DeliveryAttemptRecord, error) {
	if f.listByRequestIDFn != nil {
		return f.listByRequestIDFn(ctx, requestID)
	}
	return nil, nil
}

func (f *fakeAttemptRepo) Summarize(ctx context.Context, window repository.StatsWindow) ([]domain.ChannelDeliverySummary, error) {
	if f.summarizeFn != nil {
		return f.summarizeFn(ctx, window)
	}
	return nil, nil
}

type fakeProvider struct {
	name    string
	channel domain.Channel
	sendFn  func(ctx context.Context, msg provider.Message) (*provider.Receipt, error)
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) Channel() domain.Channel { return f.channel }

func (f *fakeProvider) Send(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return &provider.Receipt{MessageID: "fake-id"}, nil
}

func (f *fakeProvider) TestConfiguration(ctx context.Context) provider.Health {
	return provider.Health{Provider: f.name, Channel: f.channel, Healthy: true}
}

type fakeProviders map[domain.Channel]provider.Provider

func (f fakeProviders) For(channel domain.Channel) provider.Provider {
	return f[channel]
}

type fakeResolver struct {
	resolveFn func(ctx context.Context, recipientType domain.RecipientType, id string, channel domain.Channel) (string, error)
}

func (f *fakeResolver) Resolve(ctx context.Context, recipientType domain.RecipientType, id string, channel domain.Channel) (string, error) {
	return f.resolveFn(ctx, recipientType, id, channel)
}

type fakeLimiter struct {
	waitFn func(ctx context.Context, key string) error
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (f *fakeLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

type publishedOutcome struct {
	record domain.DeliveryAttemptRecord
	status domain.Status
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedOutcome
	err       error
}

func (f *fakePublisher) PublishOutcome(ctx context.Context, record domain.DeliveryAttemptRecord, status domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedOutcome{record: record, status: status})
	return f.err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}
