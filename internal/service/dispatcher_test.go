package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

var testDispatchConfig = DispatcherConfig{
	BatchSize:   50,
	Lease:       5 * time.Minute,
	PacingDelay: 100 * time.Millisecond,
	SendTimeout: time.Second,
	Backoff:     BackoffPolicy{Base: time.Minute, Max: time.Hour},
}

func newTestDispatcher(t *testing.T, requests repository.RequestRepository, attempts repository.AttemptRepository, providers ProviderResolver, clock *testClock) *Dispatcher {
	t.Helper()

	d, err := NewDispatcher(requests, attempts, providers, nil, testDispatchConfig, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = clock.Now
	d.sleep = noSleep
	return d
}

func enqueueSMS(t *testing.T, svc *NotificationService, priority int) *domain.NotificationRequest {
	t.Helper()

	created, err := svc.Enqueue(context.Background(), EnqueueInput{
		Channel:     domain.ChannelSMS,
		Recipient:   "+46701234567",
		TemplateKey: "team_arrival_sms",
		Variables:   map[string]string{"eta": "15"},
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return created
}

func mustGet(t *testing.T, store *repository.MemoryStore, id string) *domain.NotificationRequest {
	t.Helper()

	n, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	return n
}

func mustAttempts(t *testing.T, store *repository.MemoryStore, id string) []domain.DeliveryAttemptRecord {
	t.Helper()

	records, err := store.ListByRequestID(context.Background(), id)
	if err != nil {
		t.Fatalf("ListByRequestID() error = %v", err)
	}
	return records
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryStore()
	if _, err := NewDispatcher(nil, store, fakeProviders{}, nil, DispatcherConfig{}, nil); err == nil {
		t.Fatal("NewDispatcher() error = nil, want missing repository error")
	}
	if _, err := NewDispatcher(store, store, nil, nil, DispatcherConfig{}, nil); err == nil {
		t.Fatal("NewDispatcher() error = nil, want missing providers error")
	}

	d, err := NewDispatcher(store, store, fakeProviders{}, nil, DispatcherConfig{PacingDelay: -1}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	if d.cfg.BatchSize != defaultDispatchBatchSize {
		t.Fatalf("batch size = %d, want %d", d.cfg.BatchSize, defaultDispatchBatchSize)
	}
	if d.cfg.Lease != defaultDispatchLease {
		t.Fatalf("lease = %s, want %s", d.cfg.Lease, defaultDispatchLease)
	}
	if d.cfg.PacingDelay != 0 {
		t.Fatalf("pacing delay = %s, want 0", d.cfg.PacingDelay)
	}
}

func TestDispatchSuccessMarksSent(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)

	created, err := svc.Enqueue(context.Background(), EnqueueInput{
		Channel:     domain.ChannelEmail,
		Recipient:   "anna@x.se",
		TemplateKey: "booking_confirmation",
		Variables:   map[string]string{"name": "Anna"},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var sent []provider.Message
	email := &fakeProvider{
		name:    "sendgrid",
		channel: domain.ChannelEmail,
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			sent = append(sent, msg)
			cost := 0.0008
			return &provider.Receipt{MessageID: "m1", Cost: &cost, Currency: "USD"}, nil
		},
	}
	d := newTestDispatcher(t, store, store, fakeProviders{domain.ChannelEmail: email}, clock)
	publisher := &fakePublisher{}
	d.SetPublisher(publisher)

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Total != 1 || summary.Processed != 1 || summary.Sent != 1 || summary.Failed != 0 {
		t.Fatalf("Run() summary = %+v, want one sent", summary)
	}
	if summary.RunID == "" {
		t.Fatal("summary run id should be set")
	}

	if len(sent) != 1 {
		t.Fatalf("Send() calls = %d, want 1", len(sent))
	}
	if sent[0].Recipient != "anna@x.se" || sent[0].RequestID != created.ID {
		t.Fatalf("Send() message = %+v, want request for anna@x.se", sent[0])
	}
	if sent[0].Content.Subject != "Your booking is confirmed" || !strings.HasPrefix(sent[0].Content.Body, "Hi Anna,") {
		t.Fatalf("Send() content = %+v, want rendered booking confirmation", sent[0].Content)
	}

	stored := mustGet(t, store, created.ID)
	if stored.Status != domain.StatusSent {
		t.Fatalf("status = %s, want sent", stored.Status)
	}
	if stored.ProviderMessageID == nil || *stored.ProviderMessageID != "m1" {
		t.Fatalf("providerMessageId = %v, want m1", stored.ProviderMessageID)
	}

	records := mustAttempts(t, store, created.ID)
	if len(records) != 1 {
		t.Fatalf("attempt records = %d, want 1", len(records))
	}
	record := records[0]
	if record.Outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", record.Outcome)
	}
	if record.ProviderMessageID == nil || *record.ProviderMessageID != "m1" {
		t.Fatalf("record providerMessageId = %v, want m1", record.ProviderMessageID)
	}
	if record.Provider != "sendgrid" || record.AttemptNumber != 1 {
		t.Fatalf("record = %+v, want sendgrid attempt 1", record)
	}
	if record.Cost == nil || *record.Cost != 0.0008 || record.CostCurrency == nil || *record.CostCurrency != "USD" {
		t.Fatalf("record cost = %v %v, want 0.0008 USD", record.Cost, record.CostCurrency)
	}

	if len(publisher.published) != 1 || publisher.published[0].status != domain.StatusSent {
		t.Fatalf("published = %+v, want one sent outcome", publisher.published)
	}

	again, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if again.Total != 0 {
		t.Fatalf("second Run() total = %d, want 0", again.Total)
	}
}

func TestDispatchRetryThenSuccess(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)
	created := enqueueSMS(t, svc, 0)

	calls := 0
	sms := &fakeProvider{
		name:    "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			calls++
			if calls == 1 {
				return nil, &provider.ProviderError{Provider: "twilio", StatusCode: 429, Message: "rate_limited", Transient: true}
			}
			return &provider.Receipt{MessageID: "SM1"}, nil
		},
	}
	d := newTestDispatcher(t, store, store, fakeProviders{domain.ChannelSMS: sms}, clock)

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Failed != 1 || summary.Retried != 1 || summary.Processed != 1 {
		t.Fatalf("Run() summary = %+v, want one retried", summary)
	}

	stored := mustGet(t, store, created.ID)
	if stored.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", stored.Status)
	}
	if stored.AttemptCount != 1 {
		t.Fatalf("attemptCount = %d, want 1", stored.AttemptCount)
	}
	if !stored.NextAttemptAt.After(clock.Now()) {
		t.Fatalf("nextAttemptAt = %s, want after %s", stored.NextAttemptAt, clock.Now())
	}
	if stored.LastError == nil || *stored.LastError != "rate_limited" {
		t.Fatalf("lastError = %v, want rate_limited", stored.LastError)
	}

	early, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if early.Total != 0 {
		t.Fatalf("Run() before backoff total = %d, want 0", early.Total)
	}

	clock.Advance(testDispatchConfig.Backoff.Base)
	summary, err = d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Sent != 1 {
		t.Fatalf("Run() summary = %+v, want one sent", summary)
	}

	stored = mustGet(t, store, created.ID)
	if stored.Status != domain.StatusSent {
		t.Fatalf("status = %s, want sent", stored.Status)
	}

	records := mustAttempts(t, store, created.ID)
	if len(records) != 2 {
		t.Fatalf("attempt records = %d, want 2", len(records))
	}
	if records[0].Outcome != domain.OutcomeFailure || !records[0].Retryable || records[0].AttemptNumber != 1 {
		t.Fatalf("first record = %+v, want retryable failure attempt 1", records[0])
	}
	if records[1].Outcome != domain.OutcomeSuccess || records[1].AttemptNumber != 2 {
		t.Fatalf("second record = %+v, want success attempt 2", records[1])
	}
	if len(records) != stored.AttemptCount {
		t.Fatalf("attempt records = %d, want attemptCount %d", len(records), stored.AttemptCount)
	}
}

func TestDispatchRetriesExhaustedBecomesDead(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)
	created := enqueueSMS(t, svc, 0)

	sms := &fakeProvider{
		name:    "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			return nil, errors.New("connection reset")
		},
	}
	d := newTestDispatcher(t, store, store, fakeProviders{domain.ChannelSMS: sms}, clock)

	var previousNext time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		summary, err := d.Run(context.Background())
		if err != nil {
			t.Fatalf("attempt %d: Run() error = %v", attempt, err)
		}
		if summary.Total != 1 {
			t.Fatalf("attempt %d: total = %d, want 1", attempt, summary.Total)
		}

		stored := mustGet(t, store, created.ID)
		if attempt < 3 {
			if stored.Status != domain.StatusPending {
				t.Fatalf("attempt %d: status = %s, want pending", attempt, stored.Status)
			}
			if stored.NextAttemptAt.Before(previousNext) {
				t.Fatalf("attempt %d: nextAttemptAt %s decreased from %s", attempt, stored.NextAttemptAt, previousNext)
			}
			previousNext = stored.NextAttemptAt
			clock.Advance(stored.NextAttemptAt.Sub(clock.Now()))
			continue
		}

		if stored.Status != domain.StatusDead {
			t.Fatalf("status = %s, want dead", stored.Status)
		}
		if summary.Dead != 1 {
			t.Fatalf("Run() summary = %+v, want one dead", summary)
		}
	}

	if got := len(mustAttempts(t, store, created.ID)); got != 3 {
		t.Fatalf("attempt records = %d, want 3", got)
	}

	clock.Advance(24 * time.Hour)
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Total != 0 {
		t.Fatalf("Run() after dead total = %d, want 0", summary.Total)
	}
}

func TestDispatchPermanentFailureIsDeadImmediately(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)
	created := enqueueSMS(t, svc, 0)

	sms := &fakeProvider{
		name:    "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			return nil, &provider.ProviderError{Provider: "twilio", StatusCode: 400, Message: "invalid_number", Transient: false}
		},
	}
	d := newTestDispatcher(t, store, store, fakeProviders{domain.ChannelSMS: sms}, clock)

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Dead != 1 || summary.Failed != 1 || summary.Retried != 0 {
		t.Fatalf("Run() summary = %+v, want one dead", summary)
	}

	stored := mustGet(t, store, created.ID)
	if stored.Status != domain.StatusDead {
		t.Fatalf("status = %s, want dead", stored.Status)
	}

	records := mustAttempts(t, store, created.ID)
	if len(records) != 1 {
		t.Fatalf("attempt records = %d, want 1", len(records))
	}
	if records[0].Retryable {
		t.Fatal("record should not be retryable")
	}
	if records[0].FailureReason == nil || *records[0].FailureReason != "invalid_number" {
		t.Fatalf("failure reason = %v, want invalid_number", records[0].FailureReason)
	}
}

func TestDispatchConcurrentRunsAreDisjoint(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)
	for i := 0; i < 10; i++ {
		enqueueSMS(t, svc, 0)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	sms := &fakeProvider{
		name:    "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			mu.Lock()
			seen[msg.RequestID]++
			mu.Unlock()
			return &provider.Receipt{MessageID: "SM-" + msg.RequestID}, nil
		},
	}
	d := newTestDispatcher(t, store, store, fakeProviders{domain.ChannelSMS: sms}, clock)

	summaries := make([]DispatchSummary, 2)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range summaries {
		g.Go(func() error {
			summary, err := d.Run(ctx)
			summaries[i] = summary
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	total := summaries[0].Total + summaries[1].Total
	if total != 10 {
		t.Fatalf("total claimed = %d, want 10", total)
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("request %s sent %d times, want 1", id, count)
		}
	}
	if len(seen) != 10 {
		t.Fatalf("distinct requests sent = %d, want 10", len(seen))
	}
}

func TestDispatchProcessesInClaimOrderWithPacing(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)

	low := enqueueSMS(t, svc, 9)
	clock.Advance(time.Second)
	high := enqueueSMS(t, svc, 1)
	clock.Advance(time.Second)
	mid := enqueueSMS(t, svc, 5)

	var order []string
	sms := &fakeProvider{
		name:    "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			order = append(order, msg.RequestID)
			return &provider.Receipt{MessageID: "ok"}, nil
		},
	}

	waits := 0
	limiter := &fakeLimiter{
		waitFn: func(ctx context.Context, key string) error {
			if key != "sms" {
				t.Fatalf("Wait() key = %q, want sms", key)
			}
			waits++
			return nil
		},
	}

	d, err := NewDispatcher(store, store, fakeProviders{domain.ChannelSMS: sms}, limiter, testDispatchConfig, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = clock.Now

	var sleeps []time.Duration
	d.sleep = func(ctx context.Context, delay time.Duration) error {
		sleeps = append(sleeps, delay)
		return nil
	}

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{high.ID, mid.ID, low.ID}
	if len(order) != len(want) {
		t.Fatalf("send order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("send order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
	if len(sleeps) != 2 {
		t.Fatalf("pacing sleeps = %d, want 2", len(sleeps))
	}
	for _, s := range sleeps {
		if s != testDispatchConfig.PacingDelay {
			t.Fatalf("pacing sleep = %s, want %s", s, testDispatchConfig.PacingDelay)
		}
	}
	if waits != 3 {
		t.Fatalf("limiter waits = %d, want 3", waits)
	}
}

func TestDispatchLimiterErrorStillSends(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)
	created := enqueueSMS(t, svc, 0)

	limiter := &fakeLimiter{
		waitFn: func(ctx context.Context, key string) error {
			return errors.New("redis unavailable")
		},
	}
	sms := &fakeProvider{name: "twilio", channel: domain.ChannelSMS}

	d, err := NewDispatcher(store, store, fakeProviders{domain.ChannelSMS: sms}, limiter, testDispatchConfig, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = clock.Now
	d.sleep = noSleep

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Sent != 1 {
		t.Fatalf("Run() summary = %+v, want one sent", summary)
	}
	if got := mustGet(t, store, created.ID).Status; got != domain.StatusSent {
		t.Fatalf("status = %s, want sent", got)
	}
}

func TestDispatchMissingProviderIsRetryable(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)
	created := enqueueSMS(t, svc, 0)

	d := newTestDispatcher(t, store, store, fakeProviders{}, clock)

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Retried != 1 {
		t.Fatalf("Run() summary = %+v, want one retried", summary)
	}

	records := mustAttempts(t, store, created.ID)
	if len(records) != 1 || records[0].Provider != "none" || !records[0].Retryable {
		t.Fatalf("records = %+v, want one retryable record from provider none", records)
	}
}

func TestDispatchClaimErrorReportsStoreUnavailable(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	sent := false
	requests := &fakeRequestRepo{
		claimBatchFn: func(ctx context.Context, params repository.ClaimParams) ([]domain.NotificationRequest, error) {
			if params.Limit != testDispatchConfig.BatchSize {
				t.Fatalf("claim limit = %d, want %d", params.Limit, testDispatchConfig.BatchSize)
			}
			return nil, errors.New("connection refused")
		},
	}
	sms := &fakeProvider{
		name:    "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			sent = true
			return &provider.Receipt{}, nil
		},
	}
	d := newTestDispatcher(t, requests, &fakeAttemptRepo{}, fakeProviders{domain.ChannelSMS: sms}, clock)

	summary, err := d.Run(context.Background())
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("Run() error = %v, want ErrStoreUnavailable", err)
	}
	if summary.Processed != 0 || summary.Total != 0 {
		t.Fatalf("Run() summary = %+v, want zero processed", summary)
	}
	if sent {
		t.Fatal("no send should happen when claim fails")
	}
}

func claimedRequest(id string) domain.NotificationRequest {
	token := "token-" + id
	return domain.NotificationRequest{
		ID:           id,
		Channel:      domain.ChannelSMS,
		Recipient:    "+46701234567",
		Content:      domain.Content{Body: "hello"},
		Priority:     domain.DefaultPriority,
		Status:       domain.StatusProcessing,
		AttemptCount: 1,
		MaxAttempts:  3,
		ClaimToken:   &token,
	}
}

func TestDispatchStatusWriteFailureAfterSendLogsDuplicateRisk(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	core, recorded := observer.New(zapcore.InfoLevel)

	appended := 0
	requests := &fakeRequestRepo{
		claimBatchFn: func(ctx context.Context, params repository.ClaimParams) ([]domain.NotificationRequest, error) {
			return []domain.NotificationRequest{claimedRequest("req-1")}, nil
		},
		completeFn: func(ctx context.Context, c repository.Completion) error {
			if c.ClaimToken != "token-req-1" {
				t.Fatalf("completion token = %q, want token-req-1", c.ClaimToken)
			}
			return errors.New("write timeout")
		},
	}
	attempts := &fakeAttemptRepo{
		appendFn: func(ctx context.Context, a *domain.DeliveryAttemptRecord) error {
			appended++
			return nil
		},
	}
	sms := &fakeProvider{name: "twilio", channel: domain.ChannelSMS}

	d, err := NewDispatcher(requests, attempts, fakeProviders{domain.ChannelSMS: sms}, nil, testDispatchConfig, zap.New(core))
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = clock.Now
	d.sleep = noSleep

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Errors != 1 || summary.Processed != 0 || summary.Sent != 0 {
		t.Fatalf("Run() summary = %+v, want one error and nothing processed", summary)
	}
	if appended != 1 {
		t.Fatalf("appended records = %d, want 1", appended)
	}

	entries := recorded.FilterMessage("notification sent but status write failed").All()
	if len(entries) != 1 {
		t.Fatalf("duplicate risk log entries = %d, want 1", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("log level = %s, want error", entries[0].Level)
	}
	if got, ok := entries[0].ContextMap()["duplicateRisk"].(bool); !ok || !got {
		t.Fatalf("duplicateRisk field = %v, want true", entries[0].ContextMap()["duplicateRisk"])
	}
}

func TestDispatchLeaseLost(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	requests := &fakeRequestRepo{
		claimBatchFn: func(ctx context.Context, params repository.ClaimParams) ([]domain.NotificationRequest, error) {
			return []domain.NotificationRequest{claimedRequest("req-1")}, nil
		},
		completeFn: func(ctx context.Context, c repository.Completion) error {
			return domain.ErrLeaseLost
		},
	}
	sms := &fakeProvider{
		name:    "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			return nil, &provider.ProviderError{Message: "busy", Transient: true}
		},
	}
	publisher := &fakePublisher{}
	d := newTestDispatcher(t, requests, &fakeAttemptRepo{}, fakeProviders{domain.ChannelSMS: sms}, clock)
	d.SetPublisher(publisher)

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.LeaseLost != 1 || summary.Errors != 0 || summary.Processed != 0 {
		t.Fatalf("Run() summary = %+v, want one lease lost", summary)
	}
	if len(publisher.published) != 0 {
		t.Fatalf("published = %d, want 0 after lease loss", len(publisher.published))
	}
}

func TestDispatchAuditFailureStillWritesStatus(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	var completed *repository.Completion
	requests := &fakeRequestRepo{
		claimBatchFn: func(ctx context.Context, params repository.ClaimParams) ([]domain.NotificationRequest, error) {
			return []domain.NotificationRequest{claimedRequest("req-1")}, nil
		},
		completeFn: func(ctx context.Context, c repository.Completion) error {
			completed = &c
			return nil
		},
	}
	attempts := &fakeAttemptRepo{
		appendFn: func(ctx context.Context, a *domain.DeliveryAttemptRecord) error {
			return errors.New("disk full")
		},
	}
	sms := &fakeProvider{name: "twilio", channel: domain.ChannelSMS}
	d := newTestDispatcher(t, requests, attempts, fakeProviders{domain.ChannelSMS: sms}, clock)

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Sent != 1 || summary.Errors != 1 {
		t.Fatalf("Run() summary = %+v, want one sent and one error", summary)
	}
	if completed == nil || completed.Status != domain.StatusSent {
		t.Fatalf("completion = %+v, want sent", completed)
	}
}

func TestDispatchCancelledRunStopsBetweenItems(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)
	first := enqueueSMS(t, svc, 1)
	second := enqueueSMS(t, svc, 2)

	ctx, cancel := context.WithCancel(context.Background())
	sms := &fakeProvider{
		name:    "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(sendCtx context.Context, msg provider.Message) (*provider.Receipt, error) {
			cancel()
			return &provider.Receipt{MessageID: "ok"}, nil
		},
	}
	d := newTestDispatcher(t, store, store, fakeProviders{domain.ChannelSMS: sms}, clock)

	summary, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary.Total != 2 || summary.Sent != 1 {
		t.Fatalf("Run() summary = %+v, want two claimed and one sent", summary)
	}
	if got := mustGet(t, store, first.ID).Status; got != domain.StatusSent {
		t.Fatalf("first status = %s, want sent", got)
	}
	if got := mustGet(t, store, second.ID).Status; got != domain.StatusProcessing {
		t.Fatalf("second status = %s, want processing until lease expiry", got)
	}

	clock.Advance(testDispatchConfig.Lease)
	summary, err = d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Sent != 1 {
		t.Fatalf("Run() after lease expiry summary = %+v, want one sent", summary)
	}
	if got := mustGet(t, store, second.ID).AttemptCount; got != 2 {
		t.Fatalf("second attemptCount = %d, want 2", got)
	}
}

func TestDecideUsesClaimedAttemptCount(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{cfg: testDispatchConfig.normalized()}
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		attempt    int
		result     provider.DeliveryResult
		wantStatus domain.Status
		wantCause  string
		wantNext   time.Duration
	}{
		{name: "success", attempt: 1, result: provider.Success("m1", nil, ""), wantStatus: domain.StatusSent},
		{name: "first retry", attempt: 1, result: provider.Failure("busy", true), wantStatus: domain.StatusPending, wantNext: time.Minute},
		{name: "second retry", attempt: 2, result: provider.Failure("busy", true), wantStatus: domain.StatusPending, wantNext: 2 * time.Minute},
		{name: "exhausted", attempt: 3, result: provider.Failure("busy", true), wantStatus: domain.StatusDead, wantCause: deadCauseExhausted},
		{name: "permanent", attempt: 1, result: provider.Failure("bad number", false), wantStatus: domain.StatusDead, wantCause: deadCausePermanent},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := claimedRequest("req")
			req.AttemptCount = tt.attempt

			completion, cause := d.decide(req, tt.result, now)
			if completion.Status != tt.wantStatus {
				t.Fatalf("decide() status = %s, want %s", completion.Status, tt.wantStatus)
			}
			if cause != tt.wantCause {
				t.Fatalf("decide() cause = %q, want %q", cause, tt.wantCause)
			}
			if tt.wantStatus == domain.StatusPending && !completion.NextAttemptAt.Equal(now.Add(tt.wantNext)) {
				t.Fatalf("decide() nextAttemptAt = %s, want %s", completion.NextAttemptAt, now.Add(tt.wantNext))
			}
		})
	}
}

func newLeaseTestDispatcher(t *testing.T, store *repository.MemoryStore, providers ProviderResolver, limiter *fakeLimiter, clock *testClock, lease time.Duration) *Dispatcher {
	t.Helper()

	cfg := testDispatchConfig
	cfg.Lease = lease
	d, err := NewDispatcher(store, store, providers, nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	if limiter != nil {
		d.limiter = limiter
	}
	d.now = clock.Now
	d.sleep = noSleep
	return d
}

func TestDispatchSkipsItemsWhoseLeaseExpiredDuringOverlappingRun(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, enqueueSMS(t, svc, i+1).ID)
	}

	sent := make(map[string]int)
	sms := &fakeProvider{
		name:    "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			sent[msg.RequestID]++
			return &provider.Receipt{MessageID: "SM-" + msg.RequestID}, nil
		},
	}
	providers := fakeProviders{domain.ChannelSMS: sms}
	const lease = 5 * time.Second

	other := newLeaseTestDispatcher(t, store, providers, nil, clock, lease)

	var overlapping DispatchSummary
	waits := 0
	slowLimiter := &fakeLimiter{
		waitFn: func(ctx context.Context, key string) error {
			waits++
			if waits == 1 {
				clock.Advance(2 * lease)
				var err error
				overlapping, err = other.Run(ctx)
				if err != nil {
					t.Errorf("overlapping Run() error = %v", err)
				}
			}
			return nil
		},
	}
	first := newLeaseTestDispatcher(t, store, providers, slowLimiter, clock, lease)

	summary, err := first.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Total != 3 || summary.LeaseLost != 3 || summary.Processed != 0 || summary.Sent != 0 {
		t.Fatalf("first Run() summary = %+v, want 3 claimed and 3 lease lost", summary)
	}
	if overlapping.Total != 3 || overlapping.Sent != 3 {
		t.Fatalf("overlapping Run() summary = %+v, want 3 claimed and sent", overlapping)
	}
	if waits != 1 {
		t.Fatalf("limiter waits = %d, want 1", waits)
	}

	for _, id := range ids {
		if sent[id] != 1 {
			t.Fatalf("request %s sent %d times, want 1", id, sent[id])
		}
		stored := mustGet(t, store, id)
		if stored.Status != domain.StatusSent {
			t.Fatalf("request %s status = %s, want sent", id, stored.Status)
		}
		records := mustAttempts(t, store, id)
		if len(records) != 1 {
			t.Fatalf("request %s audit records = %d, want 1", id, len(records))
		}
		if len(records) > stored.AttemptCount {
			t.Fatalf("request %s audit records = %d exceed attemptCount %d", id, len(records), stored.AttemptCount)
		}
		if records[0].AttemptNumber != stored.AttemptCount {
			t.Fatalf("request %s audit attempt = %d, want %d", id, records[0].AttemptNumber, stored.AttemptCount)
		}
	}
}

func TestDispatchSkipsItemWhoseLeaseExpiredDuringPacing(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore()
	svc := newTestNotificationService(t, store, store, clock)
	first := enqueueSMS(t, svc, 1)
	second := enqueueSMS(t, svc, 2)

	sends := 0
	sms := &fakeProvider{
		name:    "twilio",
		channel: domain.ChannelSMS,
		sendFn: func(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
			sends++
			return &provider.Receipt{MessageID: "ok"}, nil
		},
	}
	const lease = 5 * time.Second
	d := newLeaseTestDispatcher(t, store, fakeProviders{domain.ChannelSMS: sms}, nil, clock, lease)
	d.sleep = func(ctx context.Context, delay time.Duration) error {
		clock.Advance(lease + time.Second)
		return nil
	}

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Sent != 1 || summary.LeaseLost != 1 || sends != 1 {
		t.Fatalf("Run() summary = %+v sends = %d, want one sent and one lease lost", summary, sends)
	}
	if got := mustGet(t, store, first.ID).Status; got != domain.StatusSent {
		t.Fatalf("first status = %s, want sent", got)
	}
	if got := mustGet(t, store, second.ID).Status; got != domain.StatusProcessing {
		t.Fatalf("second status = %s, want processing until reclaimed", got)
	}
	if records := mustAttempts(t, store, second.ID); len(records) != 0 {
		t.Fatalf("second audit records = %d, want 0", len(records))
	}
}
