package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// DispatchRunner is one dispatcher invocation.
type DispatchRunner interface {
	Run(ctx context.Context) (DispatchSummary, error)
}

// Trigger invokes a DispatchRunner on a fixed interval inside the process.
// Ticks that arrive while a run is still active are skipped; other instances
// and the HTTP trigger may still overlap with it.
type Trigger struct {
	runner   DispatchRunner
	interval time.Duration
	logger   *zap.Logger
	cron     gocron.Scheduler
}

func NewTrigger(runner DispatchRunner, interval time.Duration, logger *zap.Logger) (*Trigger, error) {
	if runner == nil {
		return nil, fmt.Errorf("dispatch runner is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("trigger interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	return &Trigger{
		runner:   runner,
		interval: interval,
		logger:   logger,
		cron:     cron,
	}, nil
}

// Start schedules the dispatch job and blocks until ctx is done.
func (t *Trigger) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := t.cron.NewJob(
		gocron.DurationJob(t.interval),
		gocron.NewTask(func() { t.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("scheduling dispatch job: %w", err)
	}

	t.cron.Start()
	t.logger.Info("dispatch trigger started", zap.Duration("interval", t.interval))

	<-ctx.Done()

	if err := t.cron.Shutdown(); err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}
	t.logger.Info("dispatch trigger stopped")
	return nil
}

func (t *Trigger) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := t.runner.Run(ctx); err != nil && ctx.Err() == nil {
		t.logger.Error("scheduled dispatch failed", zap.Error(err))
	}
}
