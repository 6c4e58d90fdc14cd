package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/events"
	"github.com/kursadbilgin/delivery-engine/internal/handler"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/service"
	"github.com/kursadbilgin/delivery-engine/internal/template"
	"github.com/kursadbilgin/delivery-engine/internal/transport"
)

const shutdownTimeout = 15 * time.Second

type stores struct {
	requests repository.RequestRepository
	attempts repository.AttemptRepository
	checks   []handler.ReadinessCheck
	close    func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("delivery-engine stopped with error", zap.Error(err))
	}
	logger.Info("delivery-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	renderer, err := buildRenderer(cfg)
	if err != nil {
		return err
	}
	logger.Info("templates loaded", zap.Strings("keys", renderer.Keys()))

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	limiter, rdb, err := buildLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		st.checks = append(st.checks, handler.RedisCheck(rdb))
	}

	notifications, err := service.NewNotificationService(st.requests, st.attempts, renderer, cfg.DispatchMaxAttempts, logger)
	if err != nil {
		return fmt.Errorf("notification service: %w", err)
	}
	notifications.SetMetrics(metrics)

	dispatcher, err := service.NewDispatcher(st.requests, st.attempts, providers, limiter, service.DispatcherConfig{
		BatchSize:   cfg.DispatchBatchSize,
		Lease:       cfg.DispatchLease(),
		PacingDelay: cfg.DispatchPacing(),
		SendTimeout: cfg.DispatchSendTimeout(),
		Backoff:     service.BackoffPolicy{Base: cfg.RetryBaseDelay(), Max: cfg.RetryMaxDelay()},
	}, logger)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	dispatcher.SetMetrics(metrics)

	if publisher := buildPublisher(cfg, logger); publisher != nil {
		defer publisher.Close() //nolint:errcheck
		dispatcher.SetPublisher(publisher)
	}

	stats, err := service.NewStatsService(st.requests, st.attempts, logger)
	if err != nil {
		return fmt.Errorf("stats service: %w", err)
	}
	stats.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:               "delivery-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(transport.Correlation())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, st.checks...)

	apiAuth := handler.BearerAuth(cfg.APIToken)
	if err := handler.RegisterNotificationRoutes(app, notifications, apiAuth); err != nil {
		return err
	}
	if err := handler.RegisterStatsRoutes(app, stats, providers, apiAuth); err != nil {
		return err
	}
	if err := handler.RegisterDispatchRoutes(app, dispatcher, handler.BearerAuth(cfg.DispatchSecret)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("delivery-engine api started",
			zap.Int("port", cfg.APIPort),
			zap.String("store", cfg.StoreBackend),
			zap.String("emailProvider", cfg.EmailProvider),
			zap.String("smsProvider", cfg.SMSProvider),
		)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if interval := cfg.DispatchInterval(); interval > 0 {
		trigger, err := service.NewTrigger(dispatcher, interval, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return trigger.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStores(cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		logger.Warn("using in-memory store; queued notifications are lost on restart")
		mem := repository.NewMemoryStore()
		return &stores{requests: mem, attempts: mem, close: func() {}}, nil
	}

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.DefaultPoolOptions())
	if err != nil {
		return nil, fmt.Errorf("postgres initialization failed: %w", err)
	}

	if err := migrations.Migrate(db); err != nil {
		_ = postgresql.Close(db)
		return nil, fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		_ = postgresql.Close(db)
		return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
	}

	return &stores{
		requests: repository.NewGormRequestRepo(db),
		attempts: repository.NewGormAttemptRepo(db),
		checks:   []handler.ReadinessCheck{handler.PostgresCheck(sqlDB)},
		close: func() {
			if err := postgresql.Close(db); err != nil {
				logger.Warn("postgres close failed", zap.Error(err))
			}
		},
	}, nil
}

func buildRenderer(cfg *config.Config) (*template.Renderer, error) {
	renderer, err := template.NewRenderer(template.Builtin()...)
	if err != nil {
		return nil, fmt.Errorf("builtin templates: %w", err)
	}

	if cfg.TemplatesFile == "" {
		return renderer, nil
	}

	defs, err := template.LoadFile(cfg.TemplatesFile)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if err := renderer.Register(def); err != nil {
			return nil, fmt.Errorf("template %q from %s: %w", def.Key, cfg.TemplatesFile, err)
		}
	}
	return renderer, nil
}

func buildLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ratelimit.Limiter, *goredis.Client, error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewLocalLimiter(cfg.RateLimitPerSec), nil, nil
	}

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis initialization failed: %w", err)
	}

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis rate limiter: %w", err)
	}

	logger.Info("using redis rate limiter", zap.Int("perSecond", cfg.RateLimitPerSec))
	return limiter, rdb, nil
}

// buildPublisher returns nil when outcome events are disabled or the broker
// is unreachable at startup; delivery never depends on the broker.
func buildPublisher(cfg *config.Config, logger *zap.Logger) *events.OutcomePublisher {
	if cfg.RabbitMQURL == "" {
		return nil
	}

	client, err := events.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq unavailable, outcome events disabled", zap.Error(err))
		return nil
	}
	return events.NewOutcomePublisher(client)
}
