package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type StatsService interface {
	QueueStats(ctx context.Context, window time.Duration) (*service.QueueStats, error)
}

type ProviderHealthChecker interface {
	Health(ctx context.Context) []provider.Health
}

const providerHealthTimeout = 10 * time.Second

type statsResponse struct {
	From       time.Time               `json:"from"`
	To         time.Time               `json:"to"`
	Pending    int64                   `json:"pending"`
	Processing int64                   `json:"processing"`
	Sent       int64                   `json:"sent"`
	Failed     int64                   `json:"failed"`
	Dead       int64                   `json:"dead"`
	Total      int64                   `json:"total"`
	Delivery   []channelDeliveryAmount `json:"delivery"`
}

type channelDeliveryAmount struct {
	Channel   string  `json:"channel"`
	Attempts  int64   `json:"attempts"`
	Successes int64   `json:"successes"`
	Failures  int64   `json:"failures"`
	TotalCost float64 `json:"totalCost"`
}

type providerHealthResponse struct {
	Healthy   bool              `json:"healthy"`
	Providers []provider.Health `json:"providers"`
}

func RegisterStatsRoutes(router fiber.Router, stats StatsService, providers ProviderHealthChecker, auth fiber.Handler) error {
	if stats == nil {
		return fmt.Errorf("stats service is required")
	}

	router.Get("/v1/stats", auth, func(c *fiber.Ctx) error {
		window, err := parseWindow(c.Query("window"))
		if err != nil {
			return toHTTPError(err)
		}

		result, err := stats.QueueStats(c.UserContext(), window)
		if err != nil {
			return toHTTPError(err)
		}

		return c.Status(fiber.StatusOK).JSON(toStatsResponse(result))
	})

	if providers != nil {
		router.Get("/v1/providers/health", auth, func(c *fiber.Ctx) error {
			ctx, cancel := context.WithTimeout(c.UserContext(), providerHealthTimeout)
			defer cancel()

			results := providers.Health(ctx)
			healthy := true
			for _, h := range results {
				healthy = healthy && h.Healthy
			}

			status := fiber.StatusOK
			if !healthy {
				status = fiber.StatusServiceUnavailable
			}
			return c.Status(status).JSON(providerHealthResponse{Healthy: healthy, Providers: results})
		})
	}

	return nil
}

// parseWindow accepts Go durations ("6h", "90m") and whole days ("7d").
func parseWindow(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}

	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: invalid window %q", domain.ErrValidation, raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: invalid window %q", domain.ErrValidation, raw)
	}
	return d, nil
}

func toStatsResponse(s *service.QueueStats) statsResponse {
	delivery := make([]channelDeliveryAmount, 0, len(s.Delivery))
	for _, d := range s.Delivery {
		delivery = append(delivery, channelDeliveryAmount{
			Channel:   d.Channel.String(),
			Attempts:  d.Attempts,
			Successes: d.Successes,
			Failures:  d.Failures,
			TotalCost: d.TotalCost,
		})
	}

	return statsResponse{
		From:       s.From,
		To:         s.To,
		Pending:    s.Counts.Pending,
		Processing: s.Counts.Processing,
		Sent:       s.Counts.Sent,
		Failed:     s.Counts.Failed,
		Dead:       s.Counts.Dead,
		Total:      s.Total,
		Delivery:   delivery,
	}
}
