package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type Dispatcher interface {
	Run(ctx context.Context) (service.DispatchSummary, error)
}

type dispatchResponse struct {
	RunID     string `json:"runId"`
	Processed int    `json:"processed"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	Retried   int    `json:"retried"`
	Dead      int    `json:"dead"`
	LeaseLost int    `json:"leaseLost"`
	Errors    int    `json:"errors"`
	Error     string `json:"error,omitempty"`
}

// RegisterDispatchRoutes exposes the on-demand trigger. GET is accepted for
// schedulers that can only issue GET requests.
func RegisterDispatchRoutes(router fiber.Router, dispatcher Dispatcher, auth fiber.Handler) error {
	if dispatcher == nil {
		return fmt.Errorf("dispatcher is required")
	}

	handle := func(c *fiber.Ctx) error {
		summary, err := dispatcher.Run(c.UserContext())
		resp := toDispatchResponse(summary)
		if err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				resp.Error = "queue store unavailable"
				return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				resp.Error = "dispatch interrupted"
				return c.Status(fiber.StatusOK).JSON(resp)
			}
			return err
		}
		return c.Status(fiber.StatusOK).JSON(resp)
	}

	router.Post("/v1/dispatch", auth, handle)
	router.Get("/v1/dispatch", auth, handle)
	return nil
}

func toDispatchResponse(s service.DispatchSummary) dispatchResponse {
	return dispatchResponse{
		RunID:     s.RunID,
		Processed: s.Processed,
		Sent:      s.Sent,
		Failed:    s.Failed,
		Total:     s.Total,
		Retried:   s.Retried,
		Dead:      s.Dead,
		LeaseLost: s.LeaseLost,
		Errors:    s.Errors,
	}
}
