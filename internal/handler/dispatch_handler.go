package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"github.com/kursadbilgin/clinic-dispatch/internal/service"
	"go.uber.org/zap"
)

type DispatchRunner interface {
	Run(ctx context.Context, clinicID string) (service.Summary, error)
}

// DispatchHandler exposes a dispatch run to external cron services.
type DispatchHandler struct {
	runner     DispatchRunner
	cronSecret string
	logger     *zap.Logger
}

func NewDispatchHandler(runner DispatchRunner, cronSecret string, logger *zap.Logger) (*DispatchHandler, error) {
	if runner == nil {
		return nil, fmt.Errorf("dispatch runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispatchHandler{
		runner:     runner,
		cronSecret: strings.TrimSpace(cronSecret),
		logger:     logger,
	}, nil
}

// RegisterDispatchRoutes mounts the trigger for both POST and GET since many
// hosted cron services can only issue GET requests.
func RegisterDispatchRoutes(router fiber.Router, runner DispatchRunner, cronSecret string, logger *zap.Logger) error {
	h, err := NewDispatchHandler(runner, cronSecret, logger)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/dispatch/run", h.authorize, h.Run)
	v1.Get("/dispatch/run", h.authorize, h.Run)

	return nil
}

type dispatchResponse struct {
	OK      bool   `json:"ok"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

func (h *DispatchHandler) Run(c *fiber.Ctx) error {
	clinicID := strings.TrimSpace(c.Query("clinicId"))

	summary, err := h.runner.Run(c.Context(), clinicID)
	resp := dispatchResponse{
		OK:      err == nil,
		Sent:    summary.Sent,
		Failed:  summary.Failed,
		Skipped: summary.Skipped,
	}
	if err == nil {
		return c.Status(fiber.StatusOK).JSON(resp)
	}

	status := fiber.StatusInternalServerError
	if errors.Is(err, domain.ErrStoreUnavailable) {
		status = fiber.StatusServiceUnavailable
	}
	resp.Error = err.Error()

	h.logger.Error("dispatch trigger failed",
		zap.String("clinicId", clinicID),
		zap.Int("status", status),
		zap.Error(err),
	)
	return c.Status(status).JSON(resp)
}

func (h *DispatchHandler) authorize(c *fiber.Ctx) error {
	if h.cronSecret == "" {
		return c.Next()
	}

	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.cronSecret)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}
	return c.Next()
}
