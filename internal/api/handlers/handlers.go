// Package handlers exposes the engine's live state over HTTP. This is a
// read-only surface; all mutation flows through the command channel.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/callmanager"
	"github.com/acme/campaign-dialer/internal/campaign"
	"github.com/acme/campaign-dialer/internal/engine"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// HealthChecker reports the liveness of one infrastructure dependency.
type HealthChecker func(ctx context.Context) error

// HandlerSet bundles the status handlers and their dependencies.
type HandlerSet struct {
	logger    *logger.Logger
	engine    *engine.Engine
	calls     *callmanager.Manager
	campaigns *campaign.Manager
	checks    map[string]HealthChecker
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(
	lg *logger.Logger,
	eng *engine.Engine,
	calls *callmanager.Manager,
	campaigns *campaign.Manager,
	checks map[string]HealthChecker,
) *HandlerSet {
	return &HandlerSet{
		logger:    lg,
		engine:    eng,
		calls:     calls,
		campaigns: campaigns,
		checks:    checks,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	v1 := app.Group("/api").Group("/v1")
	v1.Get("/status", h.status)
	v1.Get("/calls", h.listCalls)
	v1.Get("/calls/:id", h.getCall)
	v1.Get("/campaigns", h.listCampaigns)
	v1.Get("/campaigns/:id/stats", h.campaignStats)
	v1.Get("/campaigns/:id/calls", h.listCampaignCalls)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{"error": message})
}

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case errors.Is(err, apperrors.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}
	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
