// Package handlers implements the control API over the scheduling engine.
package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/repository"
	"github.com/acme/lead-call-orchestrator/internal/scheduler"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

// HealthProbe checks one backing service, returning nil when reachable.
type HealthProbe func(ctx context.Context) error

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	log      *logger.Logger
	sched    *scheduler.Scheduler
	leads    repository.LeadRepository
	configs  repository.ConfigRepository
	history  repository.CallHistoryStore
	provider telephony.Provider
	probes   map[string]HealthProbe
}

// NewHandlerSet creates a new handler bundle. Probes may be nil.
func NewHandlerSet(
	log *logger.Logger,
	sched *scheduler.Scheduler,
	leads repository.LeadRepository,
	configs repository.ConfigRepository,
	history repository.CallHistoryStore,
	provider telephony.Provider,
	probes map[string]HealthProbe,
) *HandlerSet {
	return &HandlerSet{
		log:      log,
		sched:    sched,
		leads:    leads,
		configs:  configs,
		history:  history,
		provider: provider,
		probes:   probes,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")

	sched := api.Group("/scheduler")
	sched.Get("/status", h.schedulerStatus)
	sched.Get("/pending", h.listPending)
	sched.Post("/schedule", h.scheduleRetry)
	sched.Post("/complete/:schedule_id", h.completeSchedule)
	sched.Get("/config", h.getConfig)
	sched.Put("/config", h.updateConfig)
	sched.Post("/leads/close", h.closeLeads)
	sched.Post("/leads/select-by-status", h.selectByStatus)

	calls := api.Group("/calls")
	calls.Post("/leads/select", h.selectLeads)
	calls.Post("/sync", h.syncCalls)
	calls.Get("/:call_id", h.callByID)
}

// ErrorHandler renders every error in the response envelope.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"success":   false,
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// respond renders payload inside the success envelope.
func respond(ctx *fiber.Ctx, status int, payload fiber.Map) error {
	body := fiber.Map{
		"success":   true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range payload {
		body[k] = v
	}
	return ctx.Status(status).JSON(body)
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, probe := range h.probes {
		if err := probe(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}
	if h.provider != nil && !h.provider.Healthy(healthCtx) {
		errs["provider"] = "voice provider unreachable"
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}
	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
