package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

type scheduleRetryRequest struct {
	LeadID  int64  `json:"lead_id"`
	Outcome string `json:"outcome"`
}

type completeRequest struct {
	Success bool   `json:"success"`
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

type closeLeadsRequest struct {
	LeadIDs       []int64 `json:"lead_ids"`
	ClosureReason string  `json:"closure_reason"`
}

type selectLeadsRequest struct {
	LeadIDs  []int64 `json:"lead_ids"`
	Selected bool    `json:"selected"`
}

type selectByStatusRequest struct {
	StatusLevel1 string  `json:"status_level_1"`
	StatusLevel2 *string `json:"status_level_2"`
	Selected     bool    `json:"selected"`
}

type pendingEntryResponse struct {
	ID          int64     `json:"id"`
	LeadID      int64     `json:"lead_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	AttemptNum  int       `json:"attempt_number"`
	Status      string    `json:"status"`
	LastOutcome *string   `json:"last_outcome,omitempty"`
}

func (h *HandlerSet) schedulerStatus(ctx *fiber.Ctx) error {
	stats, err := h.sched.Stats(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	return respond(ctx, http.StatusOK, fiber.Map{
		"stats":  stats,
		"config": settingsView(h.sched.Settings()),
	})
}

func (h *HandlerSet) listPending(ctx *fiber.Ctx) error {
	limit := ctx.QueryInt("limit", 50)
	// The listing is due-only unless the caller explicitly widens it.
	dueOnly := ctx.QueryBool("due_only", true)

	entries, err := h.sched.ListPending(ctx.Context(), dueOnly, limit)
	if err != nil {
		return translateError(err)
	}

	out := make([]pendingEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, pendingEntryResponse{
			ID:          e.ID,
			LeadID:      e.LeadID,
			ScheduledAt: e.ScheduledAt,
			AttemptNum:  e.AttemptNum,
			Status:      string(e.Status),
			LastOutcome: e.LastOutcome,
		})
	}
	return respond(ctx, http.StatusOK, fiber.Map{
		"pending": out,
		"count":   len(out),
	})
}

func (h *HandlerSet) scheduleRetry(ctx *fiber.Ctx) error {
	var req scheduleRetryRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.LeadID <= 0 {
		return fiber.NewError(http.StatusBadRequest, "lead_id is required")
	}
	if !domain.ValidOutcomeTag(req.Outcome) {
		return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("unknown outcome %q", req.Outcome))
	}

	out, err := h.sched.ScheduleRetry(ctx.Context(), req.LeadID, domain.OutcomeTag(req.Outcome))
	if err != nil {
		return translateError(err)
	}
	if out.Result == domain.ScheduleLeadNotFound {
		return fiber.NewError(http.StatusNotFound, fmt.Sprintf("lead %d not found", req.LeadID))
	}

	payload := fiber.Map{
		"result":   out.Result.String(),
		"attempts": out.Attempts,
	}
	if !out.NextAt.IsZero() {
		payload["next_scheduled_at"] = out.NextAt
	}
	if out.ClosureReason != "" {
		payload["closure_reason"] = out.ClosureReason
	}
	return respond(ctx, http.StatusOK, payload)
}

func (h *HandlerSet) completeSchedule(ctx *fiber.Ctx) error {
	scheduleID, err := strconv.ParseInt(ctx.Params("schedule_id"), 10, 64)
	if err != nil || scheduleID <= 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid schedule id")
	}

	var req completeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	tag := domain.TagError
	switch {
	case domain.ValidOutcomeTag(req.Outcome):
		tag = domain.OutcomeTag(req.Outcome)
	case req.Outcome != "":
		return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("unknown outcome %q", req.Outcome))
	case req.Success:
		tag = domain.TagSuccess
	}

	if _, err := h.sched.Complete(ctx.Context(), scheduleID, tag, req.Notes); err != nil {
		return translateError(err)
	}
	return respond(ctx, http.StatusOK, fiber.Map{
		"schedule_id": scheduleID,
		"outcome":     string(tag),
	})
}

func (h *HandlerSet) getConfig(ctx *fiber.Ctx) error {
	return respond(ctx, http.StatusOK, fiber.Map{
		"config": settingsView(h.sched.Settings()),
	})
}

func (h *HandlerSet) updateConfig(ctx *fiber.Ctx) error {
	var req map[string]any
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req) == 0 {
		return fiber.NewError(http.StatusBadRequest, "no config keys given")
	}

	// Validate the whole batch against a scratch copy before persisting
	// anything, so a bad key cannot half-apply an update.
	scratch := h.sched.Settings()
	serialized := make(map[string]string, len(req))
	for key, value := range req {
		if !domain.EditableConfigKey(key) {
			return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("config key %q is not editable", key))
		}
		raw, err := serializeConfigValue(value)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("config key %q: %v", key, err))
		}
		if err := scratch.ApplyRaw(key, raw); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		serialized[key] = raw
	}

	for key, raw := range serialized {
		if err := h.configs.Set(ctx.Context(), key, raw, ""); err != nil {
			return translateError(err)
		}
	}
	if err := h.sched.ReloadSettings(ctx.Context()); err != nil {
		return translateError(err)
	}

	return respond(ctx, http.StatusOK, fiber.Map{
		"config": settingsView(h.sched.Settings()),
	})
}

func (h *HandlerSet) closeLeads(ctx *fiber.Ctx) error {
	var req closeLeadsRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.LeadIDs) == 0 {
		return fiber.NewError(http.StatusBadRequest, "lead_ids is required")
	}
	if !domain.ValidForceCloseReason(req.ClosureReason) {
		return fiber.NewError(http.StatusBadRequest,
			fmt.Sprintf("closure_reason must be one of %v", domain.ForceCloseReasons))
	}

	results := h.sched.ForceClose(ctx.Context(), req.LeadIDs, req.ClosureReason)
	closed := 0
	for _, r := range results {
		if r.OK {
			closed++
		}
	}
	return respond(ctx, http.StatusOK, fiber.Map{
		"results": results,
		"closed":  closed,
	})
}

func (h *HandlerSet) selectLeads(ctx *fiber.Ctx) error {
	var req selectLeadsRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.LeadIDs) == 0 {
		return fiber.NewError(http.StatusBadRequest, "lead_ids is required")
	}

	updated, err := h.leads.SetSelected(ctx.Context(), req.LeadIDs, req.Selected)
	if err != nil {
		return translateError(err)
	}
	return respond(ctx, http.StatusOK, fiber.Map{"updated": updated})
}

func (h *HandlerSet) selectByStatus(ctx *fiber.Ctx) error {
	var req selectByStatusRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.StatusLevel1 == "" {
		return fiber.NewError(http.StatusBadRequest, "status_level_1 is required")
	}

	updated, err := h.leads.SelectByDisposition(ctx.Context(), req.StatusLevel1, req.StatusLevel2, req.Selected)
	if err != nil {
		return translateError(err)
	}
	return respond(ctx, http.StatusOK, fiber.Map{"updated": updated})
}

// settingsView renders the active settings with the same keys the config
// store uses.
func settingsView(s domain.Settings) fiber.Map {
	days := make([]int, 0, len(s.WorkingDays))
	for d := 1; d <= 7; d++ {
		if s.WorkingDays[time.Weekday(d%7)] {
			days = append(days, d)
		}
	}
	sort.Ints(days)

	return fiber.Map{
		domain.KeyWorkingHoursStart: s.WorkingHoursStart.String(),
		domain.KeyWorkingHoursEnd:   s.WorkingHoursEnd.String(),
		domain.KeyWorkingDays:       days,
		domain.KeyRescheduleHours:   s.RescheduleHours,
		domain.KeyMaxAttempts:       s.MaxAttempts,
		domain.KeyClosureReasons:    s.ClosureReasons,
		domain.KeyPollInterval:      s.PollInterval.Minutes(),
	}
}

func serializeConfigValue(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("unserializable value: %w", err)
	}
	return string(raw), nil
}
