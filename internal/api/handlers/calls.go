package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

type syncCallsRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type callRecordResponse struct {
	CallID        string    `json:"call_id"`
	LeadID        int64     `json:"lead_id"`
	Phone         string    `json:"phone"`
	CallTime      time.Time `json:"call_time"`
	DurationSec   int32     `json:"duration_sec"`
	Cost          float64   `json:"cost"`
	Outcome       *int      `json:"outcome,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	CollectedInfo string    `json:"collected_info,omitempty"`
	RecordingURL  string    `json:"recording_url,omitempty"`
	AttemptNum    int       `json:"attempt_number"`
}

// syncCalls backfills the call history from the provider. It pages the
// provider's call search over the requested window, matches each call to
// a lead by phone and inserts records the history does not know yet.
// Calls placed outside this system, or whose number matches no lead, are
// counted but not stored.
func (h *HandlerSet) syncCalls(ctx *fiber.Ctx) error {
	var req syncCallsRequest
	if err := ctx.BodyParser(&req); err != nil && len(ctx.Body()) > 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	to := req.To
	if to.IsZero() {
		to = time.Now().UTC()
	}
	from := req.From
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !from.Before(to) {
		return fiber.NewError(http.StatusBadRequest, "from must precede to")
	}

	details, err := h.provider.SearchCalls(ctx.Context(), from, to)
	if err != nil {
		return translateError(err)
	}

	var inserted, skipped, unmatched int
	for _, detail := range details {
		if detail.CallID == "" {
			continue
		}
		if existing, err := h.history.ByCallID(ctx.Context(), detail.CallID); err == nil && existing != nil {
			skipped++
			continue
		}

		lead, err := h.leadForPhone(ctx, detail.Phone)
		if err != nil {
			return translateError(err)
		}
		if lead == nil {
			unmatched++
			continue
		}

		if err := h.history.Insert(ctx.Context(), callRecordFromDetail(detail, lead)); err != nil {
			return translateError(err)
		}
		inserted++
	}

	h.log.Info("calls sync finished",
		zap.Time("from", from), zap.Time("to", to),
		zap.Int("found", len(details)), zap.Int("inserted", inserted),
		zap.Int("skipped", skipped), zap.Int("unmatched", unmatched))

	return respond(ctx, http.StatusOK, fiber.Map{
		"found":     len(details),
		"inserted":  inserted,
		"skipped":   skipped,
		"unmatched": unmatched,
	})
}

// callByID returns one stored call history record.
func (h *HandlerSet) callByID(ctx *fiber.Ctx) error {
	callID := ctx.Params("call_id")
	if callID == "" {
		return fiber.NewError(http.StatusBadRequest, "call id is required")
	}

	rec, err := h.history.ByCallID(ctx.Context(), callID)
	if err != nil {
		return translateError(err)
	}

	return respond(ctx, http.StatusOK, fiber.Map{
		"call": callRecordResponse{
			CallID:        rec.CallID,
			LeadID:        rec.LeadID,
			Phone:         rec.Phone,
			CallTime:      rec.CallTime,
			DurationSec:   rec.Duration,
			Cost:          rec.Cost,
			Outcome:       rec.Outcome,
			Summary:       rec.Summary,
			CollectedInfo: rec.CollectedInfo,
			RecordingURL:  rec.RecordingURL,
			AttemptNum:    rec.AttemptNum,
		},
	})
}

// leadForPhone resolves a lead from a provider-side phone number. A nil
// lead with nil error means no match.
func (h *HandlerSet) leadForPhone(ctx *fiber.Ctx, phone string) (*domain.Lead, error) {
	normalized, err := domain.NormalizePhone(phone)
	if err != nil {
		return nil, nil
	}
	lead, err := h.leads.FindByPhone(ctx.Context(), normalized)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return lead, nil
}

func callRecordFromDetail(detail telephony.CallDetail, lead *domain.Lead) *domain.CallRecord {
	collected := detail.CollectedRaw
	if collected == "" && detail.Collected != nil {
		if raw, err := json.Marshal(detail.Collected); err == nil {
			collected = string(raw)
		}
	}
	rec := &domain.CallRecord{
		CallID:        detail.CallID,
		LeadID:        lead.ID,
		Phone:         detail.Phone,
		CallTime:      detail.StartedAt,
		Duration:      int32(detail.Duration / time.Second),
		Cost:          detail.Cost,
		Outcome:       detail.Outcome,
		Summary:       detail.Summary,
		CollectedInfo: collected,
		RecordingURL:  detail.RecordingURL,
		AttemptNum:    lead.CallAttempts,
	}
	if rec.CallTime.IsZero() {
		rec.CallTime = time.Now().UTC()
	}
	return rec
}
