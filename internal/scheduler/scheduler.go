// Package scheduler owns the retry calendar and every lead lifecycle
// transition.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/metrics"
	"github.com/acme/lead-call-orchestrator/internal/queue"
	"github.com/acme/lead-call-orchestrator/internal/repository"
	"github.com/acme/lead-call-orchestrator/internal/worktime"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

// RetryOutcome is the full result of a ScheduleRetry call.
type RetryOutcome struct {
	Result        domain.ScheduleResult
	Attempts      int
	NextAt        time.Time
	ClosureReason string
}

// Scheduler coordinates retries, closures and the pending queue. All lead
// mutations run inside store transactions holding the lead's row lock.
type Scheduler struct {
	store     repository.Store
	leads     repository.LeadRepository
	schedules repository.ScheduleRepository
	configs   repository.ConfigRepository
	events    *queue.EventPublisher
	collector *metrics.Collector
	log       *logger.Logger
	now       func() time.Time

	mu       sync.RWMutex
	settings domain.Settings
}

// New constructs a scheduler. Settings are loaded from the config store;
// call ReloadSettings after construction to pick up persisted overrides.
func New(
	store repository.Store,
	leads repository.LeadRepository,
	schedules repository.ScheduleRepository,
	configs repository.ConfigRepository,
	events *queue.EventPublisher,
	collector *metrics.Collector,
	loc *time.Location,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		store:     store,
		leads:     leads,
		schedules: schedules,
		configs:   configs,
		events:    events,
		collector: collector,
		log:       log,
		now:       time.Now,
		settings:  domain.DefaultSettings(loc),
	}
}

// Settings returns the current typed configuration snapshot.
func (s *Scheduler) Settings() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// ReloadSettings folds persisted key/value pairs over the defaults.
// Malformed values are skipped with a warning so one bad row cannot stop
// the scheduler.
func (s *Scheduler) ReloadSettings(ctx context.Context) error {
	raw, err := s.configs.All(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := domain.DefaultSettings(s.settings.Location)
	for key, value := range raw {
		if err := next.ApplyRaw(key, value); err != nil {
			s.log.Warn("scheduler: skipping config key", zap.String("key", key), zap.Error(err))
		}
	}
	s.settings = next
	return nil
}

// ScheduleRetry books the lead's next attempt, closing it instead when the
// attempt ceiling is reached. Outcome tag validation is the caller's
// concern at the API boundary; unknown tags fall back to the default
// closure reason.
func (s *Scheduler) ScheduleRetry(ctx context.Context, leadID int64, tag domain.OutcomeTag) (RetryOutcome, error) {
	tracer := otel.Tracer("orchestrator.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.schedule_retry")
	defer span.End()
	span.SetAttributes(attribute.Int64("lead.id", leadID), attribute.String("outcome", string(tag)))

	cfg := s.Settings()
	now := s.now().In(cfg.Location)
	var out RetryOutcome

	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		lead, err := tx.LeadForUpdate(ctx, leadID)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				out.Result = domain.ScheduleLeadNotFound
				return nil
			}
			return err
		}

		if lead.Closed() {
			out.Result = domain.ScheduleLeadAlreadyClosed
			return nil
		}

		attempts := lead.CallAttempts + 1
		out.Attempts = attempts

		if attempts >= cfg.MaxAttempts {
			if err := tx.UpdateLeadAttempt(ctx, leadID, attempts, now, callStatusForTag(tag)); err != nil {
				return err
			}
			level1 := domain.Level1MaxAttempts
			if err := tx.UpdateLeadDisposition(ctx, leadID, &level1, nil, nil, nil); err != nil {
				return err
			}
			reason := cfg.ClosureReasonFor(tag)
			if err := tx.CloseLead(ctx, leadID, reason); err != nil {
				return err
			}
			if _, err := tx.CancelPending(ctx, leadID); err != nil {
				return err
			}
			out.Result = domain.ScheduleClosedMaxAttempts
			out.ClosureReason = reason
			return nil
		}

		nextAt, ok := worktime.NextWorkingSlot(now.Add(time.Duration(cfg.RescheduleHours*float64(time.Hour))), cfg)
		if !ok {
			s.log.Warn("scheduler: no working slot within lookahead, check working_days",
				zap.Int64("lead_id", leadID))
		}
		if err := tx.UpdateLeadAttempt(ctx, leadID, attempts, now, callStatusForTag(tag)); err != nil {
			return err
		}
		if err := tx.ReplacePending(ctx, leadID, attempts, nextAt, tag); err != nil {
			return err
		}
		out.Result = domain.ScheduleRescheduled
		out.NextAt = nextAt
		return nil
	})
	if err != nil {
		return RetryOutcome{}, fmt.Errorf("scheduler: schedule retry lead %d: %w", leadID, err)
	}

	s.observeRetry(ctx, leadID, tag, out)
	return out, nil
}

func (s *Scheduler) observeRetry(ctx context.Context, leadID int64, tag domain.OutcomeTag, out RetryOutcome) {
	switch out.Result {
	case domain.ScheduleRescheduled:
		s.collector.Rescheduled()
		s.log.Info("scheduler: lead rescheduled",
			zap.Int64("lead_id", leadID),
			zap.Int("attempt", out.Attempts),
			zap.Time("next_at", out.NextAt),
			zap.String("outcome", string(tag)))
		s.events.Publish(ctx, queue.LeadEvent{
			Kind:        queue.EventLeadRescheduled,
			LeadID:      leadID,
			AttemptNum:  out.Attempts,
			OutcomeTag:  string(tag),
			ScheduledAt: &out.NextAt,
		})
	case domain.ScheduleClosedMaxAttempts:
		s.collector.LeadClosed(out.ClosureReason)
		s.log.Info("scheduler: lead closed at attempt ceiling",
			zap.Int64("lead_id", leadID),
			zap.Int("attempt", out.Attempts),
			zap.String("closure_reason", out.ClosureReason))
		s.events.Publish(ctx, queue.LeadEvent{
			Kind:          queue.EventLeadClosed,
			LeadID:        leadID,
			AttemptNum:    out.Attempts,
			OutcomeTag:    string(tag),
			Level1:        domain.Level1MaxAttempts,
			ClosureReason: out.ClosureReason,
		})
	case domain.ScheduleLeadAlreadyClosed:
		s.log.Info("scheduler: retry requested for closed lead", zap.Int64("lead_id", leadID))
	case domain.ScheduleLeadNotFound:
		s.log.Warn("scheduler: retry requested for unknown lead", zap.Int64("lead_id", leadID))
	}
}

// DueNow lists due pending entries. Lock-free by design so dispatchers can
// poll it freely.
func (s *Scheduler) DueNow(ctx context.Context, limit int) ([]domain.DueCall, error) {
	due, err := s.schedules.DueNow(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: due now: %w", err)
	}
	return due, nil
}

// Complete marks the pending entry with the given schedule id as done,
// stamping any operator notes. Returns the number of entries
// transitioned.
func (s *Scheduler) Complete(ctx context.Context, scheduleID int64, tag domain.OutcomeTag, notes string) (int64, error) {
	var moved int64
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		n, err := tx.CompleteScheduleByID(ctx, scheduleID, tag, notes)
		if err != nil {
			return err
		}
		moved = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scheduler: complete %d: %w", scheduleID, err)
	}
	if moved == 0 {
		return 0, apperrors.ErrNoPending
	}
	return moved, nil
}

// CleanupOrphans cancels pendings whose lead already closed. Safe to run
// every cycle.
func (s *Scheduler) CleanupOrphans(ctx context.Context) (int64, error) {
	n, err := s.schedules.CancelForClosedLeads(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: cleanup orphans: %w", err)
	}
	if n > 0 {
		s.log.Info("scheduler: cancelled orphaned pendings", zap.Int64("count", n))
	}
	return n, nil
}

// ApplyDisposition writes a classifier verdict back to the lead, closing
// it when the verdict says so. Completing or rebooking the schedule entry
// is the caller's job.
func (s *Scheduler) ApplyDisposition(ctx context.Context, leadID int64, scheduleID int64, d DispositionUpdate) error {
	tracer := otel.Tracer("orchestrator.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.apply_disposition")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("lead.id", leadID),
		attribute.String("level1", d.Level1),
		attribute.Bool("close", d.Close))

	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		lead, err := tx.LeadForUpdate(ctx, leadID)
		if err != nil {
			return err
		}
		if lead.Closed() {
			s.log.Info("scheduler: disposition for closed lead dropped", zap.Int64("lead_id", leadID))
			_, err := tx.CancelPending(ctx, leadID)
			return err
		}

		level1 := d.Level1
		var level2 *string
		if d.Level2 != "" {
			level2 = &d.Level2
		}
		var apptTime *string
		if d.AppointmentTime != "" {
			apptTime = &d.AppointmentTime
		}
		if err := tx.UpdateLeadDisposition(ctx, leadID, &level1, level2, d.AppointmentDate, apptTime); err != nil {
			return err
		}

		if !d.Close {
			return nil
		}
		if err := tx.CloseLead(ctx, leadID, d.ClosureReason); err != nil {
			return err
		}
		if _, err := tx.CancelPending(ctx, leadID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduler: apply disposition lead %d: %w", leadID, err)
	}

	if d.Close {
		s.collector.LeadClosed(d.ClosureReason)
		s.events.Publish(ctx, queue.LeadEvent{
			Kind:          queue.EventLeadClosed,
			LeadID:        leadID,
			ScheduleID:    scheduleID,
			Level1:        d.Level1,
			Level2:        d.Level2,
			ClosureReason: d.ClosureReason,
		})
	}
	return nil
}

// DispositionUpdate is the subset of a classifier verdict the scheduler
// persists.
type DispositionUpdate struct {
	Level1          string
	Level2          string
	Close           bool
	ClosureReason   string
	AppointmentDate *time.Time
	AppointmentTime string
}

// ForceCloseResult reports one lead of a bulk close.
type ForceCloseResult struct {
	LeadID int64  `json:"lead_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// ForceClose closes many leads with one reason, cancelling their pendings
// atomically per lead. Partial failure is reported per item.
func (s *Scheduler) ForceClose(ctx context.Context, leadIDs []int64, reason string) []ForceCloseResult {
	results := make([]ForceCloseResult, 0, len(leadIDs))
	for _, id := range leadIDs {
		err := s.store.InTx(ctx, func(tx repository.Tx) error {
			lead, err := tx.LeadForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if lead.Closed() {
				return apperrors.ErrAlreadyClosed
			}
			if err := tx.CloseLead(ctx, id, reason); err != nil {
				return err
			}
			_, err = tx.CancelPending(ctx, id)
			return err
		})

		res := ForceCloseResult{LeadID: id, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
		} else {
			s.collector.LeadClosed(reason)
			s.events.Publish(ctx, queue.LeadEvent{
				Kind:          queue.EventLeadClosed,
				LeadID:        id,
				ClosureReason: reason,
			})
		}
		results = append(results, res)
	}
	return results
}

// Stats assembles the status endpoint's counters.
func (s *Scheduler) Stats(ctx context.Context) (domain.ScheduleStats, error) {
	cfg := s.Settings()
	now := s.now().In(cfg.Location)

	due, err := s.schedules.CountDue(ctx, now)
	if err != nil {
		return domain.ScheduleStats{}, fmt.Errorf("scheduler: stats: %w", err)
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, cfg.Location)
	today, err := s.schedules.CountScheduledBetween(ctx, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return domain.ScheduleStats{}, fmt.Errorf("scheduler: stats: %w", err)
	}
	closures, err := s.leads.ClosuresByReason(ctx)
	if err != nil {
		return domain.ScheduleStats{}, fmt.Errorf("scheduler: stats: %w", err)
	}
	avg, max, err := s.leads.AttemptStats(ctx)
	if err != nil {
		return domain.ScheduleStats{}, fmt.Errorf("scheduler: stats: %w", err)
	}

	s.collector.SetPendingDue(due)
	return domain.ScheduleStats{
		PendingDueNow:    due,
		PendingToday:     today,
		ClosuresByReason: closures,
		AvgAttempts:      avg,
		MaxAttempts:      max,
	}, nil
}

// ListPending surfaces the retry queue for the control API.
func (s *Scheduler) ListPending(ctx context.Context, dueOnly bool, limit int) ([]domain.ScheduledCall, error) {
	entries, err := s.schedules.ListPending(ctx, s.now(), dueOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list pending: %w", err)
	}
	return entries, nil
}

// callStatusForTag maps an outcome tag onto the lead's call_status column.
// Tags without a matching status clear the column.
func callStatusForTag(tag domain.OutcomeTag) *domain.CallStatus {
	var status domain.CallStatus
	switch tag {
	case domain.TagSuccess, domain.TagHangUp:
		status = domain.CallStatusCompleted
	case domain.TagBusy:
		status = domain.CallStatusBusy
	case domain.TagNoAnswer:
		status = domain.CallStatusNoAnswer
	case domain.TagError, domain.TagInvalid:
		status = domain.CallStatusError
	default:
		return nil
	}
	return &status
}
