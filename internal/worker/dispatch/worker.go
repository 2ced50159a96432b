// Package dispatch drives the dialing pipeline: it drains the due queue,
// places calls through the provider and feeds outcomes back into the
// scheduler.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/metrics"
	"github.com/acme/lead-call-orchestrator/internal/outcome"
	"github.com/acme/lead-call-orchestrator/internal/queue"
	"github.com/acme/lead-call-orchestrator/internal/repository"
	"github.com/acme/lead-call-orchestrator/internal/scheduler"
	"github.com/acme/lead-call-orchestrator/internal/service/concurrency"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

const detailPollInterval = 5 * time.Second

// transientRetries bounds the in-attempt retry budget for infrastructure
// failures before the attempt is booked as an error outcome.
const transientRetries = 3

// DialGate bounds fleet-wide dialing and serializes per-lead access. The
// redis limiter is the production implementation.
type DialGate interface {
	AcquireSlot(ctx context.Context) (bool, error)
	ReleaseSlot(ctx context.Context) error
	LockLead(ctx context.Context, leadID int64) (string, error)
	UnlockLead(ctx context.Context, leadID int64, token string) error
}

var _ DialGate = (*concurrency.Limiter)(nil)

// Worker is the long-lived dispatcher.
type Worker struct {
	cfg        config.DispatcherConfig
	sched      *scheduler.Scheduler
	leads      repository.LeadRepository
	history    repository.CallHistoryStore
	provider   telephony.Provider
	limiter    DialGate
	classifier *outcome.Classifier
	events     *queue.EventPublisher
	collector  *metrics.Collector
	log        *logger.Logger
	now        func() time.Time
	pollDetail time.Duration
}

// New constructs the dispatcher.
func New(
	cfg config.DispatcherConfig,
	sched *scheduler.Scheduler,
	leads repository.LeadRepository,
	history repository.CallHistoryStore,
	provider telephony.Provider,
	limiter DialGate,
	events *queue.EventPublisher,
	collector *metrics.Collector,
	log *logger.Logger,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Minute
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = 10 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = 50 * time.Millisecond
	}
	return &Worker{
		cfg:        cfg,
		sched:      sched,
		leads:      leads,
		history:    history,
		provider:   provider,
		limiter:    limiter,
		classifier: outcome.New(),
		events:     events,
		collector:  collector,
		log:        log,
		now:        time.Now,
		pollDetail: detailPollInterval,
	}
}

// Run executes the poll loop until the context is cancelled. In-flight
// dialing tasks get a drain window on shutdown; survivors are abandoned
// and reclaimed as stale on the next startup.
func (w *Worker) Run(ctx context.Context) error {
	w.reclaimStale(ctx)

	work := make(chan domain.DueCall, w.cfg.ConcurrencyCap)
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.ConcurrencyCap; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for due := range work {
				w.handle(ctx, due)
			}
		}()
	}

	interval := w.sched.Settings().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.poll(ctx, work); err != nil && ctx.Err() == nil {
			w.log.Error("dispatcher: poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			close(work)
			drained := make(chan struct{})
			go func() {
				wg.Wait()
				close(drained)
			}()
			select {
			case <-drained:
			case <-time.After(w.cfg.DrainTimeout):
				w.log.Warn("dispatcher: drain window elapsed, abandoning in-flight calls")
			}
			return ctx.Err()
		case <-ticker.C:
		}

		// The poll interval is a live setting; follow changes without a
		// restart.
		if next := w.sched.Settings().PollInterval; next != interval && next > 0 {
			interval = next
			ticker.Reset(interval)
		}
	}
}

// poll runs one dispatcher cycle. When the work channel fills up the rest
// of the batch is left in the queue; it will be due again next cycle.
func (w *Worker) poll(ctx context.Context, work chan<- domain.DueCall) error {
	tracer := otel.Tracer("orchestrator.dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.poll")
	defer span.End()

	w.reclaimStale(ctx)

	if _, err := w.sched.CleanupOrphans(ctx); err != nil {
		span.RecordError(err)
		w.log.Warn("dispatcher: cleanup orphans", zap.Error(err))
	}

	due, err := w.sched.DueNow(ctx, w.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("due.count", len(due)))
	if len(due) == 0 {
		return nil
	}
	w.log.Info("dispatcher: due batch fetched", zap.Int("count", len(due)))

	for _, call := range due {
		select {
		case work <- call:
		case <-ctx.Done():
			return ctx.Err()
		default:
			w.log.Debug("dispatcher: work channel full, deferring rest of batch")
			return nil
		}
	}
	return nil
}

func (w *Worker) reclaimStale(ctx context.Context) {
	cutoff := w.now().Add(-w.cfg.StaleWindow)
	n, err := w.leads.ReclaimStaleCalling(ctx, cutoff)
	if err != nil {
		w.log.Warn("dispatcher: reclaim stale calling", zap.Error(err))
		return
	}
	if n > 0 {
		w.collector.StaleReclaimed(n)
		w.log.Info("dispatcher: reclaimed stale calling leads", zap.Int64("count", n))
	}
}

// handle runs one dialing task end to end. Failures never propagate; each
// lead's problems stay its own.
func (w *Worker) handle(ctx context.Context, due domain.DueCall) {
	if ctx.Err() != nil {
		return
	}

	tracer := otel.Tracer("orchestrator.dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.dial")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("lead.id", due.LeadID),
		attribute.Int64("schedule.id", due.ScheduleID),
		attribute.Int("attempt", due.AttemptNum))

	claimed, err := w.claim(ctx, due)
	if err != nil {
		span.RecordError(err)
		w.log.Error("dispatcher: claim lead", zap.Int64("lead_id", due.LeadID), zap.Error(err))
		return
	}
	if !claimed {
		w.log.Debug("dispatcher: lead already claimed elsewhere", zap.Int64("lead_id", due.LeadID))
		return
	}

	token, err := w.limiter.LockLead(ctx, due.LeadID)
	if err != nil {
		span.RecordError(err)
		w.log.Warn("dispatcher: lead lock", zap.Int64("lead_id", due.LeadID), zap.Error(err))
		w.release(due.LeadID)
		return
	}
	if token == "" {
		// Stale lock from a crashed worker; its TTL will clear it.
		w.log.Debug("dispatcher: lead locked elsewhere", zap.Int64("lead_id", due.LeadID))
		w.release(due.LeadID)
		return
	}
	defer func() {
		if err := w.limiter.UnlockLead(context.Background(), due.LeadID, token); err != nil {
			w.log.Warn("dispatcher: lead unlock", zap.Error(err))
		}
	}()

	if !w.waitForSlot(ctx) {
		// Could not get a fleet slot before shutdown; release the claim so
		// the lead is picked up again.
		w.release(due.LeadID)
		return
	}
	defer func() {
		if err := w.limiter.ReleaseSlot(context.Background()); err != nil {
			w.log.Warn("dispatcher: release slot", zap.Error(err))
		}
	}()

	w.collector.TaskStarted()
	defer w.collector.TaskDone()
	started := w.now()

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	w.dial(ctx, callCtx, due)
	w.collector.CallFinished(w.now().Sub(started).Seconds())
}

// claim flips the lead's call_status to calling from whatever the due
// query snapshotted.
func (w *Worker) claim(ctx context.Context, due domain.DueCall) (bool, error) {
	var expected *domain.CallStatus
	if due.CallStatus != nil {
		status := domain.CallStatus(*due.CallStatus)
		if status == domain.CallStatusCalling {
			// Another worker holds it, or it is stale; the reclaim sweep
			// decides, not us.
			return false, nil
		}
		expected = &status
	}
	return w.leads.CompareAndSetCallStatus(ctx, due.LeadID, expected, domain.CallStatusCalling)
}

func (w *Worker) release(leadID int64) {
	calling := domain.CallStatusCalling
	if _, err := w.leads.CompareAndSetCallStatus(context.Background(), leadID, &calling, domain.CallStatusError); err != nil {
		w.log.Warn("dispatcher: release claim", zap.Int64("lead_id", leadID), zap.Error(err))
	}
}

func (w *Worker) waitForSlot(ctx context.Context) bool {
	for {
		acquired, err := w.limiter.AcquireSlot(ctx)
		if err != nil {
			w.log.Warn("dispatcher: acquire slot", zap.Error(err))
			return false
		}
		if acquired {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.cfg.PollBackoff):
		}
	}
}

// dial places the call, waits for a terminal outcome and classifies it.
// The provider interaction runs under callCtx, which carries the per-call
// timeout; outcome bookkeeping uses the outer ctx so a timed-out call can
// still be recorded.
func (w *Worker) dial(ctx, callCtx context.Context, due domain.DueCall) {
	var lead *domain.Lead
	err := w.retryTransient(ctx, func() error {
		var loadErr error
		lead, loadErr = w.leads.Get(ctx, due.LeadID)
		return loadErr
	}, func(err error) bool { return !apperrors.Is(err, apperrors.ErrNotFound) })
	if err != nil {
		w.failAttempt(ctx, due, "load lead: "+err.Error())
		return
	}

	var placed telephony.PlacedCall
	err = w.retryTransient(callCtx, func() error {
		var callErr error
		placed, callErr = w.provider.PlaceCall(callCtx, lead)
		return callErr
	}, func(err error) bool { return apperrors.Is(err, apperrors.ErrUnavailable) })
	if err != nil {
		if apperrors.Is(err, apperrors.ErrValidation) {
			// Undialable number; close instead of burning retries.
			w.closeWrongNumber(ctx, due, err.Error())
			return
		}
		w.failAttempt(ctx, due, err.Error())
		return
	}
	if len(placed.RawResponse) > 0 {
		if err := w.leads.StoreProviderResponse(ctx, due.LeadID, placed.RawResponse); err != nil {
			w.log.Warn("dispatcher: store provider response", zap.Error(err))
		}
	}
	if !placed.Accepted {
		w.failAttempt(ctx, due, placed.Error)
		return
	}

	w.collector.CallPlaced()
	w.events.Publish(ctx, queue.LeadEvent{
		Kind:       queue.EventCallPlaced,
		LeadID:     due.LeadID,
		ScheduleID: due.ScheduleID,
		AttemptNum: due.AttemptNum,
		CallID:     placed.CallID,
	})

	detail, ok := w.awaitOutcome(callCtx, placed.CallID)
	if !ok {
		w.failAttempt(ctx, due, "timed out waiting for call outcome")
		return
	}

	record := w.recordHistory(ctx, due, lead, detail)
	w.classifyAndApply(ctx, due, lead, detail, record)
}

// awaitOutcome polls the provider until the call carries a terminal
// outcome code or the per-call timeout hits.
func (w *Worker) awaitOutcome(ctx context.Context, callID string) (*telephony.CallDetail, bool) {
	ticker := time.NewTicker(w.pollDetail)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}

		detail, err := w.provider.CallDetail(ctx, callID)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			w.log.Warn("dispatcher: poll call detail", zap.String("call_id", callID), zap.Error(err))
			continue
		}
		if detail.Outcome != nil {
			return detail, true
		}
	}
}

func (w *Worker) recordHistory(ctx context.Context, due domain.DueCall, lead *domain.Lead, detail *telephony.CallDetail) *domain.CallRecord {
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
		AttemptNum:    due.AttemptNum,
	}
	if rec.CallTime.IsZero() {
		rec.CallTime = w.now()
	}
	err := w.retryTransient(ctx, func() error {
		return w.history.Insert(ctx, rec)
	}, func(error) bool { return true })
	if err != nil {
		w.log.Error("dispatcher: insert call history", zap.String("call_id", rec.CallID), zap.Error(err))
	}
	return rec
}

// retryTransient reruns op with exponential backoff while retryable says
// the failure is worth another shot. The last error is returned once the
// budget runs out.
func (w *Worker) retryTransient(ctx context.Context, op func() error, retryable func(error) bool) error {
	backoff := w.cfg.PollBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == transientRetries || !retryable(err) {
			return err
		}
		w.log.Warn("dispatcher: transient failure, backing off",
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (w *Worker) classifyAndApply(ctx context.Context, due domain.DueCall, lead *domain.Lead, detail *telephony.CallDetail, rec *domain.CallRecord) {
	history, err := w.history.ByLead(ctx, lead.ID, 100)
	if err != nil {
		w.log.Warn("dispatcher: load call history", zap.Int64("lead_id", lead.ID), zap.Error(err))
		history = []domain.CallRecord{*rec}
	}

	cfg := w.sched.Settings()
	verdict := w.classifier.Classify(outcome.Context{
		OutcomeCode:  detail.Outcome,
		Summary:      detail.Summary,
		Collected:    detail.Collected,
		AttemptCount: due.AttemptNum,
		MaxAttempts:  cfg.MaxAttempts,
		History:      history,
		Now:          w.now(),
		Settings:     cfg,
	})

	tag := domain.TagUnknown
	if detail.Outcome != nil {
		tag = domain.TagForOutcome(*detail.Outcome)
	}
	if verdict.Close && verdict.Level1 == domain.Level1Appointment {
		tag = domain.TagSuccess
	}

	w.events.Publish(ctx, queue.LeadEvent{
		Kind:        queue.EventCallFinished,
		LeadID:      lead.ID,
		ScheduleID:  due.ScheduleID,
		AttemptNum:  due.AttemptNum,
		CallID:      detail.CallID,
		OutcomeCode: detail.Outcome,
		OutcomeTag:  string(tag),
		Level1:      verdict.Level1,
		Level2:      verdict.Level2,
	})

	// The dialed entry leaves pending before any rebooking so it ends up
	// completed rather than cancelled.
	w.finish(ctx, due, tag)

	update := scheduler.DispositionUpdate{
		Level1:          verdict.Level1,
		Level2:          verdict.Level2,
		Close:           verdict.Close,
		ClosureReason:   verdict.ClosureReason,
		AppointmentDate: verdict.AppointmentDate,
		AppointmentTime: verdict.AppointmentTime,
	}
	if err := w.sched.ApplyDisposition(ctx, lead.ID, due.ScheduleID, update); err != nil {
		w.log.Error("dispatcher: apply disposition", zap.Int64("lead_id", lead.ID), zap.Error(err))
		return
	}

	if !verdict.Close {
		if _, err := w.sched.ScheduleRetry(ctx, lead.ID, tag); err != nil {
			w.log.Error("dispatcher: schedule retry", zap.Int64("lead_id", lead.ID), zap.Error(err))
		}
	}
}

// failAttempt records an errored attempt and books the retry.
func (w *Worker) failAttempt(ctx context.Context, due domain.DueCall, message string) {
	w.collector.CallFailed()
	if err := w.leads.RecordCallError(ctx, due.LeadID, message); err != nil {
		w.log.Warn("dispatcher: record call error", zap.Int64("lead_id", due.LeadID), zap.Error(err))
	}
	w.events.Publish(ctx, queue.LeadEvent{
		Kind:       queue.EventCallFailed,
		LeadID:     due.LeadID,
		ScheduleID: due.ScheduleID,
		AttemptNum: due.AttemptNum,
		Error:      message,
	})
	w.finish(ctx, due, domain.TagError)
	if _, err := w.sched.ScheduleRetry(ctx, due.LeadID, domain.TagError); err != nil {
		w.log.Error("dispatcher: schedule retry after failure", zap.Int64("lead_id", due.LeadID), zap.Error(err))
	}
}

// closeWrongNumber closes a lead whose phone cannot be dialed at all.
func (w *Worker) closeWrongNumber(ctx context.Context, due domain.DueCall, message string) {
	w.collector.CallFailed()
	if err := w.leads.RecordCallError(ctx, due.LeadID, message); err != nil {
		w.log.Warn("dispatcher: record call error", zap.Int64("lead_id", due.LeadID), zap.Error(err))
	}
	w.finish(ctx, due, domain.TagInvalid)
	update := scheduler.DispositionUpdate{
		Level1:        domain.Level1WrongNumber,
		Close:         true,
		ClosureReason: w.sched.Settings().ClosureReasonFor(domain.TagInvalid),
	}
	if err := w.sched.ApplyDisposition(ctx, due.LeadID, due.ScheduleID, update); err != nil {
		w.log.Error("dispatcher: close wrong number", zap.Int64("lead_id", due.LeadID), zap.Error(err))
	}
}

// finish transitions the schedule entry away from pending whatever path
// the attempt took.
func (w *Worker) finish(ctx context.Context, due domain.DueCall, tag domain.OutcomeTag) {
	if _, err := w.sched.Complete(ctx, due.ScheduleID, tag, ""); err != nil {
		if apperrors.Is(err, apperrors.ErrNoPending) {
			// The retry path already rewrote the pending entry, or a
			// concurrent close cancelled it. Both are fine.
			w.log.Debug("dispatcher: schedule entry already transitioned", zap.Int64("schedule_id", due.ScheduleID))
			return
		}
		w.log.Error("dispatcher: complete schedule entry", zap.Int64("schedule_id", due.ScheduleID), zap.Error(err))
	}
}
