package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/metrics"
	"github.com/acme/lead-call-orchestrator/internal/repository"
	"github.com/acme/lead-call-orchestrator/internal/scheduler"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

// backend holds leads, schedule entries and call history in memory and
// serves both the transactional store and the lock-free repositories, so
// the worker and the scheduler see the same state.
type backend struct {
	mu        sync.Mutex
	leads     map[int64]*domain.Lead
	pendings  map[int64]*domain.ScheduledCall
	history   []domain.CallRecord
	errors    map[int64]string
	responses map[int64][]byte
	nextID    int64
	reclaims  []time.Time
}

func newBackend() *backend {
	return &backend{
		leads:     make(map[int64]*domain.Lead),
		pendings:  make(map[int64]*domain.ScheduledCall),
		errors:    make(map[int64]string),
		responses: make(map[int64][]byte),
		nextID:    100,
	}
}

func (b *backend) InTx(_ context.Context, fn func(tx repository.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(&backendTx{b: b})
}

type backendTx struct{ b *backend }

func (t *backendTx) LeadForUpdate(_ context.Context, id int64) (*domain.Lead, error) {
	lead, ok := t.b.leads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *lead
	return &cp, nil
}

func (t *backendTx) UpdateLeadAttempt(_ context.Context, id int64, attempts int, at time.Time, status *domain.CallStatus) error {
	lead := t.b.leads[id]
	lead.CallAttempts = attempts
	lead.LastCallAttempt = &at
	lead.CallStatus = status
	return nil
}

func (t *backendTx) UpdateLeadDisposition(_ context.Context, id int64, level1, level2 *string, apptDate *time.Time, apptTime *string) error {
	lead := t.b.leads[id]
	lead.StatusLevel1 = level1
	lead.StatusLevel2 = level2
	if apptDate != nil {
		lead.AppointmentDate = apptDate
	}
	if apptTime != nil {
		lead.AppointmentTime = apptTime
	}
	return nil
}

func (t *backendTx) CloseLead(_ context.Context, id int64, reason string) error {
	lead := t.b.leads[id]
	lead.LeadStatus = domain.LeadStatusClosed
	lead.ClosureReason = &reason
	return nil
}

func (t *backendTx) ReplacePending(_ context.Context, leadID int64, attempt int, at time.Time, tag domain.OutcomeTag) error {
	outcome := string(tag)
	t.b.pendings[leadID] = &domain.ScheduledCall{
		ID:          t.b.nextID,
		LeadID:      leadID,
		ScheduledAt: at,
		AttemptNum:  attempt,
		Status:      domain.SchedulePending,
		LastOutcome: &outcome,
	}
	t.b.nextID++
	return nil
}

func (t *backendTx) CancelPending(_ context.Context, leadID int64) (int64, error) {
	if _, ok := t.b.pendings[leadID]; !ok {
		return 0, nil
	}
	delete(t.b.pendings, leadID)
	return 1, nil
}

func (t *backendTx) CompleteScheduleByID(_ context.Context, scheduleID int64, _ domain.OutcomeTag, _ string) (int64, error) {
	for leadID, entry := range t.b.pendings {
		if entry.ID == scheduleID {
			delete(t.b.pendings, leadID)
			return 1, nil
		}
	}
	return 0, nil
}

// leadRepo serves the lock-free lead operations over the same maps.
type leadRepo struct{ b *backend }

func (r *leadRepo) Get(_ context.Context, id int64) (*domain.Lead, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	lead, ok := r.b.leads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *lead
	return &cp, nil
}

func (r *leadRepo) CompareAndSetCallStatus(_ context.Context, id int64, expected *domain.CallStatus, next domain.CallStatus) (bool, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	lead, ok := r.b.leads[id]
	if !ok {
		return false, nil
	}
	switch {
	case expected == nil && lead.CallStatus != nil:
		return false, nil
	case expected != nil && (lead.CallStatus == nil || *lead.CallStatus != *expected):
		return false, nil
	}
	lead.CallStatus = &next
	return true, nil
}

func (r *leadRepo) RecordCallError(_ context.Context, id int64, message string) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.errors[id] = message
	return nil
}

func (r *leadRepo) StoreProviderResponse(_ context.Context, id int64, payload []byte) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.responses[id] = payload
	return nil
}

func (r *leadRepo) ReclaimStaleCalling(_ context.Context, cutoff time.Time) (int64, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.reclaims = append(r.b.reclaims, cutoff)
	return 0, nil
}

func (r *leadRepo) SetSelected(context.Context, []int64, bool) (int64, error) { return 0, nil }

func (r *leadRepo) SelectByDisposition(context.Context, string, *string, bool) (int64, error) {
	return 0, nil
}

func (r *leadRepo) FindByPhone(context.Context, string) (*domain.Lead, error) {
	return nil, repository.ErrNotFound
}

func (r *leadRepo) AttemptStats(context.Context) (float64, int, error) { return 0, 0, nil }

func (r *leadRepo) ClosuresByReason(context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

type historyStore struct{ b *backend }

func (h *historyStore) Insert(_ context.Context, rec *domain.CallRecord) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	h.b.history = append(h.b.history, *rec)
	return nil
}

func (h *historyStore) ByLead(_ context.Context, leadID int64, _ int) ([]domain.CallRecord, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	var out []domain.CallRecord
	for _, rec := range h.b.history {
		if rec.LeadID == leadID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (h *historyStore) ByCallID(_ context.Context, callID string) (*domain.CallRecord, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	for i := range h.b.history {
		if h.b.history[i].CallID == callID {
			cp := h.b.history[i]
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

// stubProvider plays back one scripted call. The first failPlaces dial
// attempts fail as if the provider were unreachable.
type stubProvider struct {
	mu         sync.Mutex
	placeErr   error
	failPlaces int
	rejectMsg  string
	detail     *telephony.CallDetail
	placed     int
}

func (p *stubProvider) PlaceCall(_ context.Context, lead *domain.Lead) (telephony.PlacedCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed++
	if p.failPlaces > 0 {
		p.failPlaces--
		return telephony.PlacedCall{}, apperrors.Wrap(apperrors.ErrUnavailable, "provider unreachable")
	}
	if p.placeErr != nil {
		return telephony.PlacedCall{}, p.placeErr
	}
	if p.rejectMsg != "" {
		return telephony.PlacedCall{Accepted: false, Error: p.rejectMsg, RawResponse: []byte(`{}`)}, nil
	}
	return telephony.PlacedCall{
		CallID:      "call-1",
		Accepted:    true,
		RawResponse: []byte(`{"id":"call-1"}`),
	}, nil
}

func (p *stubProvider) CallDetail(context.Context, string) (*telephony.CallDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detail == nil {
		return &telephony.CallDetail{CallID: "call-1"}, nil
	}
	cp := *p.detail
	return &cp, nil
}

func (p *stubProvider) SearchCalls(context.Context, time.Time, time.Time) ([]telephony.CallDetail, error) {
	return nil, nil
}

func (p *stubProvider) Healthy(context.Context) bool { return true }

// stubGate hands out slots and locks unconditionally.
type stubGate struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (g *stubGate) AcquireSlot(context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquired++
	return true, nil
}

func (g *stubGate) ReleaseSlot(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released++
	return nil
}

func (g *stubGate) LockLead(context.Context, int64) (string, error) { return "token", nil }

func (g *stubGate) UnlockLead(context.Context, int64, string) error { return nil }

func newTestWorker(t *testing.T, b *backend, provider telephony.Provider) (*Worker, *stubGate) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	leads := &leadRepo{b: b}
	sched := scheduler.New(b, leads, nil, nil, nil,
		metrics.NewCollector(prometheus.NewRegistry()), loc, logger.NewNop())

	gate := &stubGate{}
	w := New(config.DispatcherConfig{CallTimeout: time.Second, PollBackoff: time.Millisecond},
		sched, leads, &historyStore{b: b},
		provider, gate, nil, metrics.NewCollector(prometheus.NewRegistry()), logger.NewNop())
	w.pollDetail = time.Millisecond
	// Monday noon, inside the working window.
	w.now = func() time.Time { return time.Date(2025, 9, 22, 12, 0, 0, 0, loc) }
	return w, gate
}

func seedDue(b *backend, leadID int64, attempt int) domain.DueCall {
	b.pendings[leadID] = &domain.ScheduledCall{
		ID:         10,
		LeadID:     leadID,
		AttemptNum: attempt,
		Status:     domain.SchedulePending,
	}
	return domain.DueCall{
		ScheduleID: 10,
		LeadID:     leadID,
		AttemptNum: attempt,
	}
}

func TestHandleNoAnswerBooksRetry(t *testing.T) {
	b := newBackend()
	b.leads[1] = &domain.Lead{ID: 1, FirstName: "Ana", Phone: "+34600111222", LeadStatus: domain.LeadStatusOpen}
	due := seedDue(b, 1, 1)

	noAnswer := 7
	provider := &stubProvider{detail: &telephony.CallDetail{
		CallID:   "call-1",
		Phone:    "+34600111222",
		Duration: 20 * time.Second,
		Outcome:  &noAnswer,
	}}
	w, gate := newTestWorker(t, b, provider)

	w.handle(context.Background(), due)

	require.Len(t, b.history, 1)
	assert.Equal(t, "call-1", b.history[0].CallID)
	assert.Equal(t, 1, b.history[0].AttemptNum)

	lead := b.leads[1]
	require.NotNil(t, lead.StatusLevel1)
	assert.Equal(t, domain.Level1CallBack, *lead.StatusLevel1)
	require.NotNil(t, lead.StatusLevel2)
	assert.Equal(t, domain.Level2Voicemail, *lead.StatusLevel2)
	require.NotNil(t, lead.CallStatus)
	assert.Equal(t, domain.CallStatusNoAnswer, *lead.CallStatus)
	assert.Equal(t, 1, lead.CallAttempts)

	next := b.pendings[1]
	require.NotNil(t, next, "a retry entry must replace the completed one")
	assert.NotEqual(t, int64(10), next.ID)
	assert.Equal(t, 1, gate.acquired)
	assert.Equal(t, 1, gate.released)
	assert.Equal(t, []byte(`{"id":"call-1"}`), b.responses[1])
}

func TestHandleAppointmentClosesLead(t *testing.T) {
	b := newBackend()
	b.leads[1] = &domain.Lead{ID: 1, FirstName: "Ana", Phone: "+34600111222", LeadStatus: domain.LeadStatusOpen}
	due := seedDue(b, 1, 2)

	success := 3
	provider := &stubProvider{detail: &telephony.CallDetail{
		CallID:  "call-1",
		Outcome: &success,
		Collected: &domain.CollectedInfo{
			WithPack:   true,
			ChosenDate: "20250925",
			ChosenTime: "17:00",
		},
	}}
	w, _ := newTestWorker(t, b, provider)

	w.handle(context.Background(), due)

	lead := b.leads[1]
	assert.Equal(t, domain.LeadStatusClosed, lead.LeadStatus)
	require.NotNil(t, lead.StatusLevel1)
	assert.Equal(t, domain.Level1Appointment, *lead.StatusLevel1)
	require.NotNil(t, lead.StatusLevel2)
	assert.Equal(t, domain.Level2WithPack, *lead.StatusLevel2)
	require.NotNil(t, lead.AppointmentDate)
	assert.Equal(t, "2025-09-25", lead.AppointmentDate.Format("2006-01-02"))
	require.NotNil(t, lead.AppointmentTime)
	assert.Equal(t, "17:00", *lead.AppointmentTime)
	assert.Empty(t, b.pendings, "closed leads keep no pending entries")
}

func TestHandleSkipsWhenClaimLost(t *testing.T) {
	b := newBackend()
	calling := domain.CallStatusCalling
	b.leads[1] = &domain.Lead{ID: 1, Phone: "+34600111222", LeadStatus: domain.LeadStatusOpen, CallStatus: &calling}
	due := seedDue(b, 1, 1)
	status := string(calling)
	due.CallStatus = &status

	provider := &stubProvider{}
	w, gate := newTestWorker(t, b, provider)

	w.handle(context.Background(), due)

	assert.Zero(t, provider.placed)
	assert.Zero(t, gate.acquired)
	require.NotNil(t, b.pendings[1], "the entry stays pending for the claim holder")
}

func TestHandleUndialablePhoneClosesWrongNumber(t *testing.T) {
	b := newBackend()
	b.leads[1] = &domain.Lead{ID: 1, Phone: "12", LeadStatus: domain.LeadStatusOpen}
	due := seedDue(b, 1, 1)

	provider := &stubProvider{placeErr: fmt.Errorf("normalize phone: %w", apperrors.ErrValidation)}
	w, _ := newTestWorker(t, b, provider)

	w.handle(context.Background(), due)

	lead := b.leads[1]
	assert.Equal(t, domain.LeadStatusClosed, lead.LeadStatus)
	require.NotNil(t, lead.ClosureReason)
	assert.Equal(t, "Teléfono erróneo", *lead.ClosureReason)
	require.NotNil(t, lead.StatusLevel1)
	assert.Equal(t, domain.Level1WrongNumber, *lead.StatusLevel1)
	assert.Empty(t, b.pendings)
	assert.NotEmpty(t, b.errors[1])
}

func TestHandleProviderRejectionBooksRetry(t *testing.T) {
	b := newBackend()
	b.leads[1] = &domain.Lead{ID: 1, Phone: "+34600111222", LeadStatus: domain.LeadStatusOpen}
	due := seedDue(b, 1, 1)

	provider := &stubProvider{rejectMsg: "campaign stopped"}
	w, _ := newTestWorker(t, b, provider)

	w.handle(context.Background(), due)

	assert.Equal(t, "campaign stopped", b.errors[1])
	next := b.pendings[1]
	require.NotNil(t, next)
	assert.NotEqual(t, int64(10), next.ID)
	lead := b.leads[1]
	require.NotNil(t, lead.CallStatus)
	assert.Equal(t, domain.CallStatusError, *lead.CallStatus)
	assert.Empty(t, b.history, "a rejected call never reaches the history log")
}

func TestHandleRetriesTransientProviderFailure(t *testing.T) {
	b := newBackend()
	b.leads[1] = &domain.Lead{ID: 1, Phone: "+34600111222", LeadStatus: domain.LeadStatusOpen}
	due := seedDue(b, 1, 1)

	noAnswer := 7
	provider := &stubProvider{
		failPlaces: 2,
		detail:     &telephony.CallDetail{CallID: "call-1", Outcome: &noAnswer},
	}
	w, _ := newTestWorker(t, b, provider)

	w.handle(context.Background(), due)

	assert.Equal(t, 3, provider.placed, "two transient failures then a successful dial")
	assert.Empty(t, b.errors, "a recovered attempt leaves no error on the lead")
	require.Len(t, b.history, 1)
	require.NotNil(t, b.pendings[1], "the no-answer outcome books a retry")
}

func TestHandleTransientFailureBudgetExhausted(t *testing.T) {
	b := newBackend()
	b.leads[1] = &domain.Lead{ID: 1, Phone: "+34600111222", LeadStatus: domain.LeadStatusOpen}
	due := seedDue(b, 1, 1)

	provider := &stubProvider{failPlaces: 10}
	w, _ := newTestWorker(t, b, provider)

	w.handle(context.Background(), due)

	assert.Equal(t, 3, provider.placed, "the budget caps the in-attempt retries")
	assert.Contains(t, b.errors[1], "provider unreachable")
	require.NotNil(t, b.pendings[1], "the failed attempt still books a retry")
	require.NotNil(t, b.leads[1].CallStatus)
	assert.Equal(t, domain.CallStatusError, *b.leads[1].CallStatus)
}

func TestHandleOutcomeTimeoutBooksRetry(t *testing.T) {
	b := newBackend()
	b.leads[1] = &domain.Lead{ID: 1, Phone: "+34600111222", LeadStatus: domain.LeadStatusOpen}
	due := seedDue(b, 1, 1)

	// Detail never turns terminal; the per-call timeout has to cut it off.
	provider := &stubProvider{detail: &telephony.CallDetail{CallID: "call-1"}}
	w, _ := newTestWorker(t, b, provider)
	w.cfg.CallTimeout = 20 * time.Millisecond

	w.handle(context.Background(), due)

	assert.Equal(t, "timed out waiting for call outcome", b.errors[1])
	require.NotNil(t, b.pendings[1])
	assert.NotEqual(t, int64(10), b.pendings[1].ID)
}

func TestReclaimStaleUsesConfiguredWindow(t *testing.T) {
	b := newBackend()
	w, _ := newTestWorker(t, b, &stubProvider{})
	w.cfg.StaleWindow = 10 * time.Minute

	w.reclaimStale(context.Background())

	require.Len(t, b.reclaims, 1)
	assert.Equal(t, w.now().Add(-10*time.Minute), b.reclaims[0])
}
