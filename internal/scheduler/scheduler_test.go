package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/metrics"
	"github.com/acme/lead-call-orchestrator/internal/repository"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

// fakeStore keeps leads and schedule entries in memory and hands out a tx
// view over the same maps. Good enough to exercise the scheduler's
// decision logic without a database.
type fakeStore struct {
	leads     map[int64]*domain.Lead
	pendings  map[int64]*domain.ScheduledCall
	completed map[int64]*domain.ScheduledCall
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		leads:     make(map[int64]*domain.Lead),
		pendings:  make(map[int64]*domain.ScheduledCall),
		completed: make(map[int64]*domain.ScheduledCall),
		nextID:    1,
	}
}

func (f *fakeStore) InTx(_ context.Context, fn func(tx repository.Tx) error) error {
	return fn(&fakeTx{store: f})
}

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) LeadForUpdate(_ context.Context, id int64) (*domain.Lead, error) {
	lead, ok := t.store.leads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *lead
	return &cp, nil
}

func (t *fakeTx) UpdateLeadAttempt(_ context.Context, id int64, attempts int, at time.Time, status *domain.CallStatus) error {
	lead := t.store.leads[id]
	lead.CallAttempts = attempts
	lead.LastCallAttempt = &at
	lead.CallStatus = status
	return nil
}

func (t *fakeTx) UpdateLeadDisposition(_ context.Context, id int64, level1, level2 *string, apptDate *time.Time, apptTime *string) error {
	lead := t.store.leads[id]
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

func (t *fakeTx) CloseLead(_ context.Context, id int64, reason string) error {
	lead := t.store.leads[id]
	lead.LeadStatus = domain.LeadStatusClosed
	lead.ClosureReason = &reason
	return nil
}

func (t *fakeTx) ReplacePending(_ context.Context, leadID int64, attempt int, at time.Time, tag domain.OutcomeTag) error {
	outcome := string(tag)
	t.store.pendings[leadID] = &domain.ScheduledCall{
		ID:          t.store.nextID,
		LeadID:      leadID,
		ScheduledAt: at,
		AttemptNum:  attempt,
		Status:      domain.SchedulePending,
		LastOutcome: &outcome,
	}
	t.store.nextID++
	return nil
}

func (t *fakeTx) CancelPending(_ context.Context, leadID int64) (int64, error) {
	if _, ok := t.store.pendings[leadID]; !ok {
		return 0, nil
	}
	delete(t.store.pendings, leadID)
	return 1, nil
}

func (t *fakeTx) CompleteScheduleByID(_ context.Context, scheduleID int64, tag domain.OutcomeTag, notes string) (int64, error) {
	for leadID, entry := range t.store.pendings {
		if entry.ID == scheduleID {
			outcome := string(tag)
			entry.Status = domain.ScheduleCompleted
			entry.LastOutcome = &outcome
			entry.Notes = notes
			t.store.completed[scheduleID] = entry
			delete(t.store.pendings, leadID)
			return 1, nil
		}
	}
	return 0, nil
}

func newTestScheduler(t *testing.T, store *fakeStore) *Scheduler {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	s := New(store, nil, nil, nil, nil,
		metrics.NewCollector(prometheus.NewRegistry()), loc, logger.NewNop())
	// Monday noon, well inside the working window.
	s.now = func() time.Time { return time.Date(2025, 9, 22, 12, 0, 0, 0, loc) }
	return s
}

func openLead(id int64, attempts int) *domain.Lead {
	return &domain.Lead{
		ID:           id,
		FirstName:    "Ana",
		Phone:        "+34600111222",
		CallAttempts: attempts,
		LeadStatus:   domain.LeadStatusOpen,
	}
}

func TestScheduleRetryBooksNextWorkingSlot(t *testing.T) {
	store := newFakeStore()
	store.leads[1] = openLead(1, 0)
	s := newTestScheduler(t, store)

	out, err := s.ScheduleRetry(context.Background(), 1, domain.TagNoAnswer)
	require.NoError(t, err)

	assert.Equal(t, domain.ScheduleRescheduled, out.Result)
	assert.Equal(t, 1, out.Attempts)
	// Monday 12:00 plus the 30 hour default is Tuesday 18:00, inside the
	// working window, so it sticks.
	assert.Equal(t, time.Date(2025, 9, 23, 18, 0, 0, 0, s.Settings().Location), out.NextAt)

	entry := store.pendings[1]
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.AttemptNum)
	assert.Equal(t, out.NextAt, entry.ScheduledAt)
	assert.Equal(t, 1, store.leads[1].CallAttempts)
	require.NotNil(t, store.leads[1].CallStatus)
	assert.Equal(t, domain.CallStatusNoAnswer, *store.leads[1].CallStatus)
}

func TestScheduleRetryReplacesExistingPending(t *testing.T) {
	store := newFakeStore()
	store.leads[1] = openLead(1, 1)
	s := newTestScheduler(t, store)

	_, err := s.ScheduleRetry(context.Background(), 1, domain.TagBusy)
	require.NoError(t, err)
	first := store.pendings[1].ID

	_, err = s.ScheduleRetry(context.Background(), 1, domain.TagNoAnswer)
	require.NoError(t, err)

	entry := store.pendings[1]
	assert.NotEqual(t, first, entry.ID)
	assert.Equal(t, 3, entry.AttemptNum)
}

func TestScheduleRetryClosesAtMaxAttempts(t *testing.T) {
	store := newFakeStore()
	store.leads[1] = openLead(1, 5)
	s := newTestScheduler(t, store)

	out, err := s.ScheduleRetry(context.Background(), 1, domain.TagNoAnswer)
	require.NoError(t, err)

	assert.Equal(t, domain.ScheduleClosedMaxAttempts, out.Result)
	assert.Equal(t, 6, out.Attempts)
	assert.Equal(t, "Ilocalizable", out.ClosureReason)

	lead := store.leads[1]
	assert.True(t, lead.Closed())
	require.NotNil(t, lead.StatusLevel1)
	assert.Equal(t, domain.Level1MaxAttempts, *lead.StatusLevel1)
	assert.Nil(t, store.pendings[1])
}

func TestScheduleRetryChainEndsClosed(t *testing.T) {
	store := newFakeStore()
	store.leads[1] = openLead(1, 0)
	s := newTestScheduler(t, store)

	var last RetryOutcome
	for i := 0; i < 6; i++ {
		out, err := s.ScheduleRetry(context.Background(), 1, domain.TagNoAnswer)
		require.NoError(t, err)
		last = out
	}

	assert.Equal(t, domain.ScheduleClosedMaxAttempts, last.Result)
	assert.True(t, store.leads[1].Closed())
	assert.Nil(t, store.pendings[1], "closed lead must hold no pending entry")
}

func TestScheduleRetryAlreadyClosed(t *testing.T) {
	store := newFakeStore()
	lead := openLead(1, 2)
	lead.LeadStatus = domain.LeadStatusClosed
	store.leads[1] = lead
	s := newTestScheduler(t, store)

	out, err := s.ScheduleRetry(context.Background(), 1, domain.TagNoAnswer)
	require.NoError(t, err)

	assert.Equal(t, domain.ScheduleLeadAlreadyClosed, out.Result)
	assert.Equal(t, 2, store.leads[1].CallAttempts, "no mutation on closed lead")
}

func TestScheduleRetryNotFound(t *testing.T) {
	s := newTestScheduler(t, newFakeStore())

	out, err := s.ScheduleRetry(context.Background(), 99, domain.TagNoAnswer)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleLeadNotFound, out.Result)
}

func TestCompleteTransitionsPending(t *testing.T) {
	store := newFakeStore()
	store.leads[1] = openLead(1, 0)
	s := newTestScheduler(t, store)

	_, err := s.ScheduleRetry(context.Background(), 1, domain.TagBusy)
	require.NoError(t, err)
	scheduleID := store.pendings[1].ID

	moved, err := s.Complete(context.Background(), scheduleID, domain.TagSuccess, "confirmada por teléfono")
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)
	assert.Nil(t, store.pendings[1])

	done := store.completed[scheduleID]
	require.NotNil(t, done)
	assert.Equal(t, domain.ScheduleCompleted, done.Status)
	assert.Equal(t, "confirmada por teléfono", done.Notes)
}

func TestCompleteNoPendingEntry(t *testing.T) {
	s := newTestScheduler(t, newFakeStore())

	_, err := s.Complete(context.Background(), 42, domain.TagSuccess, "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoPending))
}

func TestApplyDispositionClosesLead(t *testing.T) {
	store := newFakeStore()
	store.leads[1] = openLead(1, 2)
	s := newTestScheduler(t, store)

	appt := time.Date(2025, 9, 25, 0, 0, 0, 0, time.UTC)
	err := s.ApplyDisposition(context.Background(), 1, 0, DispositionUpdate{
		Level1:          domain.Level1Appointment,
		Level2:          domain.Level2WithPack,
		Close:           true,
		ClosureReason:   domain.Level1Appointment,
		AppointmentDate: &appt,
		AppointmentTime: "17:00",
	})
	require.NoError(t, err)

	lead := store.leads[1]
	assert.True(t, lead.Closed())
	require.NotNil(t, lead.AppointmentDate)
	assert.Equal(t, appt, *lead.AppointmentDate)
	require.NotNil(t, lead.AppointmentTime)
	assert.Equal(t, "17:00", *lead.AppointmentTime)
}

func TestForceCloseReportsPerLead(t *testing.T) {
	store := newFakeStore()
	store.leads[1] = openLead(1, 0)
	closed := openLead(2, 0)
	closed.LeadStatus = domain.LeadStatusClosed
	store.leads[2] = closed
	s := newTestScheduler(t, store)

	results := s.ForceClose(context.Background(), []int64{1, 2, 3}, "Ilocalizable")
	require.Len(t, results, 3)

	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.False(t, results[2].OK)
	assert.True(t, store.leads[1].Closed())
}
