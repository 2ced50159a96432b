package repository

import (
	"context"
	"time"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// Tx exposes the mutations that must happen under a single transaction
// with the lead row locked. Every method operates within the transaction
// that produced the Tx.
type Tx interface {
	// LeadForUpdate loads a lead and takes its row lock.
	LeadForUpdate(ctx context.Context, id int64) (*domain.Lead, error)

	// UpdateLeadAttempt bumps the attempt counter, stamps the attempt
	// time and rewrites call_status (nil clears it).
	UpdateLeadAttempt(ctx context.Context, id int64, attempts int, at time.Time, status *domain.CallStatus) error

	// UpdateLeadDisposition writes the two-level disposition and any
	// confirmed appointment slot.
	UpdateLeadDisposition(ctx context.Context, id int64, level1, level2 *string, apptDate *time.Time, apptTime *string) error

	// CloseLead marks the lifecycle terminal with a reason.
	CloseLead(ctx context.Context, id int64, reason string) error

	// ReplacePending cancels any pending entry for the lead and inserts a
	// fresh one in the same statement scope.
	ReplacePending(ctx context.Context, leadID int64, attempt int, at time.Time, lastOutcome domain.OutcomeTag) error

	// CancelPending cancels the lead's pending entries. Returns the count.
	CancelPending(ctx context.Context, leadID int64) (int64, error)

	// CompleteScheduleByID transitions one pending entry to completed,
	// stamping any operator notes. Returns the number of rows moved (0
	// or 1).
	CompleteScheduleByID(ctx context.Context, scheduleID int64, lastOutcome domain.OutcomeTag, notes string) (int64, error)
}

// Store runs transactional units of work.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// LeadRepository covers the lock-free lead reads and the bulk control
// operations issued outside scheduler transactions.
type LeadRepository interface {
	Get(ctx context.Context, id int64) (*domain.Lead, error)

	// CompareAndSetCallStatus flips call_status from expected (nil means
	// NULL) to next, returning false when another writer got there first.
	CompareAndSetCallStatus(ctx context.Context, id int64, expected *domain.CallStatus, next domain.CallStatus) (bool, error)

	// RecordCallError stashes the provider error message on the lead.
	RecordCallError(ctx context.Context, id int64, message string) error

	// StoreProviderResponse keeps the last raw provider payload.
	StoreProviderResponse(ctx context.Context, id int64, payload []byte) error

	// ReclaimStaleCalling rewrites call_status from calling to error for
	// leads whose attempt predates cutoff. Returns the count.
	ReclaimStaleCalling(ctx context.Context, cutoff time.Time) (int64, error)

	// SetSelected updates selected_for_calling for a batch of leads.
	SetSelected(ctx context.Context, ids []int64, selected bool) (int64, error)

	// SelectByDisposition bulk-marks open leads matching the disposition
	// that have no confirmed appointment.
	SelectByDisposition(ctx context.Context, level1 string, level2 *string, selected bool) (int64, error)

	// FindByPhone resolves a lead by either phone column.
	FindByPhone(ctx context.Context, phone string) (*domain.Lead, error)

	// AttemptStats returns average and maximum attempt counters over
	// leads with at least one attempt.
	AttemptStats(ctx context.Context) (avg float64, max int, err error)

	// ClosuresByReason counts closed leads per closure reason.
	ClosuresByReason(ctx context.Context) (map[string]int64, error)
}

// ScheduleRepository covers the lock-free schedule reads.
type ScheduleRepository interface {
	// DueNow lists pending entries ripe for dialing. Leads that are
	// closed or under manual management are excluded. Ordered by
	// scheduled_at, then attempt number, then id.
	DueNow(ctx context.Context, now time.Time, limit int) ([]domain.DueCall, error)

	// ListPending lists pending entries, optionally only those already
	// due.
	ListPending(ctx context.Context, now time.Time, dueOnly bool, limit int) ([]domain.ScheduledCall, error)

	// CancelForClosedLeads cancels pendings whose lead is closed.
	CancelForClosedLeads(ctx context.Context) (int64, error)

	// CountDue returns pending entries with scheduled_at <= now.
	CountDue(ctx context.Context, now time.Time) (int64, error)

	// CountScheduledBetween returns pendings scheduled inside [from, to).
	CountScheduledBetween(ctx context.Context, from, to time.Time) (int64, error)
}

// ConfigRepository persists the key/value scheduler settings.
type ConfigRepository interface {
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value, description string) error
}

// CallHistoryStore is the append-only log of observed call attempts.
type CallHistoryStore interface {
	Insert(ctx context.Context, rec *domain.CallRecord) error
	ByLead(ctx context.Context, leadID int64, limit int) ([]domain.CallRecord, error)
	ByCallID(ctx context.Context, callID string) (*domain.CallRecord, error)
}
