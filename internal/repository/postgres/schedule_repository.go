package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

// ScheduleRepository implements repository.ScheduleRepository using
// PostgreSQL. All methods are lock-free reads or idempotent sweeps; the
// per-lead mutations live on the transactional store.
type ScheduleRepository struct {
	db *sqlx.DB
}

// NewScheduleRepository constructs a new repository.
func NewScheduleRepository(db *sqlx.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// DueNow lists pending entries ripe for dialing, joined with the lead
// columns the dispatcher needs. Closed and manually managed leads are
// filtered out here so workers never see them.
func (r *ScheduleRepository) DueNow(ctx context.Context, now time.Time, limit int) ([]domain.DueCall, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT cs.id AS schedule_id, cs.lead_id, cs.scheduled_at, cs.attempt_number,
	       l.nombre, COALESCE(l.apellidos, '') AS apellidos,
	       COALESCE(l.telefono, '') AS telefono, COALESCE(l.telefono2, '') AS telefono2,
	       l.call_status
	  FROM call_schedule cs
	  JOIN leads l ON l.id = cs.lead_id
	 WHERE cs.status = 'pending'
	   AND cs.scheduled_at <= $1
	   AND l.lead_status = 'open'
	   AND l.manual_management = FALSE
	 ORDER BY cs.scheduled_at ASC, cs.attempt_number ASC, cs.id ASC
	 LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("schedule repo: due now: %w", err)
	}
	defer rows.Close()

	var results []domain.DueCall
	for rows.Next() {
		var rec dueCallRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("schedule repo: scan due: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule repo: rows err: %w", err)
	}
	return results, nil
}

// ListPending lists pending entries, optionally only those already due.
func (r *ScheduleRepository) ListPending(ctx context.Context, now time.Time, dueOnly bool, limit int) ([]domain.ScheduledCall, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT id, lead_id, scheduled_at, attempt_number, status, last_outcome, notes, created_at, updated_at
	  FROM call_schedule
	 WHERE status = 'pending'`
	args := []any{limit}
	if dueOnly {
		q += ` AND scheduled_at <= $2`
		args = append(args, now)
	}
	q += ` ORDER BY scheduled_at ASC, attempt_number ASC, id ASC LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("schedule repo: list pending: %w", err)
	}
	defer rows.Close()

	var results []domain.ScheduledCall
	for rows.Next() {
		var rec scheduleRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("schedule repo: scan pending: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule repo: rows err: %w", err)
	}
	return results, nil
}

// CancelForClosedLeads sweeps pendings whose lead already closed.
// Idempotent; safe to run on every dispatcher cycle.
func (r *ScheduleRepository) CancelForClosedLeads(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE call_schedule cs SET status = 'cancelled', updated_at = NOW()
		  FROM leads l
		 WHERE l.id = cs.lead_id
		   AND cs.status = 'pending'
		   AND l.lead_status = 'closed'`)
	if err != nil {
		return 0, fmt.Errorf("schedule repo: cancel for closed leads: %w", err)
	}
	return res.RowsAffected()
}

// CountDue returns pending entries with scheduled_at at or before now.
func (r *ScheduleRepository) CountDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM call_schedule WHERE status = 'pending' AND scheduled_at <= $1`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("schedule repo: count due: %w", err)
	}
	return n, nil
}

// CountScheduledBetween returns pendings scheduled inside [from, to).
func (r *ScheduleRepository) CountScheduledBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM call_schedule
		  WHERE status = 'pending' AND scheduled_at >= $1 AND scheduled_at < $2`, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("schedule repo: count scheduled: %w", err)
	}
	return n, nil
}

type scheduleRecord struct {
	ID          int64          `db:"id"`
	LeadID      int64          `db:"lead_id"`
	ScheduledAt time.Time      `db:"scheduled_at"`
	AttemptNum  int            `db:"attempt_number"`
	Status      string         `db:"status"`
	LastOutcome sql.NullString `db:"last_outcome"`
	Notes       string         `db:"notes"`
	CreatedAt   sql.NullTime   `db:"created_at"`
	UpdatedAt   sql.NullTime   `db:"updated_at"`
}

func (r scheduleRecord) toDomain() domain.ScheduledCall {
	entry := domain.ScheduledCall{
		ID:          r.ID,
		LeadID:      r.LeadID,
		ScheduledAt: r.ScheduledAt,
		AttemptNum:  r.AttemptNum,
		Status:      domain.ScheduleStatus(r.Status),
		Notes:       r.Notes,
		CreatedAt:   r.CreatedAt.Time,
		UpdatedAt:   r.UpdatedAt.Time,
	}
	if r.LastOutcome.Valid {
		entry.LastOutcome = &r.LastOutcome.String
	}
	return entry
}

type dueCallRecord struct {
	ScheduleID  int64          `db:"schedule_id"`
	LeadID      int64          `db:"lead_id"`
	ScheduledAt time.Time      `db:"scheduled_at"`
	AttemptNum  int            `db:"attempt_number"`
	FirstName   string         `db:"nombre"`
	LastName    string         `db:"apellidos"`
	Phone       string         `db:"telefono"`
	PhoneAlt    string         `db:"telefono2"`
	CallStatus  sql.NullString `db:"call_status"`
}

func (r dueCallRecord) toDomain() domain.DueCall {
	due := domain.DueCall{
		ScheduleID:  r.ScheduleID,
		LeadID:      r.LeadID,
		ScheduledAt: r.ScheduledAt,
		AttemptNum:  r.AttemptNum,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Phone:       r.Phone,
		PhoneAlt:    r.PhoneAlt,
	}
	if r.CallStatus.Valid {
		due.CallStatus = &r.CallStatus.String
	}
	return due
}
