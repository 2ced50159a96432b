package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/repository"
)

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}

// Store implements repository.Store over PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// NewStore constructs the transactional store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// InTx runs fn inside one transaction; the Tx it receives holds row locks
// for the duration.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return fn(&storeTx{tx: tx})
	})
}

type storeTx struct {
	tx *sqlx.Tx
}

func (t *storeTx) LeadForUpdate(ctx context.Context, id int64) (*domain.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1 FOR UPDATE`

	var record leadRecord
	if err := t.tx.QueryRowxContext(ctx, q, id).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lead tx: lock: %w", err)
	}
	lead := record.toDomain()
	return &lead, nil
}

func (t *storeTx) UpdateLeadAttempt(ctx context.Context, id int64, attempts int, at time.Time, status *domain.CallStatus) error {
	q := `UPDATE leads SET
		call_attempts_count = :attempts,
		last_call_attempt = :at,
		call_status = :status,
		updated_at = NOW()
	 WHERE id = :id`

	params := map[string]any{
		"id":       id,
		"attempts": attempts,
		"at":       at,
		"status":   callStatusValue(status),
	}

	res, err := t.tx.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("lead tx: update attempt: %w", err)
	}
	return requireRow(res, "lead tx: update attempt")
}

func (t *storeTx) UpdateLeadDisposition(ctx context.Context, id int64, level1, level2 *string, apptDate *time.Time, apptTime *string) error {
	q := `UPDATE leads SET
		status_level_1 = :level1,
		status_level_2 = :level2,
		cita = COALESCE(:cita, cita),
		hora_cita = COALESCE(:hora_cita, hora_cita),
		updated_at = NOW()
	 WHERE id = :id`

	params := map[string]any{
		"id":        id,
		"level1":    level1,
		"level2":    level2,
		"cita":      apptDate,
		"hora_cita": apptTime,
	}

	res, err := t.tx.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("lead tx: update disposition: %w", err)
	}
	return requireRow(res, "lead tx: update disposition")
}

func (t *storeTx) CloseLead(ctx context.Context, id int64, reason string) error {
	q := `UPDATE leads SET
		lead_status = 'closed',
		closure_reason = $1,
		call_status = 'completed',
		selected_for_calling = FALSE,
		updated_at = NOW()
	 WHERE id = $2`

	res, err := t.tx.ExecContext(ctx, q, reason, id)
	if err != nil {
		return fmt.Errorf("lead tx: close: %w", err)
	}
	return requireRow(res, "lead tx: close")
}

func (t *storeTx) ReplacePending(ctx context.Context, leadID int64, attempt int, at time.Time, lastOutcome domain.OutcomeTag) error {
	// Cancel-then-insert keeps the one-pending-per-lead invariant without
	// relying on a partial unique index.
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE call_schedule SET status = 'cancelled', updated_at = NOW()
		  WHERE lead_id = $1 AND status = 'pending'`, leadID); err != nil {
		return fmt.Errorf("schedule tx: cancel previous pending: %w", err)
	}

	q := `INSERT INTO call_schedule (lead_id, scheduled_at, attempt_number, status, last_outcome, created_at, updated_at)
	 VALUES (:lead_id, :scheduled_at, :attempt_number, 'pending', :last_outcome, NOW(), NOW())`

	params := map[string]any{
		"lead_id":        leadID,
		"scheduled_at":   at,
		"attempt_number": attempt,
		"last_outcome":   string(lastOutcome),
	}

	if _, err := t.tx.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("schedule tx: insert pending: %w", err)
	}
	return nil
}

func (t *storeTx) CancelPending(ctx context.Context, leadID int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE call_schedule SET status = 'cancelled', updated_at = NOW()
		  WHERE lead_id = $1 AND status = 'pending'`, leadID)
	if err != nil {
		return 0, fmt.Errorf("schedule tx: cancel pending: %w", err)
	}
	return res.RowsAffected()
}

func (t *storeTx) CompleteScheduleByID(ctx context.Context, scheduleID int64, lastOutcome domain.OutcomeTag, notes string) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE call_schedule SET status = 'completed', last_outcome = $1, notes = $2, updated_at = NOW()
		  WHERE id = $3 AND status = 'pending'`, string(lastOutcome), notes, scheduleID)
	if err != nil {
		return 0, fmt.Errorf("schedule tx: complete by id: %w", err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func callStatusValue(s *domain.CallStatus) any {
	if s == nil {
		return nil
	}
	return string(*s)
}
