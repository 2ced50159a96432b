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

const leadColumns = `id, nombre, apellidos, nif, fecha_nacimiento, sexo,
	telefono, telefono2, email,
	clinica_id, nombre_clinica, direccion_clinica, ciudad, codigo_postal, delegacion,
	certificado, poliza, orden, segmento,
	status_level_1, status_level_2, cita, hora_cita,
	call_attempts_count, last_call_attempt, call_status, selected_for_calling,
	manual_management, call_error_message, pearl_call_response,
	lead_status, closure_reason, notas, origen_archivo, created_at, updated_at`

// LeadRepository implements repository.LeadRepository using PostgreSQL.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs a new repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// Get fetches a lead by id without locking.
func (r *LeadRepository) Get(ctx context.Context, id int64) (*domain.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`

	var record leadRecord
	if err := r.db.QueryRowxContext(ctx, q, id).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lead repo: get: %w", err)
	}
	lead := record.toDomain()
	return &lead, nil
}

// FindByPhone resolves a lead by either phone column.
func (r *LeadRepository) FindByPhone(ctx context.Context, phone string) (*domain.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE telefono = $1 OR telefono2 = $1 ORDER BY id LIMIT 1`

	var record leadRecord
	if err := r.db.QueryRowxContext(ctx, q, phone).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lead repo: find by phone: %w", err)
	}
	lead := record.toDomain()
	return &lead, nil
}

// CompareAndSetCallStatus flips call_status only when it still holds the
// expected value, which keeps two dispatchers from dialing the same lead.
func (r *LeadRepository) CompareAndSetCallStatus(ctx context.Context, id int64, expected *domain.CallStatus, next domain.CallStatus) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if expected == nil {
		res, err = r.db.ExecContext(ctx,
			`UPDATE leads SET call_status = $1, updated_at = NOW()
			  WHERE id = $2 AND call_status IS NULL AND lead_status = 'open'`,
			string(next), id)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE leads SET call_status = $1, updated_at = NOW()
			  WHERE id = $2 AND call_status = $3 AND lead_status = 'open'`,
			string(next), id, string(*expected))
	}
	if err != nil {
		return false, fmt.Errorf("lead repo: cas call status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lead repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// RecordCallError stashes the provider error message on the lead.
func (r *LeadRepository) RecordCallError(ctx context.Context, id int64, message string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE leads SET call_error_message = $1, call_status = 'error', updated_at = NOW() WHERE id = $2`,
		message, id)
	if err != nil {
		return fmt.Errorf("lead repo: record call error: %w", err)
	}
	return requireRow(res, "lead repo: record call error")
}

// StoreProviderResponse keeps the last raw provider payload for debugging.
func (r *LeadRepository) StoreProviderResponse(ctx context.Context, id int64, payload []byte) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE leads SET pearl_call_response = $1, updated_at = NOW() WHERE id = $2`,
		payload, id)
	if err != nil {
		return fmt.Errorf("lead repo: store provider response: %w", err)
	}
	return requireRow(res, "lead repo: store provider response")
}

// ReclaimStaleCalling releases leads stuck in calling since before cutoff.
func (r *LeadRepository) ReclaimStaleCalling(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE leads SET call_status = 'error',
			call_error_message = 'reclaimed stale calling state',
			updated_at = NOW()
		  WHERE call_status = 'calling' AND last_call_attempt < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("lead repo: reclaim stale: %w", err)
	}
	return res.RowsAffected()
}

// SetSelected updates selected_for_calling for a batch of leads.
func (r *LeadRepository) SetSelected(ctx context.Context, ids []int64, selected bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q, args, err := sqlx.In(
		`UPDATE leads SET selected_for_calling = ?, updated_at = NOW() WHERE id IN (?)`,
		selected, ids)
	if err != nil {
		return 0, fmt.Errorf("lead repo: set selected: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("lead repo: set selected: %w", err)
	}
	return res.RowsAffected()
}

// SelectByDisposition bulk-marks open leads matching the disposition that
// do not already hold a confirmed appointment.
func (r *LeadRepository) SelectByDisposition(ctx context.Context, level1 string, level2 *string, selected bool) (int64, error) {
	q := `UPDATE leads SET selected_for_calling = :selected, updated_at = NOW()
	  WHERE lead_status = 'open'
	    AND status_level_1 = :level1
	    AND (:level2::text IS NULL OR status_level_2 = :level2)
	    AND cita IS NULL`

	params := map[string]any{
		"selected": selected,
		"level1":   level1,
		"level2":   level2,
	}

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return 0, fmt.Errorf("lead repo: select by disposition: %w", err)
	}
	return res.RowsAffected()
}

// AttemptStats aggregates attempt counters across dialed leads.
func (r *LeadRepository) AttemptStats(ctx context.Context) (float64, int, error) {
	var stats struct {
		Avg sql.NullFloat64 `db:"avg"`
		Max sql.NullInt64   `db:"max"`
	}
	err := r.db.QueryRowxContext(ctx,
		`SELECT AVG(call_attempts_count) AS avg, MAX(call_attempts_count) AS max
		   FROM leads WHERE call_attempts_count > 0`).StructScan(&stats)
	if err != nil {
		return 0, 0, fmt.Errorf("lead repo: attempt stats: %w", err)
	}
	return stats.Avg.Float64, int(stats.Max.Int64), nil
}

// ClosuresByReason counts closed leads per closure reason.
func (r *LeadRepository) ClosuresByReason(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT COALESCE(closure_reason, '') AS reason, COUNT(*) AS n
		   FROM leads WHERE lead_status = 'closed' GROUP BY closure_reason`)
	if err != nil {
		return nil, fmt.Errorf("lead repo: closures by reason: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			reason string
			n      int64
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("lead repo: scan closures: %w", err)
		}
		out[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lead repo: rows err: %w", err)
	}
	return out, nil
}

type leadRecord struct {
	ID         int64          `db:"id"`
	FirstName  string         `db:"nombre"`
	LastName   sql.NullString `db:"apellidos"`
	NationalID sql.NullString `db:"nif"`
	BirthDate  sql.NullTime   `db:"fecha_nacimiento"`
	Gender     sql.NullString `db:"sexo"`
	Phone      sql.NullString `db:"telefono"`
	PhoneAlt   sql.NullString `db:"telefono2"`
	Email      sql.NullString `db:"email"`

	ClinicID      sql.NullString `db:"clinica_id"`
	ClinicName    sql.NullString `db:"nombre_clinica"`
	ClinicAddress sql.NullString `db:"direccion_clinica"`
	City          sql.NullString `db:"ciudad"`
	PostalCode    sql.NullString `db:"codigo_postal"`
	Region        sql.NullString `db:"delegacion"`

	Certificate sql.NullString `db:"certificado"`
	PolicyNum   sql.NullString `db:"poliza"`
	OrderNum    sql.NullInt64  `db:"orden"`
	Segment     sql.NullString `db:"segmento"`

	StatusLevel1 sql.NullString `db:"status_level_1"`
	StatusLevel2 sql.NullString `db:"status_level_2"`

	AppointmentDate sql.NullTime   `db:"cita"`
	AppointmentTime sql.NullString `db:"hora_cita"`

	CallAttempts     int            `db:"call_attempts_count"`
	LastCallAttempt  sql.NullTime   `db:"last_call_attempt"`
	CallStatus       sql.NullString `db:"call_status"`
	SelectedForCall  bool           `db:"selected_for_calling"`
	ManualManagement bool           `db:"manual_management"`
	CallError        sql.NullString `db:"call_error_message"`
	ProviderResponse []byte         `db:"pearl_call_response"`

	LeadStatus    string         `db:"lead_status"`
	ClosureReason sql.NullString `db:"closure_reason"`

	Notes      sql.NullString `db:"notas"`
	OriginFile sql.NullString `db:"origen_archivo"`
	CreatedAt  sql.NullTime   `db:"created_at"`
	UpdatedAt  sql.NullTime   `db:"updated_at"`
}

func (r leadRecord) toDomain() domain.Lead {
	lead := domain.Lead{
		ID:               r.ID,
		FirstName:        r.FirstName,
		LastName:         r.LastName.String,
		NationalID:       r.NationalID.String,
		Gender:           r.Gender.String,
		Phone:            r.Phone.String,
		PhoneAlt:         r.PhoneAlt.String,
		Email:            r.Email.String,
		ClinicID:         r.ClinicID.String,
		ClinicName:       r.ClinicName.String,
		ClinicAddress:    r.ClinicAddress.String,
		City:             r.City.String,
		PostalCode:       r.PostalCode.String,
		Region:           r.Region.String,
		Certificate:      r.Certificate.String,
		PolicyNum:        r.PolicyNum.String,
		Segment:          r.Segment.String,
		CallAttempts:     r.CallAttempts,
		SelectedForCall:  r.SelectedForCall,
		ManualManagement: r.ManualManagement,
		ProviderResponse: r.ProviderResponse,
		LeadStatus:       domain.LeadStatus(r.LeadStatus),
		OriginFile:       r.OriginFile.String,
		CreatedAt:        r.CreatedAt.Time,
		UpdatedAt:        r.UpdatedAt.Time,
	}

	if r.BirthDate.Valid {
		lead.BirthDate = &r.BirthDate.Time
	}
	if r.OrderNum.Valid {
		order := int(r.OrderNum.Int64)
		lead.OrderNum = &order
	}
	if r.StatusLevel1.Valid {
		lead.StatusLevel1 = &r.StatusLevel1.String
	}
	if r.StatusLevel2.Valid {
		lead.StatusLevel2 = &r.StatusLevel2.String
	}
	if r.AppointmentDate.Valid {
		lead.AppointmentDate = &r.AppointmentDate.Time
	}
	if r.AppointmentTime.Valid {
		lead.AppointmentTime = &r.AppointmentTime.String
	}
	if r.LastCallAttempt.Valid {
		lead.LastCallAttempt = &r.LastCallAttempt.Time
	}
	if r.CallStatus.Valid {
		status := domain.CallStatus(r.CallStatus.String)
		lead.CallStatus = &status
	}
	if r.CallError.Valid {
		lead.CallError = &r.CallError.String
	}
	if r.ClosureReason.Valid {
		lead.ClosureReason = &r.ClosureReason.String
	}
	if r.Notes.Valid {
		lead.Notes = &r.Notes.String
	}

	return lead
}
