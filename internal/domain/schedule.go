package domain

import "time"

// ScheduleStatus tracks a scheduled call entry.
type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// ScheduledCall is one entry in the retry calendar. At most one pending
// entry exists per lead; superseded entries are cancelled, never deleted.
type ScheduledCall struct {
	ID          int64          `db:"id"`
	LeadID      int64          `db:"lead_id"`
	ScheduledAt time.Time      `db:"scheduled_at"`
	AttemptNum  int            `db:"attempt_number"`
	Status      ScheduleStatus `db:"status"`
	LastOutcome *string        `db:"last_outcome"`
	Notes       string         `db:"notes"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// DueCall is a pending entry joined with the lead columns the dispatcher
// needs to place the call.
type DueCall struct {
	ScheduleID  int64     `db:"schedule_id"`
	LeadID      int64     `db:"lead_id"`
	ScheduledAt time.Time `db:"scheduled_at"`
	AttemptNum  int       `db:"attempt_number"`

	FirstName  string  `db:"nombre"`
	LastName   string  `db:"apellidos"`
	Phone      string  `db:"telefono"`
	PhoneAlt   string  `db:"telefono2"`
	CallStatus *string `db:"call_status"`
}

// ScheduleResult is the typed outcome of a scheduling operation.
type ScheduleResult int

const (
	// ScheduleRescheduled means a new pending entry was created.
	ScheduleRescheduled ScheduleResult = iota
	// ScheduleClosedMaxAttempts means the lead hit its attempt ceiling and
	// was closed; any pending entries were cancelled.
	ScheduleClosedMaxAttempts
	// ScheduleLeadAlreadyClosed means no action was taken because the lead
	// lifecycle is already terminal.
	ScheduleLeadAlreadyClosed
	// ScheduleLeadNotFound means the lead id does not exist.
	ScheduleLeadNotFound
)

func (r ScheduleResult) String() string {
	switch r {
	case ScheduleRescheduled:
		return "rescheduled"
	case ScheduleClosedMaxAttempts:
		return "closed_max_attempts"
	case ScheduleLeadAlreadyClosed:
		return "lead_already_closed"
	case ScheduleLeadNotFound:
		return "lead_not_found"
	default:
		return "unknown"
	}
}

// ScheduleStats summarizes the retry calendar for the status endpoint.
type ScheduleStats struct {
	PendingDueNow    int64            `json:"pending_due_now"`
	PendingToday     int64            `json:"pending_today"`
	ClosuresByReason map[string]int64 `json:"closures_by_reason"`
	AvgAttempts      float64          `json:"avg_attempts"`
	MaxAttempts      int              `json:"max_attempts"`
}
