package queue

import "time"

// Event kinds published to the journal topic.
const (
	EventLeadRescheduled = "lead.rescheduled"
	EventLeadClosed      = "lead.closed"
	EventCallPlaced      = "call.placed"
	EventCallFinished    = "call.finished"
	EventCallFailed      = "call.failed"
)

// LeadEvent journals one scheduler or dispatcher state transition. Events
// are observational; nothing inside the system consumes them to make
// decisions.
type LeadEvent struct {
	Kind          string     `json:"kind"`
	LeadID        int64      `json:"lead_id"`
	ScheduleID    int64      `json:"schedule_id,omitempty"`
	AttemptNum    int        `json:"attempt_number,omitempty"`
	OutcomeTag    string     `json:"outcome_tag,omitempty"`
	OutcomeCode   *int       `json:"outcome_code,omitempty"`
	Level1        string     `json:"status_level_1,omitempty"`
	Level2        string     `json:"status_level_2,omitempty"`
	ClosureReason string     `json:"closure_reason,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	CallID        string     `json:"call_id,omitempty"`
	Error         string     `json:"error,omitempty"`
	At            time.Time  `json:"at"`
}
