package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/repository"
)

// CallHistoryStore persists the append-only call log in Scylla. Records are
// written to two tables: calls_by_lead, partitioned per lead for the
// classifier's history scans, and calls_by_id for provider-id lookups
// while the dispatcher polls for a terminal outcome.
type CallHistoryStore struct {
	session *gocql.Session
}

// NewCallHistoryStore creates a new store.
func NewCallHistoryStore(session *gocql.Session) *CallHistoryStore {
	return &CallHistoryStore{session: session}
}

// Insert appends one call record. History is never mutated afterwards;
// re-inserting the same provider call id overwrites with identical data,
// which keeps the operation idempotent for webhook retries.
func (s *CallHistoryStore) Insert(ctx context.Context, rec *domain.CallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := s.session.Query(`INSERT INTO calls_by_lead (lead_id, call_time, call_id, phone, duration_sec, cost, outcome, summary, collected_info, recording_url, attempt_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LeadID, rec.CallTime, rec.CallID, rec.Phone, rec.Duration, rec.Cost,
		rec.Outcome, rec.Summary, rec.CollectedInfo, rec.RecordingURL, rec.AttemptNum, rec.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call history: insert calls_by_lead: %w", err)
	}

	if err := s.session.Query(`INSERT INTO calls_by_id (call_id, lead_id, phone, call_time, duration_sec, cost, outcome, summary, collected_info, recording_url, attempt_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.LeadID, rec.Phone, rec.CallTime, rec.Duration, rec.Cost,
		rec.Outcome, rec.Summary, rec.CollectedInfo, rec.RecordingURL, rec.AttemptNum, rec.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call history: insert calls_by_id: %w", err)
	}

	return nil
}

// ByLead returns the lead's call history, most recent first.
func (s *CallHistoryStore) ByLead(ctx context.Context, leadID int64, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.session.Query(`SELECT lead_id, call_time, call_id, phone, duration_sec, cost, outcome, summary, collected_info, recording_url, attempt_number, created_at
		FROM calls_by_lead WHERE lead_id = ? LIMIT ?`, leadID, limit).WithContext(ctx).Iter()

	records := make([]domain.CallRecord, 0, limit)
	var rec domain.CallRecord
	for iter.Scan(&rec.LeadID, &rec.CallTime, &rec.CallID, &rec.Phone, &rec.Duration, &rec.Cost,
		&rec.Outcome, &rec.Summary, &rec.CollectedInfo, &rec.RecordingURL, &rec.AttemptNum, &rec.CreatedAt) {
		records = append(records, rec)
		rec = domain.CallRecord{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("call history: by lead: %w", err)
	}
	return records, nil
}

// ByCallID resolves one record by provider call id.
func (s *CallHistoryStore) ByCallID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	iter := s.session.Query(`SELECT call_id, lead_id, phone, call_time, duration_sec, cost, outcome, summary, collected_info, recording_url, attempt_number, created_at
		FROM calls_by_id WHERE call_id = ?`, callID).WithContext(ctx).Iter()

	var rec domain.CallRecord
	if !iter.Scan(&rec.CallID, &rec.LeadID, &rec.Phone, &rec.CallTime, &rec.Duration, &rec.Cost,
		&rec.Outcome, &rec.Summary, &rec.CollectedInfo, &rec.RecordingURL, &rec.AttemptNum, &rec.CreatedAt) {
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("call history: by call id: %w", err)
		}
		return nil, repository.ErrNotFound
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("call history: by call id close: %w", err)
	}
	return &rec, nil
}
