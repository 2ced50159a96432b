// Package worktime decides when outbound calls are allowed to happen.
package worktime

import (
	"time"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

// maxLookahead bounds the slot search. A window further away than this
// means the working-day configuration is broken.
const maxLookahead = 14

// IsWorkingTime reports whether t falls inside the configured window.
// Both edges of the daily interval are inclusive.
func IsWorkingTime(t time.Time, s domain.Settings) bool {
	t = t.In(s.Location)
	if !s.Working(t.Weekday()) {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= s.WorkingHoursStart.Minutes() && minutes <= s.WorkingHoursEnd.Minutes()
}

// NextWorkingSlot returns the earliest instant at or after t inside the
// working window. When t already qualifies it is returned unchanged. The
// second return value is false when no working day exists within the
// lookahead bound; t is then returned as-is and the caller should flag the
// configuration.
func NextWorkingSlot(t time.Time, s domain.Settings) (time.Time, bool) {
	t = t.In(s.Location)
	if IsWorkingTime(t, s) {
		return t, true
	}

	day := t
	for i := 0; i <= maxLookahead; i++ {
		if s.Working(day.Weekday()) {
			start := time.Date(day.Year(), day.Month(), day.Day(),
				s.WorkingHoursStart.Hour, s.WorkingHoursStart.Minute, 0, 0, s.Location)
			if start.After(t) {
				return start, true
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return t, false
}
