package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Configuration keys stored in scheduler_config. The control API only
// accepts updates for keys in this set.
const (
	KeyWorkingHoursStart = "working_hours_start"
	KeyWorkingHoursEnd   = "working_hours_end"
	KeyWorkingDays       = "working_days"
	KeyRescheduleHours   = "reschedule_hours"
	KeyMaxAttempts       = "max_attempts"
	KeyClosureReasons    = "closure_reasons"
	KeyPollInterval      = "scheduled_calls_interval_minutes"
)

// ClockTime is a wall-clock time of day without a date.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" into a ClockTime.
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("parse clock time %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Minutes returns the time of day as minutes since midnight.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Settings is the typed view over scheduler_config used by the working-time
// calculator, the scheduler and the dispatcher. It is loaded per scheduler
// construction and reloaded when the config endpoint writes.
type Settings struct {
	WorkingHoursStart ClockTime
	WorkingHoursEnd   ClockTime
	WorkingDays       map[time.Weekday]bool
	RescheduleHours   float64
	MaxAttempts       int
	ClosureReasons    map[string]string
	PollInterval      time.Duration
	Location          *time.Location
}

// DefaultSettings returns the values assumed when a key is absent from the
// store.
func DefaultSettings(loc *time.Location) Settings {
	if loc == nil {
		loc = time.Local
	}
	return Settings{
		WorkingHoursStart: ClockTime{Hour: 10},
		WorkingHoursEnd:   ClockTime{Hour: 20},
		WorkingDays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
		RescheduleHours: 30,
		MaxAttempts:     6,
		ClosureReasons: map[string]string{
			"no_answer":     "Ilocalizable",
			"busy":          "Ilocalizable",
			"hang_up":       "No colabora",
			"error":         "Ilocalizable",
			"invalid_phone": "Teléfono erróneo",
		},
		PollInterval: 5 * time.Minute,
		Location:     loc,
	}
}

// ClosureReasonFor resolves the closure reason for an outcome tag with the
// documented fallback.
func (s Settings) ClosureReasonFor(tag OutcomeTag) string {
	if r, ok := s.ClosureReasons[string(tag)]; ok && r != "" {
		return r
	}
	return "Unreachable"
}

// Working reports whether w is one of the configured working weekdays.
func (s Settings) Working(w time.Weekday) bool { return s.WorkingDays[w] }

// ApplyRaw folds a raw key/value pair from the store into the settings.
// Unknown keys and malformed values are reported, not applied.
func (s *Settings) ApplyRaw(key, value string) error {
	switch key {
	case KeyWorkingHoursStart:
		t, err := ParseClockTime(value)
		if err != nil {
			return err
		}
		s.WorkingHoursStart = t
	case KeyWorkingHoursEnd:
		t, err := ParseClockTime(value)
		if err != nil {
			return err
		}
		s.WorkingHoursEnd = t
	case KeyWorkingDays:
		var days []int
		if err := json.Unmarshal([]byte(value), &days); err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		set := make(map[time.Weekday]bool, len(days))
		for _, d := range days {
			if d < 1 || d > 7 {
				return fmt.Errorf("working day %d out of range 1..7", d)
			}
			// ISO weekday 7 is Sunday, which time.Weekday numbers 0.
			set[time.Weekday(d%7)] = true
		}
		s.WorkingDays = set
	case KeyRescheduleHours:
		var h float64
		if err := json.Unmarshal([]byte(value), &h); err != nil || h <= 0 {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		s.RescheduleHours = h
	case KeyMaxAttempts:
		var n int
		if err := json.Unmarshal([]byte(value), &n); err != nil || n <= 0 {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		s.MaxAttempts = n
	case KeyClosureReasons:
		m := map[string]string{}
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		s.ClosureReasons = m
	case KeyPollInterval:
		var mins float64
		if err := json.Unmarshal([]byte(value), &mins); err != nil || mins <= 0 {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		s.PollInterval = time.Duration(mins * float64(time.Minute))
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// EditableConfigKey reports whether key may be written through the API.
func EditableConfigKey(key string) bool {
	switch key {
	case KeyWorkingHoursStart, KeyWorkingHoursEnd, KeyWorkingDays,
		KeyRescheduleHours, KeyMaxAttempts, KeyClosureReasons, KeyPollInterval:
		return true
	}
	return false
}

// ForceCloseReasons is the whitelist accepted by the bulk close endpoint.
var ForceCloseReasons = []string{"Teléfono erróneo", "Ilocalizable", "No colabora"}

// ValidForceCloseReason reports membership in ForceCloseReasons.
func ValidForceCloseReason(reason string) bool {
	for _, r := range ForceCloseReasons {
		if r == reason {
			return true
		}
	}
	return false
}
