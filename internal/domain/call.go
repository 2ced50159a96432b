package domain

import "time"

// Provider outcome codes for a finished call. Code 6 is ambiguous and gets
// special treatment in the classifier.
const (
	OutcomeSuccess      = 3
	OutcomeBusy         = 4
	OutcomeHangUp       = 5
	OutcomeError        = 6
	OutcomeNoAnswer     = 7
	OutcomeInvalidPhone = 9
)

// OutcomeTag is the canonical short label for a call attempt's result. It
// travels on schedule entries and into schedule_retry.
type OutcomeTag string

const (
	TagSuccess  OutcomeTag = "success"
	TagNoAnswer OutcomeTag = "no_answer"
	TagBusy     OutcomeTag = "busy"
	TagHangUp   OutcomeTag = "hang_up"
	TagInvalid  OutcomeTag = "invalid_phone"
	TagError    OutcomeTag = "error"
	TagUnknown  OutcomeTag = "unknown"
)

// ValidOutcomeTag reports whether s is a member of the tag enum.
func ValidOutcomeTag(s string) bool {
	switch OutcomeTag(s) {
	case TagSuccess, TagNoAnswer, TagBusy, TagHangUp, TagInvalid, TagError, TagUnknown:
		return true
	}
	return false
}

// TagForOutcome maps a provider outcome code to its tag. Unrecognized codes
// collapse to error.
func TagForOutcome(code int) OutcomeTag {
	switch code {
	case OutcomeSuccess:
		return TagSuccess
	case OutcomeBusy:
		return TagBusy
	case OutcomeHangUp:
		return TagHangUp
	case OutcomeError:
		return TagError
	case OutcomeNoAnswer:
		return TagNoAnswer
	case OutcomeInvalidPhone:
		return TagInvalid
	default:
		return TagError
	}
}

// CallRecord is one attempt in the append-only call history. LeadID may be
// zero when the provider reports a call for a number not yet mapped to a
// lead.
type CallRecord struct {
	CallID        string
	LeadID        int64
	Phone         string
	CallTime      time.Time
	Duration      int32
	Cost          float64
	Outcome       *int
	Summary       string
	CollectedInfo string
	RecordingURL  string
	AttemptNum    int
	CreatedAt     time.Time
}

// Terminal reports whether the provider has assigned a final outcome.
func (r *CallRecord) Terminal() bool {
	return r.Outcome != nil
}
