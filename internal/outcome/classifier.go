// Package outcome turns raw provider results into business dispositions.
package outcome

import (
	"strings"
	"time"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

// Context is everything a rule may consult. The classifier never touches
// storage; callers assemble the context from a lead, the latest call and
// its full call history.
type Context struct {
	OutcomeCode  *int
	Summary      string
	Collected    *domain.CollectedInfo
	AttemptCount int
	MaxAttempts  int
	History      []domain.CallRecord
	Now          time.Time
	Settings     domain.Settings
}

// Disposition is the classifier verdict.
type Disposition struct {
	Level1          string
	Level2          string
	Close           bool
	ClosureReason   string
	AppointmentDate *time.Time
	AppointmentTime string
	Rule            string
}

// Rule inspects a context and either claims it with a disposition or
// passes by returning nil.
type Rule interface {
	Name() string
	Evaluate(ctx Context) *Disposition
}

// Classifier evaluates an ordered rule list; the first match wins.
type Classifier struct {
	rules []Rule
}

// New returns a classifier with the default rule set.
func New() *Classifier {
	return &Classifier{rules: []Rule{
		notInterestedRule{},
		packAppointmentRule{withPack: true},
		packAppointmentRule{withPack: false},
		callBackRule{},
		outcomeSixRule{},
		noContactRule{},
		maxAttemptsRule{},
		summaryFallbackRule{},
	}}
}

// Classify runs the rule chain. The fallback rule always matches, so the
// result is never nil.
func (c *Classifier) Classify(ctx Context) Disposition {
	for _, r := range c.rules {
		if d := r.Evaluate(ctx); d != nil {
			d.Rule = r.Name()
			return *d
		}
	}
	// unreachable with the default rule set
	return Disposition{
		Level1: domain.Level1CallBack,
		Level2: domain.Level2Unavailable,
		Rule:   "default",
	}
}

func (ctx Context) collected() domain.CollectedInfo {
	if ctx.Collected == nil {
		return domain.CollectedInfo{}
	}
	return *ctx.Collected
}

// notInterestedRule handles the explicit refusal flag.
type notInterestedRule struct{}

func (notInterestedRule) Name() string { return "not_interested" }

func (notInterestedRule) Evaluate(ctx Context) *Disposition {
	c := ctx.collected()
	if !c.NotInterested {
		return nil
	}
	level2 := domain.Level2OtherReason
	code := strings.ToLower(c.DisinterestCode)
	switch {
	case strings.Contains(code, "no disponibilidad"):
		level2 = domain.Level2NoAvailability
	case strings.Contains(code, "descontento"):
		level2 = domain.Level2Unhappy
	case strings.Contains(code, "bajaproxima"), strings.Contains(code, "baja proxima"):
		level2 = domain.Level2NearCancellation
	}
	return &Disposition{
		Level1:        domain.Level1NotInterested,
		Level2:        level2,
		Close:         true,
		ClosureReason: domain.Level1NotInterested,
	}
}

// packAppointmentRule covers both the with-pack and without-pack flows.
// A confirmed future slot closes the lead as an appointment; a pack flag
// without a usable slot means the customer needs another call.
type packAppointmentRule struct {
	withPack bool
}

func (r packAppointmentRule) Name() string {
	if r.withPack {
		return "appointment_with_pack"
	}
	return "appointment_without_pack"
}

func (r packAppointmentRule) Evaluate(ctx Context) *Disposition {
	c := ctx.collected()
	if r.withPack && !c.WithPack {
		return nil
	}
	if !r.withPack && !c.WithoutPack {
		return nil
	}

	level2 := domain.Level2WithPack
	if !r.withPack {
		level2 = domain.Level2WithoutPack
	}

	date, err := c.AppointmentDate()
	clock := c.AppointmentTime()
	if err == nil && date != nil && clock != "" {
		if slot, ok := combine(*date, clock, ctx.Settings.Location); ok && slot.After(ctx.Now) {
			return &Disposition{
				Level1:          domain.Level1Appointment,
				Level2:          level2,
				Close:           true,
				ClosureReason:   domain.Level1Appointment,
				AppointmentDate: date,
				AppointmentTime: clock,
			}
		}
	}

	return &Disposition{
		Level1: domain.Level1CallBack,
		Level2: domain.Level2Unavailable,
	}
}

// callBackRule handles the explicit call-me-later flag.
type callBackRule struct{}

func (callBackRule) Name() string { return "call_back" }

func (callBackRule) Evaluate(ctx Context) *Disposition {
	c := ctx.collected()
	if !c.CallBack {
		return nil
	}
	level2 := domain.Level2Unavailable
	if c.Voicemail {
		level2 = domain.Level2Voicemail
	} else if c.TechnicalFailure {
		level2 = domain.Level2ExchangeFailure
	}
	return &Disposition{
		Level1: domain.Level1CallBack,
		Level2: level2,
	}
}

// outcomeSixRule disambiguates the provider's technical-failure code. One
// occurrence reads as a transient exchange failure; repeats read as a bad
// number.
type outcomeSixRule struct{}

func (outcomeSixRule) Name() string { return "outcome_six" }

func (outcomeSixRule) Evaluate(ctx Context) *Disposition {
	if ctx.OutcomeCode == nil || *ctx.OutcomeCode != domain.OutcomeError {
		return nil
	}
	count := 0
	for _, rec := range ctx.History {
		if rec.Outcome != nil && *rec.Outcome == domain.OutcomeError {
			count++
		}
	}
	if count < 1 {
		// The current attempt is not yet in history.
		count = 1
	}
	if count >= 2 {
		return &Disposition{
			Level1:        domain.Level1WrongNumber,
			Level2:        domain.Level2FailedRepeatedly,
			Close:         true,
			ClosureReason: ctx.Settings.ClosureReasonFor(domain.TagInvalid),
		}
	}
	return &Disposition{
		Level1: domain.Level1CallBack,
		Level2: domain.Level2ExchangeFailure,
	}
}

func noContactCode(code int) bool {
	return code == domain.OutcomeBusy || code == domain.OutcomeHangUp || code == domain.OutcomeNoAnswer
}

func allNoContact(ctx Context) (latest int, ok bool) {
	if ctx.OutcomeCode == nil || !noContactCode(*ctx.OutcomeCode) {
		return 0, false
	}
	for _, rec := range ctx.History {
		if rec.Outcome != nil && !noContactCode(*rec.Outcome) {
			return 0, false
		}
	}
	return *ctx.OutcomeCode, true
}

// noContactRule retries leads that never picked up, as long as attempts
// remain.
type noContactRule struct{}

func (noContactRule) Name() string { return "no_contact_retry" }

func (noContactRule) Evaluate(ctx Context) *Disposition {
	code, ok := allNoContact(ctx)
	if !ok || ctx.AttemptCount >= ctx.MaxAttempts {
		return nil
	}
	level2 := domain.Level2Unavailable
	switch code {
	case domain.OutcomeHangUp:
		level2 = domain.Level2HangUp
	case domain.OutcomeNoAnswer:
		level2 = domain.Level2Voicemail
	}
	return &Disposition{
		Level1: domain.Level1CallBack,
		Level2: level2,
	}
}

// maxAttemptsRule closes leads that exhausted the attempt budget without
// ever being contacted.
type maxAttemptsRule struct{}

func (maxAttemptsRule) Name() string { return "max_attempts" }

func (maxAttemptsRule) Evaluate(ctx Context) *Disposition {
	if _, ok := allNoContact(ctx); !ok || ctx.AttemptCount < ctx.MaxAttempts {
		return nil
	}
	return &Disposition{
		Level1:        domain.Level1MaxAttempts,
		Close:         true,
		ClosureReason: ctx.Settings.ClosureReasonFor(domain.TagNoAnswer),
	}
}

// summaryFallbackRule scans the transcript summary when nothing structured
// matched. It always yields a disposition.
type summaryFallbackRule struct{}

func (summaryFallbackRule) Name() string { return "summary_fallback" }

func (summaryFallbackRule) Evaluate(ctx Context) *Disposition {
	s := strings.ToLower(ctx.Summary)
	switch {
	case containsAny(s, "invalid", "wrong number", "not in service", "numero erroneo", "número erróneo"):
		return &Disposition{
			Level1:        domain.Level1WrongNumber,
			Close:         true,
			ClosureReason: ctx.Settings.ClosureReasonFor(domain.TagInvalid),
		}
	case containsAny(s, "voicemail", "buzon", "buzón"):
		return &Disposition{
			Level1: domain.Level1CallBack,
			Level2: domain.Level2Voicemail,
		}
	case containsAny(s, "already attended", "ya asistio", "ya asistió", "ya fue atendid"):
		return &Disposition{
			Level1:        domain.Level1NotInterested,
			Level2:        domain.Level2AlreadyAttended,
			Close:         true,
			ClosureReason: domain.Level1NotInterested,
		}
	default:
		return &Disposition{
			Level1: domain.Level1CallBack,
			Level2: domain.Level2Unavailable,
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func combine(date time.Time, clock string, loc *time.Location) (time.Time, bool) {
	ct, err := domain.ParseClockTime(clock)
	if err != nil {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	return time.Date(date.Year(), date.Month(), date.Day(), ct.Hour, ct.Minute, 0, 0, loc), true
}
