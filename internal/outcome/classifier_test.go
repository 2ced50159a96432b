package outcome

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

func intp(v int) *int { return &v }

func testCtx(t *testing.T) Context {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	return Context{
		AttemptCount: 1,
		MaxAttempts:  6,
		Now:          time.Date(2025, 9, 22, 12, 0, 0, 0, loc),
		Settings:     domain.DefaultSettings(loc),
	}
}

func TestNotInterestedClosesLead(t *testing.T) {
	ctx := testCtx(t)
	ctx.Collected = &domain.CollectedInfo{
		NotInterested:   true,
		DisinterestCode: "descontento con el servicio",
	}

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1NotInterested, d.Level1)
	assert.Equal(t, domain.Level2Unhappy, d.Level2)
	assert.True(t, d.Close)
}

func TestNotInterestedUnknownCode(t *testing.T) {
	ctx := testCtx(t)
	ctx.Collected = &domain.CollectedInfo{NotInterested: true, DisinterestCode: "whatever"}

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level2OtherReason, d.Level2)
	assert.True(t, d.Close)
}

func TestAppointmentWithPack(t *testing.T) {
	ctx := testCtx(t)
	ctx.Collected = &domain.CollectedInfo{
		WithPack:   true,
		ChosenDate: "20250925",
		ChosenTime: "17:00",
	}

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1Appointment, d.Level1)
	assert.Equal(t, domain.Level2WithPack, d.Level2)
	assert.True(t, d.Close)
	require.NotNil(t, d.AppointmentDate)
	assert.Equal(t, "2025-09-25", d.AppointmentDate.Format("2006-01-02"))
	assert.Equal(t, "17:00", d.AppointmentTime)
}

func TestAppointmentWithoutPackDashedDate(t *testing.T) {
	ctx := testCtx(t)
	ctx.Collected = &domain.CollectedInfo{
		WithoutPack: true,
		DesiredDate: "25-09-2025",
		DesiredTime: "17:00:00",
	}

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1Appointment, d.Level1)
	assert.Equal(t, domain.Level2WithoutPack, d.Level2)
	assert.Equal(t, "17:00", d.AppointmentTime)
}

func TestPackWithoutSlotBecomesCallback(t *testing.T) {
	ctx := testCtx(t)
	ctx.Collected = &domain.CollectedInfo{WithPack: true}

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1CallBack, d.Level1)
	assert.Equal(t, domain.Level2Unavailable, d.Level2)
	assert.False(t, d.Close)
}

func TestPackWithPastSlotBecomesCallback(t *testing.T) {
	ctx := testCtx(t)
	ctx.Collected = &domain.CollectedInfo{
		WithPack:   true,
		ChosenDate: "20250101",
		ChosenTime: "10:00",
	}

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1CallBack, d.Level1)
	assert.False(t, d.Close)
}

func TestCallBackFlag(t *testing.T) {
	ctx := testCtx(t)
	ctx.Collected = &domain.CollectedInfo{CallBack: true, Voicemail: true}

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1CallBack, d.Level1)
	assert.Equal(t, domain.Level2Voicemail, d.Level2)
	assert.False(t, d.Close)
}

func TestOutcomeSixSingleRetries(t *testing.T) {
	ctx := testCtx(t)
	ctx.OutcomeCode = intp(domain.OutcomeError)
	ctx.History = []domain.CallRecord{{Outcome: intp(domain.OutcomeError)}}

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1CallBack, d.Level1)
	assert.Equal(t, domain.Level2ExchangeFailure, d.Level2)
	assert.False(t, d.Close)
}

func TestOutcomeSixRepeatedClosesAsWrongNumber(t *testing.T) {
	ctx := testCtx(t)
	ctx.OutcomeCode = intp(domain.OutcomeError)
	ctx.History = []domain.CallRecord{
		{Outcome: intp(domain.OutcomeError)},
		{Outcome: intp(domain.OutcomeError)},
	}

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1WrongNumber, d.Level1)
	assert.Equal(t, domain.Level2FailedRepeatedly, d.Level2)
	assert.True(t, d.Close)
}

func TestNoContactRetryPicksLevel2FromLatestOutcome(t *testing.T) {
	for code, want := range map[int]string{
		domain.OutcomeBusy:     domain.Level2Unavailable,
		domain.OutcomeHangUp:   domain.Level2HangUp,
		domain.OutcomeNoAnswer: domain.Level2Voicemail,
	} {
		ctx := testCtx(t)
		ctx.OutcomeCode = intp(code)
		ctx.History = []domain.CallRecord{{Outcome: intp(domain.OutcomeNoAnswer)}}

		d := New().Classify(ctx)

		assert.Equal(t, domain.Level1CallBack, d.Level1, "code %d", code)
		assert.Equal(t, want, d.Level2, "code %d", code)
		assert.False(t, d.Close)
	}
}

func TestNoContactAtMaxAttemptsCloses(t *testing.T) {
	ctx := testCtx(t)
	ctx.AttemptCount = 6
	ctx.OutcomeCode = intp(domain.OutcomeNoAnswer)

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1MaxAttempts, d.Level1)
	assert.True(t, d.Close)
	assert.Equal(t, "Ilocalizable", d.ClosureReason)
}

func TestMaxAttemptsFallbackReason(t *testing.T) {
	ctx := testCtx(t)
	ctx.AttemptCount = 6
	ctx.OutcomeCode = intp(domain.OutcomeNoAnswer)
	ctx.Settings.ClosureReasons = map[string]string{}

	d := New().Classify(ctx)

	assert.Equal(t, "Unreachable", d.ClosureReason)
}

func TestSummaryFallbackWrongNumber(t *testing.T) {
	ctx := testCtx(t)
	ctx.Summary = "The number is not in service anymore."

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1WrongNumber, d.Level1)
	assert.True(t, d.Close)
}

func TestSummaryFallbackVoicemail(t *testing.T) {
	ctx := testCtx(t)
	ctx.Summary = "Salta el buzón de voz."

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1CallBack, d.Level1)
	assert.Equal(t, domain.Level2Voicemail, d.Level2)
	assert.False(t, d.Close)
}

func TestSummaryFallbackDefault(t *testing.T) {
	ctx := testCtx(t)
	ctx.Summary = "Short chat, nothing conclusive."

	d := New().Classify(ctx)

	assert.Equal(t, domain.Level1CallBack, d.Level1)
	assert.Equal(t, domain.Level2Unavailable, d.Level2)
	assert.False(t, d.Close)
}
