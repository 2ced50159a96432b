package domain

import (
	"strings"
	"time"

	"github.com/acme/lead-call-orchestrator/pkg/errors"
)

// CollectedInfo carries the flags and fields gathered by the voice bot
// during a conversation. All fields are optional; absent flags are false.
type CollectedInfo struct {
	NotInterested    bool   `json:"noInteresado"`
	WithPack         bool   `json:"conPack"`
	WithoutPack      bool   `json:"sinPack"`
	CallBack         bool   `json:"volverALlamar"`
	Voicemail        bool   `json:"buzon"`
	TechnicalFailure bool   `json:"errorTecnico"`
	DisinterestCode  string `json:"codigoNoInteres"`

	ChosenDate  string `json:"fechaEscogida"`
	ChosenTime  string `json:"horaEscogida"`
	DesiredDate string `json:"fechaDeseada"`
	DesiredTime string `json:"horaDeseada"`

	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phoneNumber"`
}

// AppointmentDate returns the confirmed appointment date, preferring the
// chosen slot over the desired one. Dates arrive either as YYYYMMDD or
// DD-MM-YYYY depending on which bot flow produced them.
func (c *CollectedInfo) AppointmentDate() (*time.Time, error) {
	raw := c.ChosenDate
	if raw == "" {
		raw = c.DesiredDate
	}
	if raw == "" {
		return nil, nil
	}
	return ParseFlexibleDate(raw)
}

// AppointmentTime returns the confirmed appointment time as HH:MM, or
// empty when none was collected.
func (c *CollectedInfo) AppointmentTime() string {
	if c.ChosenTime != "" {
		return normalizeClock(c.ChosenTime)
	}
	return normalizeClock(c.DesiredTime)
}

// ParseFlexibleDate accepts YYYYMMDD, YYYY-MM-DD and DD-MM-YYYY.
func ParseFlexibleDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"20060102", "2006-01-02", "02-01-2006", "02/01/2006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, errors.Wrap(errors.ErrValidation, "unrecognized date "+raw)
}

func normalizeClock(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if t, err := time.Parse("15:04:05", raw); err == nil {
		return t.Format("15:04")
	}
	if t, err := time.Parse("15:04", raw); err == nil {
		return t.Format("15:04")
	}
	return raw
}
