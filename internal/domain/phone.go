package domain

import (
	"strings"

	"github.com/acme/lead-call-orchestrator/pkg/errors"
)

// NormalizePhone canonicalizes a dialable number to E.164 with the Spanish
// country code as default. A bare 9-digit national number acquires the
// "+34" prefix; an 11-digit number already starting with "34" acquires
// only the plus sign.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+':
			if b.Len() == 0 {
				b.WriteRune(r)
			}
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separators are dropped
		default:
			return "", errors.Wrap(errors.ErrValidation, "phone contains invalid character")
		}
	}
	s := b.String()
	switch {
	case s == "":
		return "", errors.Wrap(errors.ErrValidation, "empty phone")
	case strings.HasPrefix(s, "+"):
		if len(s) < 9 {
			return "", errors.Wrap(errors.ErrValidation, "phone too short")
		}
		return s, nil
	case len(s) == 9:
		return "+34" + s, nil
	case len(s) == 11 && strings.HasPrefix(s, "34"):
		return "+" + s, nil
	default:
		return "", errors.Wrap(errors.ErrValidation, "unrecognized phone shape "+s)
	}
}
