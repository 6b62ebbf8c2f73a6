package mpesa

import (
	"errors"
	"strings"
)

// ErrInvalidPhone is returned when a phone number cannot be normalized to a Kenyan MSISDN.
var ErrInvalidPhone = errors.New("invalid phone number format; use 07XXXXXXXX or 2547XXXXXXXX")

// NormalizePhone converts a user-entered phone number into the 2547XXXXXXXX form
// the STK push API expects.
//
// Non-digits are dropped first, then:
//
//	0712345678    -> 254712345678
//	712345678     -> 254712345678
//	254712345678  -> 254712345678
//
// Anything that does not end up as 12 digits starting with 254 is rejected.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "0"):
		digits = "254" + digits[1:]
	case len(digits) == 9 && strings.HasPrefix(digits, "7"):
		digits = "254" + digits
	}

	if len(digits) != 12 || !strings.HasPrefix(digits, "254") {
		return "", ErrInvalidPhone
	}
	return digits, nil
}
