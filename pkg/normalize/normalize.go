// Package normalize canonicalizes contact details so that values captured
// from intake forms, vendor webhooks and staff entry all compare equal.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrInvalidPhone is returned when a phone number cannot be reduced to
	// an E.164 form.
	ErrInvalidPhone = errors.New("invalid phone number")

	// ErrInvalidEmail is returned when an email address fails basic shape
	// validation.
	ErrInvalidEmail = errors.New("invalid email address")
)

// Phone normalizes a phone number to E.164. Formatting characters are
// stripped, extension suffixes ("ext 4", "x12") are dropped, and bare
// 10-digit numbers are assumed to be NANP and prefixed with +1. Numbers
// that already carry a country code keep it.
func Phone(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrInvalidPhone
	}

	// Extensions are dialing instructions, not part of the number.
	for _, sep := range []string{"ext", " x"} {
		if i := strings.Index(s, sep); i > 0 {
			s = strings.TrimSpace(s[:i])
		}
	}

	hasCountryCode := strings.HasPrefix(s, "+")

	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' || r == '(' || r == ')' || r == '-' || r == '.' || r == ' ' || r == '/':
			// formatting only
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidPhone, r)
		}
	}
	digits := b.String()

	switch {
	case hasCountryCode:
		if len(digits) < 8 || len(digits) > 15 {
			return "", fmt.Errorf("%w: %d digits", ErrInvalidPhone, len(digits))
		}
		return "+" + digits, nil
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	default:
		return "", fmt.Errorf("%w: %d digits without a country code", ErrInvalidPhone, len(digits))
	}
}

// PhoneLast10 returns the last ten digits of a phone number, ignoring all
// formatting. Voice vendors report caller numbers inconsistently (with and
// without country code); matching on the last ten digits is stable across
// both forms. Returns all available digits when fewer than ten exist.
func PhoneLast10(raw string) string {
	var digits []byte
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits = append(digits, byte(r))
		}
	}
	if len(digits) <= 10 {
		return string(digits)
	}
	return string(digits[len(digits)-10:])
}

// Email normalizes an email address: trimmed, lowercased and validated for
// basic shape (one @, non-empty local part, dotted domain). Display-name
// forms ("Jane <jane@x.com>") are rejected rather than parsed.
func Email(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrInvalidEmail
	}
	if strings.ContainsAny(s, " \t<>,;\"()") {
		return "", fmt.Errorf("%w: contains forbidden characters", ErrInvalidEmail)
	}

	at := strings.Index(s, "@")
	if at <= 0 || at != strings.LastIndex(s, "@") || at == len(s)-1 {
		return "", fmt.Errorf("%w: malformed local/domain split", ErrInvalidEmail)
	}

	local, domain := s[:at], s[at+1:]
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return "", fmt.Errorf("%w: malformed local part", ErrInvalidEmail)
	}

	dot := strings.LastIndex(domain, ".")
	if dot <= 0 || dot == len(domain)-1 || strings.Contains(domain, "..") {
		return "", fmt.Errorf("%w: malformed domain", ErrInvalidEmail)
	}

	return s, nil
}
