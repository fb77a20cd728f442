package courier

import (
	"fmt"
	"regexp"
	"strings"
)

// phoneShape is the final accepted form: + followed by 7 to 15 digits, no
// leading zero after the plus.
var phoneShape = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// NormalizePhone canonicalizes a user-entered phone number. Separators
// (spaces, dashes, dots, parentheses) are stripped, a leading 00 becomes +,
// and a bare national number gets the configured default country code with
// its trunk zero dropped. Anything else is ErrInvalidInput.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty phone number", ErrInvalidInput)
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separators people paste in
		default:
			return "", fmt.Errorf("%w: unexpected character %q in phone number", ErrInvalidInput, r)
		}
	}
	s = b.String()

	switch {
	case strings.HasPrefix(s, "+"):
		// already international
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	default:
		if defaultCountryCode == "" {
			return "", fmt.Errorf("%w: national number %q needs a default country code", ErrInvalidInput, s)
		}
		s = defaultCountryCode + strings.TrimPrefix(s, "0")
	}

	if !phoneShape.MatchString(s) {
		return "", fmt.Errorf("%w: %q is not a valid international number", ErrInvalidInput, s)
	}
	return s, nil
}

// MaskPhone hides the middle digits of a phone number for log output. The
// country code and the last digits stay visible so an operator can still
// match a log line to a delivery.
func MaskPhone(phone string) string {
	if len(phone) < 8 {
		return "***"
	}
	return phone[:4] + "****" + phone[len(phone)-3:]
}
