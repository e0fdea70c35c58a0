// Package phoneutil normalizes phone numbers the way the CRM and helpdesk
// contracts expect: a single canonical "+<digits>" form, and the helpdesk
// contact identifier derived from it (digits without the leading '+').
package phoneutil

import "strings"

// Normalize strips everything but digits and returns "+7XXXXXXXXXX" form.
// A leading 7 or 8 (the Russian trunk prefixes) is rewritten to a leading
// "+7"; anything else is returned as "+<digits>" unchanged.
func Normalize(raw string) string {
	digits := onlyDigits(raw)
	if digits == "" {
		return ""
	}
	switch digits[0] {
	case '7', '8':
		return "+7" + digits[1:]
	default:
		return "+" + digits
	}
}

// Identifier returns the helpdesk contact identifier for a phone: the
// normalized digits without the leading '+'.
func Identifier(raw string) string {
	return strings.TrimPrefix(Normalize(raw), "+")
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
