// Package policy masks personal data before it reaches log output. Stored
// transcripts are never redacted; only log lines are.
package policy

import (
	"regexp"

	"go.uber.org/zap"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	// Telephony raw ids embed the phone number: "4:+15551234567".
	rawIDPattern = regexp.MustCompile(`\b4:\+?[0-9]{6,}`)
)

// RedactPII masks emails, payment cards, phone numbers and PSTN raw ids.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		{rawIDPattern, "4:[REDACTED_PHONE]"},
		// Cards before phones, or long card numbers read as phone numbers.
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.re.ReplaceAllString(out, r.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// String is a zap field whose value is redacted.
func String(key, value string) zap.Field {
	out, _ := RedactPII(value)
	return zap.String(key, out)
}
