package redact

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// Redactor masks PII in transcript text before it leaves the process. The
// zero value is disabled and passes text through untouched.
type Redactor struct {
	enabled bool
}

func New(enabled bool) *Redactor {
	return &Redactor{enabled: enabled}
}

// Text masks emails, card numbers, and phone numbers. Card numbers run
// before phone numbers since the patterns overlap.
func (r *Redactor) Text(in string) string {
	if r == nil || !r.enabled || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = cardRe.ReplaceAllString(out, "[REDACTED_NUMBER]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}
