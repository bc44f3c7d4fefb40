package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Preview redacts in and cuts it to at most n runes for log lines.
func Preview(in string, n int) string {
	out := Text(in)
	if n <= 0 || utf8.RuneCountInString(out) <= n {
		return out
	}
	r := []rune(out)
	return string(r[:n]) + "…"
}
