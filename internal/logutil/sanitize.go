package logutil

import "strings"

// Sanitize removes newlines and control characters from server- or
// user-provided strings before they reach the log, so a hostile response
// body cannot inject fake log entries.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Mask hides all but the last four characters of a secret for logging.
// Tokens and passwords must never be logged in full.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
