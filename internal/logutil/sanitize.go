package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings (hostnames, command text, error messages) so a caller cannot inject
// fake log entries or terminal escape sequences into the audit trail.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate shortens s to at most n runes for log output, appending an
// ellipsis marker when truncation happened.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
