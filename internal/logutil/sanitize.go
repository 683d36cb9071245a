package logutil

import "strings"

// SanitizeForLog strips newlines and other control characters from
// user-controlled values before they reach the log, so a crafted session id
// or frame payload cannot forge log entries.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r < 32:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
