package middleware

import "strings"

// MaskToken keeps only the head of a bearer token for logs.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:8] + "***"
}
