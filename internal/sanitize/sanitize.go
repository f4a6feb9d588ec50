// Package sanitize redacts secrets, identifiers and endpoints from error
// text before it is logged or shown to the user.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	uuidPattern     = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	bearerPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	kvSecretPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|passwd|access[_-]?key|auth)\s*[:=]\s*("[^"]*"|'[^']*'|[^\s&"',;]+)`)
	prefixedKey     = regexp.MustCompile(`\b(?:sk|pk|rk|ghp|gho|xox[abp])[-_][A-Za-z0-9_-]{8,}\b`)
	longOpaque      = regexp.MustCompile(`\b[A-Za-z0-9+/_-]{32,}={0,2}`)
	hostPortPattern = regexp.MustCompile(`\b(?:(?:[A-Za-z0-9-]+\.)*[A-Za-z0-9-]+|\[[0-9A-Fa-f:]+\]):\d{2,5}\b`)
)

// Text strips emails, tokens and keys, host:port pairs and UUIDs from s so it
// can be logged or shown to a user.
func Text(s string) string {
	if s == "" {
		return ""
	}
	out := bearerPattern.ReplaceAllString(s, "Bearer [REDACTED]")
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		return match[:idx+1] + "[REDACTED]"
	})
	out = emailPattern.ReplaceAllString(out, "[EMAIL]")
	out = uuidPattern.ReplaceAllString(out, "[ID]")
	out = prefixedKey.ReplaceAllString(out, "[REDACTED]")
	out = hostPortPattern.ReplaceAllString(out, "[HOST]")
	out = longOpaque.ReplaceAllString(out, "[REDACTED]")
	return out
}

// Error is Text applied to err's message. A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return Text(err.Error())
}
