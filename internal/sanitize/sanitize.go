// Package sanitize scrubs captured screen text before it crosses the process
// boundary. Sanitize is the trust boundary: no captured text may reach an
// external API payload without passing through it.
package sanitize

import (
	"regexp"
	"strings"
)

const (
	// RedactionMarker replaces every secret-shaped match.
	RedactionMarker = "[REDACTED]"

	// MaxChars bounds the judge's context cost and latency.
	MaxChars = 4000
)

// Lines whose trimmed prefix matches one of these are dropped entirely.
// They are tracebacks and runtime noise, never user activity.
var noisePrefixes = []string{
	"Traceback (most recent call last)",
	`File "`,
	"at java.",
	"goroutine ",
	"panic:",
}

// Secret grammar, applied in order. Provider key prefixes first, then bearer
// tokens, then api_key assignments.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{8,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)bearer[ \t]+[A-Za-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`(?i)api[_-]?key[ \t]*[=:][ \t]*[A-Za-z0-9._~+/-]{8,}`),
}

// Sanitize drops noise lines, redacts secret-shaped substrings and truncates
// the result. Pure and total: it never fails.
func Sanitize(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if isNoise(line) {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, "\n")

	for _, re := range secretPatterns {
		out = re.ReplaceAllString(out, RedactionMarker)
	}

	return Truncate(out, MaxChars)
}

func isNoise(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range noisePrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// Truncate bounds s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
