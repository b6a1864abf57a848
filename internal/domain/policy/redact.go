package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	bearerRe = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`)
	awsKeyRe = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
	kvRe     = regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:TOKEN|SECRET|PASSWORD|API_KEY|APIKEY)[A-Z0-9_]*)=([^\s'"]+)`)
)

// minSecretLen keeps short values like "1" or "on" from being scrubbed out
// of every string they happen to appear in.
const minSecretLen = 4

// Redactor masks secret values in text bound for logs, audit details and
// previews.
type Redactor struct {
	secrets []string
}

// NewRedactor redacts the given literal values plus well-known token shapes.
func NewRedactor(secrets ...string) *Redactor {
	uniq := make(map[string]struct{}, len(secrets))
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if len(s) < minSecretLen {
			continue
		}
		if _, dup := uniq[s]; dup {
			continue
		}
		uniq[s] = struct{}{}
		out = append(out, s)
	}
	// longest first so a secret containing another is replaced whole
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return &Redactor{secrets: out}
}

// Redact returns input with secrets replaced by numbered tokens.
func (r *Redactor) Redact(input string) string {
	if input == "" {
		return input
	}
	count := 0
	for _, s := range r.secrets {
		if strings.Contains(input, s) {
			count++
			input = strings.ReplaceAll(input, s, fmt.Sprintf("[SECRET_%d]", count))
		}
	}
	input = kvRe.ReplaceAllString(input, "$1=[REDACTED]")
	input = bearerRe.ReplaceAllString(input, "Bearer [REDACTED]")
	input = awsKeyRe.ReplaceAllString(input, "[REDACTED]")
	return input
}

// Mask renders a value for display without revealing it.
func Mask(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 6 {
		return "***"
	}
	return trimmed[:3] + "..." + trimmed[len(trimmed)-2:]
}
