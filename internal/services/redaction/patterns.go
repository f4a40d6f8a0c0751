package redaction

import (
	"regexp"
	"strings"

	"github.com/ternarybob/conexus/internal/models"
)

// pattern is one compiled redaction rule. PreChecks are cheap substring
// probes run before the regex; without them a full-pattern scan over a
// 20 MiB log is quadratic in practice. An empty PreChecks list means
// the regex always runs.
type pattern struct {
	Category    string
	Sensitivity models.Sensitivity
	PreChecks   []string
	Regex       *regexp.Regexp
	Placeholder string
}

// recordIDPrefixes are the 3-character key prefixes of the platform
// object types that show up in debug logs.
const recordIDPrefixes = `001|003|005|006|00D|00E|00G|00Q|00T|066|068|07L|500|701|707|708|800|a[0-9A-Za-z]{2}`

// builtinPatterns returns the built-in rule set, most sensitive last so
// equal-offset conflicts resolve predictably after sorting.
func builtinPatterns() []pattern {
	return []pattern{
		{
			Category:    "email",
			Sensitivity: models.SensitivityHigh,
			PreChecks:   []string{"@"},
			Regex:       regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			Placeholder: "[EMAIL]",
		},
		{
			Category:    "phone",
			Sensitivity: models.SensitivityHigh,
			PreChecks:   []string{"-", "(", "+"},
			Regex:       regexp.MustCompile(`(\+?1[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`),
			Placeholder: "[PHONE]",
		},
		{
			// The delimiter between the 3-2-4 groups is mandatory:
			// without it every 9-digit numeric id would match.
			Category:    "ssn",
			Sensitivity: models.SensitivityCritical,
			PreChecks:   []string{"-", " "},
			Regex:       regexp.MustCompile(`\b\d{3}[- ]\d{2}[- ]\d{4}\b`),
			Placeholder: "[SSN]",
		},
		{
			Category:    "credit_card",
			Sensitivity: models.SensitivityCritical,
			PreChecks:   nil, // Digits appear everywhere; the regex anchors on group shape
			Regex:       regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
			Placeholder: "[CREDIT_CARD]",
		},
		{
			Category:    "ipv4",
			Sensitivity: models.SensitivityMedium,
			PreChecks:   []string{"."},
			Regex:       regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			Placeholder: "[IP]",
		},
		{
			Category:    "record_id",
			Sensitivity: models.SensitivityLow,
			PreChecks:   []string{"00", "50", "70", "80", "a0", "06"},
			Regex:       regexp.MustCompile(`\b(?:` + recordIDPrefixes + `)[0-9A-Za-z]{12}(?:[0-9A-Za-z]{3})?\b`),
			Placeholder: "[RECORD_ID]",
		},
		{
			Category:    "session_token",
			Sensitivity: models.SensitivityCritical,
			PreChecks:   []string{"!"},
			Regex:       regexp.MustCompile(`00D[0-9A-Za-z]{12,15}![A-Za-z0-9_.]{40,}`),
			Placeholder: "[SESSION_TOKEN]",
		},
		{
			Category:    "api_key",
			Sensitivity: models.SensitivityCritical,
			PreChecks:   []string{"key", "Key", "KEY", "secret", "Secret"},
			Regex:       regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret)\b\s*[:=]\s*['"]?[A-Za-z0-9\-_]{16,}`),
			Placeholder: "[API_KEY]",
		},
		{
			Category:    "password",
			Sensitivity: models.SensitivityCritical,
			PreChecks:   []string{"pass", "Pass", "PASS", "pwd", "PWD"},
			Regex:       regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\b\s*[:=]\s*\S+`),
			Placeholder: "[PASSWORD]",
		},
	}
}

// passesPreCheck reports whether the input contains any probe substring.
func (p *pattern) passesPreCheck(text string) bool {
	if len(p.PreChecks) == 0 {
		return true
	}
	for _, probe := range p.PreChecks {
		if strings.Contains(text, probe) {
			return true
		}
	}
	return false
}
