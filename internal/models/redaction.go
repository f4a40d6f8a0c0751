package models

// Sensitivity ranks how damaging a leaked match would be. Higher values
// win overlap conflicts during redaction.
type Sensitivity int

const (
	SensitivityNone Sensitivity = iota
	SensitivityLow
	SensitivityMedium
	SensitivityHigh
	SensitivityCritical
)

// String returns the config-file spelling of the sensitivity.
func (s Sensitivity) String() string {
	switch s {
	case SensitivityCritical:
		return "critical"
	case SensitivityHigh:
		return "high"
	case SensitivityMedium:
		return "medium"
	case SensitivityLow:
		return "low"
	default:
		return "none"
	}
}

// ParseSensitivity converts a config string to a Sensitivity.
// Unknown values parse as SensitivityNone with ok=false.
func ParseSensitivity(s string) (Sensitivity, bool) {
	switch s {
	case "critical":
		return SensitivityCritical, true
	case "high":
		return SensitivityHigh, true
	case "medium":
		return SensitivityMedium, true
	case "low":
		return SensitivityLow, true
	case "none", "":
		return SensitivityNone, true
	}
	return SensitivityNone, false
}

// CustomPattern is a user-supplied redaction pattern.
type CustomPattern struct {
	ID          string `toml:"id" yaml:"id" json:"id"`
	Regex       string `toml:"regex" yaml:"regex" json:"regex"`
	Sensitivity string `toml:"sensitivity" yaml:"sensitivity" json:"sensitivity"`
	Placeholder string `toml:"placeholder" yaml:"placeholder" json:"placeholder"`
}

// RedactionOptions configures the redaction pipeline.
type RedactionOptions struct {
	// MinSensitivity enables all patterns at or above this level.
	MinSensitivity string `toml:"min_sensitivity" json:"min_sensitivity"`
	// AlwaysRedact forces categories on regardless of MinSensitivity.
	AlwaysRedact []string `toml:"always_redact" json:"always_redact,omitempty"`
	// NeverRedact suppresses categories entirely.
	NeverRedact []string `toml:"never_redact" json:"never_redact,omitempty"`
	// UsePlaceholders emits "[EMAIL]" style markers instead of "[REDACTED]".
	UsePlaceholders bool `toml:"use_placeholders" json:"use_placeholders"`
	// HashOriginals records "hash:<hex>" in the report instead of raw values.
	HashOriginals bool `toml:"hash_originals" json:"hash_originals"`
	// TrackRedactions keeps original text and byte positions in the report.
	TrackRedactions bool `toml:"track_redactions" json:"track_redactions"`
	// CustomPatterns are validated at construction; malformed ones are
	// dropped with a warning.
	CustomPatterns []CustomPattern `toml:"custom_patterns" json:"custom_patterns,omitempty"`
	// PatternFiles are YAML files of additional CustomPatterns.
	PatternFiles []string `toml:"pattern_files" json:"pattern_files,omitempty"`
}

// RedactionEntry records one applied redaction.
type RedactionEntry struct {
	Category    string      `json:"category"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Start       int         `json:"start"` // Byte offset in the original text
	End         int         `json:"end"`   // Exclusive
	Placeholder string      `json:"placeholder"`
	Original    string      `json:"original,omitempty"` // Only when TrackRedactions
	Hash        string      `json:"hash,omitempty"`     // Only when HashOriginals
}

// RedactionReport is the ordered list of redactions applied to one
// input, sorted by start offset. Spans never overlap.
type RedactionReport struct {
	Entries []RedactionEntry `json:"entries"`
}

// Count returns the number of redactions applied.
func (r *RedactionReport) Count() int { return len(r.Entries) }
