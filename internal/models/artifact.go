package models

// SchemaVersion is the streaming artifact schema emitted by the writer.
// Readers accept any 2.x version and reject other majors.
const SchemaVersion = "2.1"

// Line type discriminators for the streaming artifact. One JSON object
// per line: a META line first, zero or more EVENT lines, optionally a
// SUMMARY line. Line-delimited so consumers tolerate mid-file truncation.
const (
	LineMeta    = "META"
	LineEvent   = "EVENT"
	LineSummary = "SUMMARY"
)

// MetaLine is the first line of a streaming artifact.
type MetaLine struct {
	Type          string   `json:"type"` // Always LineMeta
	SchemaVersion string   `json:"schema_version"`
	Filename      string   `json:"filename,omitempty"`
	SizeBytes     int64    `json:"size_bytes"`
	DebugLevels   []string `json:"debug_levels,omitempty"`
	Truncated     bool     `json:"truncated,omitempty"`
	TruncationAt  int64    `json:"truncation_at,omitempty"` // Byte offset where the body was cut
}

// EventLine wraps one parsed event.
type EventLine struct {
	Type  string `json:"type"` // Always LineEvent
	Event Event  `json:"event"`
}

// SummaryLine closes a streaming artifact.
type SummaryLine struct {
	Type       string   `json:"type"` // Always LineSummary
	EventCount int      `json:"event_count"`
	DurationNs int64    `json:"duration_ns"`
	Warnings   []string `json:"warnings,omitempty"`
}

// StreamArtifact is a decoded streaming artifact. Summary is nil when
// the file ended before one was written; Warnings records tolerated
// damage (truncation, unknown line types).
type StreamArtifact struct {
	Meta     MetaLine     `json:"meta"`
	Events   []Event      `json:"events"`
	Summary  *SummaryLine `json:"summary,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

// CorrelationArtifact is the persisted/emitted form of a correlation
// run. Every textual field has passed redaction before this is built.
type CorrelationArtifact struct {
	ParentLogID  string            `json:"parent_log_id" badgerhold:"index"`
	Result       CorrelationResult `json:"result"`
	Summary      ViewSummary       `json:"summary"`
	RedactionLog *RedactionReport  `json:"redaction_log,omitempty"`
	CreatedAt    string            `json:"created_at"` // RFC3339
}

// UnifiedViewArtifact is the persisted/emitted form of a unified view.
type UnifiedViewArtifact struct {
	ParentLogID string      `json:"parent_log_id" badgerhold:"index"`
	View        UnifiedView `json:"view"`
	CreatedAt   string      `json:"created_at"` // RFC3339
}
