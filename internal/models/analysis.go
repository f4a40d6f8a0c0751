package models

import "time"

// AnalyzeOptions selects the optional stages of one log analysis.
type AnalyzeOptions struct {
	// EnsureCapture provisions trace flags before the analysis so the
	// next run of the same code produces child logs. The flags created
	// for it are deleted when the analysis finishes.
	EnsureCapture bool `json:"ensure_capture,omitempty"`

	// Preset overrides the configured capture preset when EnsureCapture
	// is set.
	Preset PresetName `json:"preset,omitempty"`

	// IncludeAutomatedProcess also flags the system-executor user.
	IncludeAutomatedProcess bool `json:"include_automated_process,omitempty"`

	// FetchChildLogs downloads and parses correlated child log bodies
	// so the unified view carries their events.
	FetchChildLogs bool `json:"fetch_child_logs,omitempty"`

	// Persist stores the produced artifacts.
	Persist bool `json:"persist,omitempty"`
}

// AnalysisResult is the response of one full analysis run: extraction,
// correlation, and the unified view, all post-redaction.
type AnalysisResult struct {
	AnalysisID  string             `json:"analysis_id"`
	ParentLogID string             `json:"parent_log_id"`
	Extraction  ExtractionResult   `json:"extraction"`
	Correlation *CorrelationResult `json:"correlation,omitempty"`
	View        *UnifiedView       `json:"view,omitempty"`

	// Redactions counts the spans masked across every produced artifact.
	Redactions int `json:"redactions"`

	Warnings    []string  `json:"warnings,omitempty"`
	Limitations []string  `json:"limitations,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
}
