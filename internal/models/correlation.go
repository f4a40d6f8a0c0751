package models

// SignalReason identifies the kind of evidence a match signal carries.
type SignalReason string

const (
	SignalJobID           SignalReason = "job_id"
	SignalClassName       SignalReason = "class_name"
	SignalTiming          SignalReason = "timing"
	SignalUser            SignalReason = "user"
	SignalMethodSignature SignalReason = "method_signature"
	SignalSequence        SignalReason = "sequence"
	SignalBatchPattern    SignalReason = "batch_pattern"
)

// MatchSignal is a single piece of evidence contributing to a
// correlation's confidence.
type MatchSignal struct {
	Reason      SignalReason `json:"reason"`
	Confidence  float64      `json:"confidence"` // [0,1] weight contribution of this signal
	Description string       `json:"description"`
	Evidence    string       `json:"evidence,omitempty"`
}

// Correlation links a parent log's job reference to the child log the
// async executor produced, with explicit supporting evidence.
//
// ChildLogID may be empty when the platform job record was resolved but
// no child log could be found (degraded result). OverallConfidence is a
// deterministic function of Signals; recomputing from the signal list
// must reproduce it exactly.
type Correlation struct {
	ParentLogID       string          `json:"parent_log_id"`
	ChildLogID        string          `json:"child_log_id,omitempty"`
	Reference         AsyncJobRef     `json:"reference"`
	Job               *AsyncApexJob   `json:"job,omitempty"` // Resolved platform record, when queried
	Signals           []MatchSignal   `json:"signals"`
	OverallConfidence float64         `json:"overall_confidence"`
	Level             ConfidenceLevel `json:"level"`
	JobStatus         JobStatus       `json:"job_status,omitempty"`
	QueueDelayMs      int64           `json:"queue_delay_ms"`
	ExecutionMs       int64           `json:"execution_ms"`
}

// CorrelationResult is the full output of correlating one parent log.
type CorrelationResult struct {
	ParentLogID          string        `json:"parent_log_id"`
	Correlations         []Correlation `json:"correlations"`
	ExtractionConfidence float64       `json:"extraction_confidence"`
	Warnings             []string      `json:"warnings,omitempty"`

	// Limitations records resource-exhaustion cutoffs (candidate cap,
	// max-children cap, timeouts) that made this a partial result.
	Limitations []string `json:"limitations,omitempty"`
}
