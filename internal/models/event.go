package models

import "time"

// EventType identifies the kind of a parsed log event.
// Values mirror the Apex debug log line types the parser emits.
type EventType string

const (
	EventMethodEntry      EventType = "method_entry"
	EventMethodExit       EventType = "method_exit"
	EventConstructorEntry EventType = "constructor_entry"
	EventConstructorExit  EventType = "constructor_exit"
	EventUserDebug        EventType = "user_debug"
	EventAsyncJobEnqueued EventType = "async_job_enqueued"
	EventCodeUnitStarted  EventType = "code_unit_started"
	EventCodeUnitFinished EventType = "code_unit_finished"
	EventLimitUsage       EventType = "limit_usage"
	EventFatalError       EventType = "fatal_error"
	EventSOQLBegin        EventType = "soql_execute_begin"
	EventSOQLEnd          EventType = "soql_execute_end"
	EventDMLBegin         EventType = "dml_begin"
	EventDMLEnd           EventType = "dml_end"
)

// Event is a single record in a parsed Apex debug log.
//
// Events are immutable once parsed and live exactly as long as the
// owning ParsedLog. Timestamps are nanoseconds since log start and are
// non-decreasing within a single log.
type Event struct {
	ID         int       `json:"id"`                    // Stable integer id, unique within the owning log
	Type       EventType `json:"type"`                  // Event kind
	Timestamp  int64     `json:"timestamp_ns"`          // Nanoseconds since log start
	LineNumber int       `json:"line_number,omitempty"` // Source line in the raw log, when known
	ClassName  string    `json:"class_name,omitempty"`
	MethodName string    `json:"method_name,omitempty"`
	Namespace  string    `json:"namespace,omitempty"`

	// Kind-specific payload. Only the fields relevant to Type are set.
	Message   string  `json:"message,omitempty"`    // user_debug text, fatal_error detail
	Operation string  `json:"operation,omitempty"`  // code unit / SOQL / DML operation text
	JobKind   JobKind `json:"job_kind,omitempty"`   // async_job_enqueued only
	JobID     string  `json:"job_id,omitempty"`     // async_job_enqueued only, when present in the log text
	IsFuture  bool    `json:"is_future,omitempty"`  // method_entry tagged with @future
	LimitName string  `json:"limit_name,omitempty"` // limit_usage only
	LimitUsed int64   `json:"limit_used,omitempty"`
	LimitMax  int64   `json:"limit_max,omitempty"`
}

// ToWall converts a log-relative nanosecond timestamp to wall-clock time
// using the owning log's start time. This is the single conversion point
// between the two time domains; nothing else in the system converts.
func ToWall(eventNs int64, logStart time.Time) time.Time {
	return logStart.Add(time.Duration(eventNs) * time.Nanosecond)
}

// ConfidenceLevel buckets an overall confidence score for display.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Fixed confidence thresholds. These never vary per deployment.
const (
	ConfidenceHighThreshold   = 0.85
	ConfidenceMediumThreshold = 0.60
	ConfidenceMinDefault      = 0.40
)

// LevelForConfidence maps a [0,1] confidence to its display level.
func LevelForConfidence(c float64) ConfidenceLevel {
	switch {
	case c >= ConfidenceHighThreshold:
		return ConfidenceHigh
	case c >= ConfidenceMediumThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// ClampConfidence clamps a score into [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
