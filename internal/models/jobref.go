package models

// JobKind classifies how an async job was enqueued.
type JobKind string

const (
	JobKindQueueable   JobKind = "queueable"
	JobKindBatch       JobKind = "batch"
	JobKindFuture      JobKind = "future"
	JobKindSchedulable JobKind = "schedulable"
)

// UnknownClass is the sentinel class name used when the enqueuing class
// could not be determined from the event stream.
const UnknownClass = "Unknown"

// AsyncJobRef is a reference to an async job extracted from a parent
// log's event stream.
//
// Invariant: EnqueueEventID identifies an event inside the owning
// parent log, and EnqueueTime equals that event's timestamp.
type AsyncJobRef struct {
	ID             int     `json:"id"` // Unique within the parent log, assigned in extraction order
	Kind           JobKind `json:"kind"`
	ClassName      string  `json:"class_name"`            // UnknownClass when undetermined
	MethodName     string  `json:"method_name,omitempty"` // Required for future jobs
	EnqueueEventID int     `json:"enqueue_event_id"`      // Event id of the enqueue in the parent log
	EnqueueTime    int64   `json:"enqueue_time_ns"`       // Nanoseconds since parent log start
	JobID          string  `json:"job_id,omitempty"`      // Platform job id when present in log text
	StackDepth     int     `json:"stack_depth"`           // Depth of the enqueuing frame
	Namespace      string  `json:"namespace,omitempty"`
}

// HasKnownClass reports whether the reference carries a usable class name.
func (r *AsyncJobRef) HasKnownClass() bool {
	return r.ClassName != "" && r.ClassName != UnknownClass
}

// ExtractionResult is the output of a single extractor pass: the
// references found plus an overall extraction confidence.
type ExtractionResult struct {
	ParentLogID string        `json:"parent_log_id"`
	References  []AsyncJobRef `json:"references"`
	Confidence  float64       `json:"confidence"` // [0,1]
	EventCount  int           `json:"event_count"`
	Warnings    []string      `json:"warnings,omitempty"`
}
