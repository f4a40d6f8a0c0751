package models

import "time"

// LogRecord is the platform's bookkeeping row for one debug log
// (ApexLog). Produced by the platform, consumed read-only.
type LogRecord struct {
	ID          string    `json:"Id"`
	StartTime   time.Time `json:"StartTime"`
	LogUserID   string    `json:"LogUserId"`
	Operation   string    `json:"Operation"`
	LogLength   int64     `json:"LogLength"` // Body size in bytes
	Status      string    `json:"Status"`
	DurationMs  int64     `json:"DurationMilliseconds"`
	Application string    `json:"Application,omitempty"`
	Request     string    `json:"Request,omitempty"`
}

// WatchedLog is one watcher delivery: the newly observed record, plus
// its body when the watch requested auto-fetch.
type WatchedLog struct {
	Record LogRecord `json:"record"`
	Body   string    `json:"body,omitempty"`
}

// ParsedLog is a log record plus its parsed event stream. The log
// exclusively owns its events and any job references extracted from
// them.
type ParsedLog struct {
	Record LogRecord `json:"record"`
	Events []Event   `json:"events"`

	// Truncated is set when the raw body ended mid-line; events parsed
	// before the cut are retained. TruncatedAt is the byte offset of the
	// line where the cut was detected.
	Truncated   bool  `json:"truncated,omitempty"`
	TruncatedAt int64 `json:"truncated_at,omitempty"`

	// DebugLevels detected from the log header, e.g. "APEX_CODE,FINEST".
	DebugLevels []string `json:"debug_levels,omitempty"`

	// Warnings records lines skipped during parsing (malformed
	// timestamps, unparseable payloads). Parsing never fails outright on
	// a bad line.
	Warnings []string `json:"warnings,omitempty"`
}

// DurationNs returns the nanosecond span covered by the event stream.
// Zero when the log has no events.
func (l *ParsedLog) DurationNs() int64 {
	if len(l.Events) == 0 {
		return 0
	}
	return l.Events[len(l.Events)-1].Timestamp - l.Events[0].Timestamp
}

// StartWall returns the wall-clock time of the first event.
func (l *ParsedLog) StartWall() time.Time {
	if len(l.Events) == 0 {
		return l.Record.StartTime
	}
	return ToWall(l.Events[0].Timestamp, l.Record.StartTime)
}

// EndWall returns the wall-clock time of the last event.
func (l *ParsedLog) EndWall() time.Time {
	if len(l.Events) == 0 {
		return l.Record.StartTime
	}
	return ToWall(l.Events[len(l.Events)-1].Timestamp, l.Record.StartTime)
}
