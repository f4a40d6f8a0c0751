package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/ternarybob/conexus/internal/models"
)

// LogParser converts a raw Apex debug log body into the event stream.
// Parsing is tolerant: malformed lines are skipped with a warning on
// the result, and a truncated body yields the events parsed before the
// cut.
type LogParser interface {
	Parse(record models.LogRecord, body string) *models.ParsedLog
}

// ExtractorService scans a parsed parent log for async-job enqueues.
// Extraction is pure and deterministic: the same events always yield
// the same references in the same order.
type ExtractorService interface {
	Extract(parent *models.ParsedLog) models.ExtractionResult
}

// TrackerService resolves job references against AsyncApexJob records.
type TrackerService interface {
	// Resolve maps reference id -> platform record (nil when not found).
	Resolve(ctx context.Context, parent *models.ParsedLog, refs []models.AsyncJobRef) (map[int]*models.AsyncApexJob, error)

	// WaitForCompletion polls a job until a terminal status or the
	// deadline, returning the last observed record either way.
	WaitForCompletion(ctx context.Context, jobID string, maxWait, pollInterval time.Duration) (*models.AsyncApexJob, error)

	// FindBatchWorkers lists worker jobs spawned by a parent batch job.
	FindBatchWorkers(ctx context.Context, parent *models.AsyncApexJob) ([]models.AsyncApexJob, error)
}

// CorrelationService pairs job references with candidate child logs and
// scores each link.
type CorrelationService interface {
	Correlate(ctx context.Context, parent *models.ParsedLog, extraction models.ExtractionResult) (*models.CorrelationResult, error)
}

// UnifiedViewService splices parent and child event streams around
// async boundaries into a single causally ordered tree. References are
// observed in enqueue-timestamp order. children maps child log id to
// its parsed body; a correlated child missing from the map is attached
// with an empty event list.
type UnifiedViewService interface {
	Build(ctx context.Context, parent *models.ParsedLog, extraction models.ExtractionResult, result *models.CorrelationResult, children map[string]*models.ParsedLog) (*models.UnifiedView, error)
}

// ArtifactService encodes and decodes the line-delimited streaming
// artifact. The reader accepts any 2.x schema, tolerates mid-file
// truncation, and rejects other schema majors with SCHEMA_UNSUPPORTED.
type ArtifactService interface {
	WriteStream(w io.Writer, parsed *models.ParsedLog) error
	ReadStream(r io.Reader) (*models.StreamArtifact, error)
}

// AnalysisService runs the full pipeline for one parent log: fetch,
// parse, extract, resolve, correlate, stitch, redact, persist. A
// cancelled analysis returns CANCELLED, never a partial structure.
type AnalysisService interface {
	AnalyzeLog(ctx context.Context, parentLogID string, opts models.AnalyzeOptions) (*models.AnalysisResult, error)
}

// RedactionService filters PII out of everything that leaves the core.
type RedactionService interface {
	// RedactText returns the redacted copy of text plus a report.
	// Empty input returns (unchanged, empty report).
	RedactText(text string) (string, *models.RedactionReport)

	// RedactValue deep-redacts strings at any depth of a structured
	// value; non-string leaves are copied verbatim.
	RedactValue(value interface{}) (interface{}, *models.RedactionReport)
}
