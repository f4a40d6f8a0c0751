package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/conexus/internal/models"
)

// LogListOptions filters log listing.
type LogListOptions struct {
	UserID     string    // Restrict to one log user
	Since      time.Time // Only logs starting at or after this time
	Until      time.Time // Only logs starting before this time (zero = no bound)
	MaxRecords int       // Cap on returned rows (default 50)
	AutoFetch  bool      // Watch only: fetch each observed body before delivery
}

// LogWatcher is a lazy sequence of newly observed log records. Records
// are delivered in observation order; Stop cancels outstanding polls
// and closes the channel.
type LogWatcher interface {
	Records() <-chan models.WatchedLog
	Stop()
}

// CaptureService owns trace-flag lifecycle and log access. Async child
// logs only exist if flags are set on the right execution identity, so
// every analysis starts here.
type CaptureService interface {
	// EnsureSession guarantees an active trace flag on the current user
	// at the preset's debug levels, extending an existing flag when its
	// remaining time is under the configured buffer.
	EnsureSession(ctx context.Context, preset models.PresetName) (*models.CaptureSession, error)

	// EnableAsyncCoverage creates a parallel trace flag on the
	// Automated Process user. A missing system user is a warning on the
	// session, not an error.
	EnableAsyncCoverage(ctx context.Context, session *models.CaptureSession) error

	// EnsureDebugLevel gets or creates a DebugLevel by developer name.
	// Idempotent: the DebugLevel rowspace is shared across callers.
	EnsureDebugLevel(ctx context.Context, developerName string, spec models.DebugLevelSpec) (string, error)

	// ListLogs lists ApexLog records matching the options.
	ListLogs(ctx context.Context, opts LogListOptions) ([]models.LogRecord, error)

	// GetLogRecords fetches ApexLog bookkeeping rows by id in one query,
	// preserving input order. Ids the org no longer has are skipped.
	GetLogRecords(ctx context.Context, logIDs []string) ([]models.LogRecord, error)

	// FetchLog downloads one log body, honoring the 20 MiB cap.
	FetchLog(ctx context.Context, logID string) (string, error)

	// DeleteLog removes one ApexLog record.
	DeleteLog(ctx context.Context, logID string) error

	// Watch polls for logs newly visible after opts.Since. With
	// opts.AutoFetch each delivery carries the log body; a failed body
	// fetch is a warning, not a lost record.
	Watch(ctx context.Context, opts LogListOptions) (LogWatcher, error)

	// Cleanup deletes every trace flag the session created. Per-flag
	// failures are logged and swallowed so one bad row cannot block the
	// rest. Must run on all exit paths including cancellation.
	Cleanup(ctx context.Context, session *models.CaptureSession) error
}
