package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// Service orchestrates the full pipeline for one parent log: capture
// provisioning, fetch, parse, extraction, correlation, child stitching,
// redaction and persistence. Stage failures that still allow a useful
// result degrade to warnings or limitations on the result; cancellation
// aborts with CANCELLED and no partial structure.
type Service struct {
	capture    interfaces.CaptureService
	parser     interfaces.LogParser
	extractor  interfaces.ExtractorService
	correlator interfaces.CorrelationService
	unified    interfaces.UnifiedViewService
	redactor   interfaces.RedactionService
	storage    interfaces.StorageManager // nil disables persistence
	cfg        *common.Config
	logger     arbor.ILogger
}

// NewService wires the pipeline. storage may be nil when persistence
// was not configured; Persist requests then degrade to a warning.
func NewService(
	capture interfaces.CaptureService,
	parser interfaces.LogParser,
	extractor interfaces.ExtractorService,
	correlator interfaces.CorrelationService,
	unified interfaces.UnifiedViewService,
	redactor interfaces.RedactionService,
	storage interfaces.StorageManager,
	cfg *common.Config,
	logger arbor.ILogger,
) *Service {
	return &Service{
		capture:    capture,
		parser:     parser,
		extractor:  extractor,
		correlator: correlator,
		unified:    unified,
		redactor:   redactor,
		storage:    storage,
		cfg:        cfg,
		logger:     logger,
	}
}

// AnalyzeLog runs the pipeline for one parent log id.
func (s *Service) AnalyzeLog(ctx context.Context, parentLogID string, opts models.AnalyzeOptions) (*models.AnalysisResult, error) {
	startedAt := time.Now()
	result := &models.AnalysisResult{
		AnalysisID:  common.NewAnalysisID(),
		ParentLogID: parentLogID,
		StartedAt:   startedAt,
	}

	s.logger.Info().
		Str("analysis_id", result.AnalysisID).
		Str("log_id", parentLogID).
		Bool("ensure_capture", opts.EnsureCapture).
		Bool("fetch_children", opts.FetchChildLogs).
		Msg("Analysis started")

	if opts.EnsureCapture {
		session, err := s.capture.EnsureSession(ctx, s.preset(opts))
		if err != nil {
			return nil, err
		}
		// Flags come off on every exit path; Cleanup itself survives a
		// cancelled parent context.
		defer func() {
			if cerr := s.capture.Cleanup(ctx, session); cerr != nil {
				s.logger.Warn().Err(cerr).Str("session_id", session.ID).Msg("Capture cleanup failed")
			}
		}()

		if opts.IncludeAutomatedProcess || s.cfg.Capture.IncludeAutomatedProcess {
			if err := s.capture.EnableAsyncCoverage(ctx, session); err != nil {
				if models.IsCode(err, models.ErrCancelled) {
					return nil, err
				}
				// Coverage only helps the next run produce child logs;
				// the log under analysis already exists.
				result.Warnings = append(result.Warnings, fmt.Sprintf("async coverage setup failed: %v", err))
			}
		}
		result.Warnings = append(result.Warnings, session.Warnings...)
	}

	parent, err := s.fetchParent(ctx, parentLogID)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, parent.Warnings...)
	if parent.Truncated {
		result.Limitations = append(result.Limitations,
			fmt.Sprintf("parent log truncated at byte %d; events after the cut are missing", parent.TruncatedAt))
	}

	result.Extraction = s.extractor.Extract(parent)

	corr, err := s.correlator.Correlate(ctx, parent, result.Extraction)
	if err != nil {
		return nil, err
	}
	result.Correlation = corr

	children := map[string]*models.ParsedLog{}
	if opts.FetchChildLogs {
		children, err = s.fetchChildren(ctx, corr, result)
		if err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, models.WrapError(models.ErrCancelled, "analysis cancelled", err)
	}

	view, err := s.unified.Build(ctx, parent, result.Extraction, corr, children)
	if err != nil {
		return nil, err
	}
	result.View = view

	redactions, report := s.redactResult(result)
	result.Redactions = redactions

	if opts.Persist {
		s.persist(ctx, result, report)
	}

	result.DurationMs = time.Since(startedAt).Milliseconds()
	s.logger.Info().
		Str("analysis_id", result.AnalysisID).
		Str("log_id", parentLogID).
		Int("references", len(result.Extraction.References)).
		Int("correlations", len(corr.Correlations)).
		Int("redactions", redactions).
		Int64("duration_ms", result.DurationMs).
		Msg("Analysis complete")
	return result, nil
}

// preset resolves the capture preset: per-request override first, then
// the configured default.
func (s *Service) preset(opts models.AnalyzeOptions) models.PresetName {
	if opts.Preset != "" {
		return opts.Preset
	}
	return models.PresetName(s.cfg.Capture.Preset)
}

// fetchParent downloads and parses the parent log. Both the record and
// the body are required; there is nothing to analyze without them.
func (s *Service) fetchParent(ctx context.Context, logID string) (*models.ParsedLog, error) {
	records, err := s.capture.GetLogRecords(ctx, []string{logID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, models.NewError(models.ErrQueryFailed,
			"log "+logID+" not found",
			"the platform may have already reaped it; re-run the transaction and analyze the new log")
	}

	body, err := s.capture.FetchLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	return s.parser.Parse(records[0], body), nil
}

// fetchChildren downloads and parses the bodies of correlated child
// logs, bounded to the configured number of in-flight platform calls.
// Per-child failures degrade to limitations and the view attaches those
// children unfetched; only cancellation aborts.
func (s *Service) fetchChildren(ctx context.Context, corr *models.CorrelationResult, result *models.AnalysisResult) (map[string]*models.ParsedLog, error) {
	children := make(map[string]*models.ParsedLog)
	ids := childLogIDs(corr)
	if len(ids) == 0 {
		return children, nil
	}

	records, err := s.capture.GetLogRecords(ctx, ids)
	if err != nil {
		if ctx.Err() != nil || models.IsCode(err, models.ErrCancelled) {
			return nil, models.WrapError(models.ErrCancelled, "child log fetch cancelled", err)
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("child log records not fetched: %v", err))
		return children, nil
	}
	if len(records) < len(ids) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d correlated child logs no longer exist on the platform", len(ids)-len(records)))
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel())

	for _, rec := range records {
		g.Go(func() error {
			body, err := s.capture.FetchLog(gctx, rec.ID)
			if err != nil {
				if gctx.Err() != nil || models.IsCode(err, models.ErrCancelled) {
					return models.WrapError(models.ErrCancelled, "child log fetch cancelled", err)
				}
				mu.Lock()
				result.Limitations = append(result.Limitations, fmt.Sprintf("child log %s not fetched: %v", rec.ID, err))
				mu.Unlock()
				return nil
			}
			parsed := s.parser.Parse(rec, body)
			mu.Lock()
			children[rec.ID] = parsed
			result.Warnings = append(result.Warnings, parsed.Warnings...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return children, nil
}

func (s *Service) maxParallel() int {
	if n := s.cfg.Salesforce.MaxParallelCalls; n > 0 {
		return n
	}
	return 5
}

// childLogIDs collects the distinct child log ids across correlations,
// in correlation order.
func childLogIDs(result *models.CorrelationResult) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, c := range result.Correlations {
		if c.ChildLogID == "" || seen[c.ChildLogID] {
			continue
		}
		seen[c.ChildLogID] = true
		ids = append(ids, c.ChildLogID)
	}
	return ids
}

// redactResult masks PII in every outbound text field of the result:
// event messages and operations, signal evidence, platform error text,
// and the accumulated warnings. Returns the span count and the merged
// report for the persisted artifact.
func (s *Service) redactResult(result *models.AnalysisResult) (int, *models.RedactionReport) {
	merged := &models.RedactionReport{}

	redact := func(text string) string {
		if text == "" {
			return text
		}
		out, report := s.redactor.RedactText(text)
		merged.Entries = append(merged.Entries, report.Entries...)
		return out
	}
	redactAll := func(items []string) {
		for i := range items {
			items[i] = redact(items[i])
		}
	}

	if result.View != nil {
		result.View.Root.Walk(func(n *models.ExecutionNode) {
			for i := range n.Events {
				n.Events[i].Message = redact(n.Events[i].Message)
				n.Events[i].Operation = redact(n.Events[i].Operation)
			}
		})
	}
	if result.Correlation != nil {
		for i := range result.Correlation.Correlations {
			c := &result.Correlation.Correlations[i]
			for j := range c.Signals {
				c.Signals[j].Description = redact(c.Signals[j].Description)
				c.Signals[j].Evidence = redact(c.Signals[j].Evidence)
			}
			if c.Job != nil {
				c.Job.ExtendedStatus = redact(c.Job.ExtendedStatus)
			}
		}
		redactAll(result.Correlation.Warnings)
		redactAll(result.Correlation.Limitations)
	}
	redactAll(result.Extraction.Warnings)
	redactAll(result.Warnings)
	redactAll(result.Limitations)

	return merged.Count(), merged
}

// persist stores the correlation and unified-view artifacts. Storage
// failures degrade to warnings: the caller still gets the result.
func (s *Service) persist(ctx context.Context, result *models.AnalysisResult, report *models.RedactionReport) {
	if s.storage == nil {
		result.Warnings = append(result.Warnings, "persistence requested but storage is not configured")
		return
	}
	createdAt := time.Now().UTC().Format(time.RFC3339)

	if result.Correlation != nil {
		artifact := &models.CorrelationArtifact{
			ParentLogID: result.ParentLogID,
			Result:      *result.Correlation,
			CreatedAt:   createdAt,
		}
		if result.View != nil {
			artifact.Summary = result.View.Summary
		}
		if report.Count() > 0 {
			artifact.RedactionLog = report
		}
		if err := s.storage.Artifacts().SaveCorrelation(ctx, artifact); err != nil {
			s.logger.Warn().Err(err).Str("log_id", result.ParentLogID).Msg("Failed to persist correlation artifact")
			result.Warnings = append(result.Warnings, fmt.Sprintf("correlation artifact not persisted: %v", err))
		}
	}
	if result.View != nil {
		artifact := &models.UnifiedViewArtifact{
			ParentLogID: result.ParentLogID,
			View:        *result.View,
			CreatedAt:   createdAt,
		}
		if err := s.storage.Artifacts().SaveUnifiedView(ctx, artifact); err != nil {
			s.logger.Warn().Err(err).Str("log_id", result.ParentLogID).Msg("Failed to persist unified view artifact")
			result.Warnings = append(result.Warnings, fmt.Sprintf("unified view artifact not persisted: %v", err))
		}
	}
}

// Ensure interface compliance
var _ interfaces.AnalysisService = (*Service)(nil)
