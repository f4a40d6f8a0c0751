package correlation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

const (
	// candidateCap bounds the log-listing query for one parent.
	candidateCap = 50

	// candidateBuffer widens the candidate window: clock skew between
	// the log timeline and record timestamps runs a few seconds.
	candidateBuffer = 5 * time.Second

	// recordRangeBuffer pads the resolved record's [created, completed]
	// range when it is used as the candidate filter.
	recordRangeBuffer = 5 * time.Second

	// Timing buckets measured from the enqueue.
	timingWindow = 60 * time.Second
	timingNear   = 10 * time.Second
	timingMid    = 30 * time.Second

	// altTimingWindow measures from the resolved record's created time
	// instead; queue backlogs delay the start but not the record.
	altTimingWindow = 120 * time.Second

	// degradedConfidence is the fixed score of a record-only result.
	degradedConfidence = 0.30
)

// Signal condition values. Fixed and centrally declared; every
// confidence in a signal list is one of these.
const (
	signalJobIDMatch      = 0.95
	signalClassRecord     = 0.85 // reference class equals resolved record's class
	signalClassFull       = 0.80 // operation contains the qualified class name
	signalClassStripped   = 0.65 // operation contains the class with namespace stripped
	signalTimingNear      = 0.80 // child starts < 10s after enqueue
	signalTimingMid       = 0.60 // child starts < 30s after enqueue
	signalTimingFar       = 0.40
	signalMethodQualified = 0.90 // class.method appears in operation
	signalMethodBare      = 0.85 // method name appears in operation
	signalBatchPattern    = 0.75
)

const (
	multiMatchBoostCap  = 0.10
	multiMatchBoostStep = 0.03
	timingOnlyPenalty   = 0.15
)

// batchVerbs mark operations produced by batch executor frames.
var batchVerbs = []string{"start(", "execute(", "finish(", "batch"}

// Service pairs job references with candidate child logs and scores
// each link from explicit evidence.
type Service struct {
	capture interfaces.CaptureService
	tracker interfaces.TrackerService
	cfg     common.CorrelationConfig
	logger  arbor.ILogger
}

// NewService creates a correlator.
func NewService(capture interfaces.CaptureService, tracker interfaces.TrackerService, cfg common.CorrelationConfig, logger arbor.ILogger) *Service {
	return &Service{capture: capture, tracker: tracker, cfg: cfg, logger: logger}
}

// scored carries a correlation plus the child start time the final
// ordering needs; the start time itself is not part of the output.
type scored struct {
	corr  models.Correlation
	start time.Time
}

// Correlate resolves the extraction's references against the platform,
// lists candidate child logs in the enqueue window, and scores every
// viable (reference, record, candidate) combination.
func (s *Service) Correlate(ctx context.Context, parent *models.ParsedLog, extraction models.ExtractionResult) (*models.CorrelationResult, error) {
	result := &models.CorrelationResult{
		ParentLogID:          parent.Record.ID,
		ExtractionConfidence: extraction.Confidence,
		Warnings:             append([]string(nil), extraction.Warnings...),
	}
	refs := extraction.References
	if len(refs) == 0 {
		return result, nil
	}

	resolved, err := s.resolveRecords(ctx, parent, refs, result)
	if err != nil {
		return nil, err
	}

	candidates, err := s.listCandidates(ctx, parent, refs, result)
	if err != nil {
		return nil, err
	}

	pairs, err := s.expandPairs(ctx, refs, resolved, result)
	if err != nil {
		return nil, err
	}

	minConf := s.minConfidence()
	var kept []scored
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, models.WrapError(models.ErrCancelled, "correlation cancelled", err)
		}

		best, ok := s.bestCandidate(parent, p, candidates)
		switch {
		case ok && best.corr.OverallConfidence >= minConf:
			kept = append(kept, best)
		case p.job != nil:
			// Partial knowledge is still knowledge: the record resolved
			// even though no candidate log survived.
			kept = append(kept, scored{corr: s.degraded(parent, p)})
		}
	}

	sortScored(kept)

	maxChildren := s.cfg.MaxChildren
	if maxChildren <= 0 {
		maxChildren = 5
	}
	if len(kept) > maxChildren {
		result.Limitations = append(result.Limitations,
			fmt.Sprintf("%d correlations over the max_children cap of %d were dropped", len(kept)-maxChildren, maxChildren))
		kept = kept[:maxChildren]
	}

	for _, sc := range kept {
		result.Correlations = append(result.Correlations, sc.corr)
	}

	s.logger.Info().
		Str("log_id", parent.Record.ID).
		Int("references", len(refs)).
		Int("candidates", len(candidates)).
		Int("correlations", len(result.Correlations)).
		Msg("Correlation complete")
	return result, nil
}

// resolveRecords resolves platform job records for the references.
// Resolution failures other than cancellation degrade to warning: the
// timing and class signals still work without records.
func (s *Service) resolveRecords(ctx context.Context, parent *models.ParsedLog, refs []models.AsyncJobRef, result *models.CorrelationResult) (map[int]*models.AsyncApexJob, error) {
	if !s.cfg.QueryPlatformJobs {
		return map[int]*models.AsyncApexJob{}, nil
	}
	resolved, err := s.tracker.Resolve(ctx, parent, refs)
	if err != nil {
		if ctx.Err() != nil || models.IsCode(err, models.ErrCancelled) {
			return nil, models.WrapError(models.ErrCancelled, "correlation cancelled", err)
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("platform job resolution failed: %v", err))
		return map[int]*models.AsyncApexJob{}, nil
	}
	return resolved, nil
}

// listCandidates fetches logs starting inside the global enqueue
// window, excluding the parent itself.
func (s *Service) listCandidates(ctx context.Context, parent *models.ParsedLog, refs []models.AsyncJobRef, result *models.CorrelationResult) ([]models.LogRecord, error) {
	minEnq, maxEnq := refs[0].EnqueueTime, refs[0].EnqueueTime
	for _, ref := range refs[1:] {
		if ref.EnqueueTime < minEnq {
			minEnq = ref.EnqueueTime
		}
		if ref.EnqueueTime > maxEnq {
			maxEnq = ref.EnqueueTime
		}
	}

	window := s.maxTimeWindow()
	opts := interfaces.LogListOptions{
		Since:      models.ToWall(minEnq, parent.Record.StartTime).Add(-candidateBuffer),
		Until:      models.ToWall(maxEnq, parent.Record.StartTime).Add(window),
		MaxRecords: candidateCap,
	}
	records, err := s.capture.ListLogs(ctx, opts)
	if err != nil {
		if ctx.Err() != nil || models.IsCode(err, models.ErrCancelled) {
			return nil, models.WrapError(models.ErrCancelled, "correlation cancelled", err)
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("candidate log listing failed: %v", err))
		return nil, nil
	}

	candidates := records[:0]
	for _, rec := range records {
		if rec.ID != parent.Record.ID {
			candidates = append(candidates, rec)
		}
	}
	if len(records) >= candidateCap {
		result.Limitations = append(result.Limitations,
			fmt.Sprintf("candidate listing hit the %d-log cap; later children may be missing", candidateCap))
	}
	return candidates, nil
}

// pair is one (reference, platform record) combination to match
// against candidates. Batch references fan out to one pair per worker
// record, each surfacing as its own candidate correlation.
type pair struct {
	ref models.AsyncJobRef
	job *models.AsyncApexJob
}

func (s *Service) expandPairs(ctx context.Context, refs []models.AsyncJobRef, resolved map[int]*models.AsyncApexJob, result *models.CorrelationResult) ([]pair, error) {
	var pairs []pair
	for _, ref := range refs {
		job := resolved[ref.ID]
		pairs = append(pairs, pair{ref: ref, job: job})

		if job == nil || ref.Kind != models.JobKindBatch || job.JobType != models.ApexJobTypeBatchApex {
			continue
		}
		workers, err := s.tracker.FindBatchWorkers(ctx, job)
		if err != nil {
			if ctx.Err() != nil || models.IsCode(err, models.ErrCancelled) {
				return nil, models.WrapError(models.ErrCancelled, "correlation cancelled", err)
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf("batch worker listing failed for %s: %v", job.ID, err))
			continue
		}
		for i := range workers {
			pairs = append(pairs, pair{ref: ref, job: &workers[i]})
		}
	}
	return pairs, nil
}

// bestCandidate scores every candidate passing the pair's filter and
// keeps the winner under the tie-break order.
func (s *Service) bestCandidate(parent *models.ParsedLog, p pair, candidates []models.LogRecord) (scored, bool) {
	var best scored
	found := false
	for _, rec := range candidates {
		if !s.admissible(parent, p, rec) {
			continue
		}
		corr, ok := s.score(parent, p, rec)
		if !ok {
			continue
		}
		sc := scored{corr: corr, start: rec.StartTime}
		if !found || lessScored(sc, best) {
			best = sc
			found = true
		}
	}
	return best, found
}

// admissible applies the candidate filter: inside the enqueue window
// with the class name in the operation text, or inside the resolved
// record's padded [created, completed] range. A reference without a
// known class has nothing to check operations against, so the window
// alone admits; scoring then caps such matches at the weakest timing
// bucket.
func (s *Service) admissible(parent *models.ParsedLog, p pair, rec models.LogRecord) bool {
	enqueueWall := models.ToWall(p.ref.EnqueueTime, parent.Record.StartTime)

	inWindow := !rec.StartTime.Before(enqueueWall.Add(-candidateBuffer)) &&
		!rec.StartTime.After(enqueueWall.Add(s.maxTimeWindow()))
	if inWindow && (!p.ref.HasKnownClass() || containsClass(rec.Operation, p.ref)) {
		return true
	}

	if p.job != nil {
		lo := p.job.CreatedDate.Add(-recordRangeBuffer)
		hi := p.job.CreatedDate.Add(recordRangeBuffer)
		if p.job.CompletedDate != nil {
			hi = p.job.CompletedDate.Add(recordRangeBuffer)
		}
		if !rec.StartTime.Before(lo) && !rec.StartTime.After(hi) {
			return true
		}
	}
	return false
}

// score builds the signal list for one (pair, candidate) combination
// and derives the overall confidence. Returns false when no signal
// matched at all.
func (s *Service) score(parent *models.ParsedLog, p pair, rec models.LogRecord) (models.Correlation, bool) {
	ref, job := p.ref, p.job
	enqueueWall := models.ToWall(ref.EnqueueTime, parent.Record.StartTime)
	var signals []models.MatchSignal

	if ref.JobID != "" && job != nil && idEqual(ref.JobID, job.ID) {
		signals = append(signals, models.MatchSignal{
			Reason:      models.SignalJobID,
			Confidence:  signalJobIDMatch,
			Description: "reference job id equals the resolved record id",
			Evidence:    job.ID,
		})
	}

	if sig, ok := classSignal(ref, job, rec.Operation); ok {
		signals = append(signals, sig)
	}

	if sig, ok := s.timingSignal(ref, job, rec.StartTime, enqueueWall); ok {
		signals = append(signals, sig)
	}

	if ref.Kind == models.JobKindFuture && ref.MethodName != "" {
		if sig, ok := methodSignal(ref, rec.Operation); ok {
			signals = append(signals, sig)
		}
	}

	if job != nil && isBatchType(job.JobType) && matchesBatchVerb(rec.Operation) {
		signals = append(signals, models.MatchSignal{
			Reason:      models.SignalBatchPattern,
			Confidence:  signalBatchPattern,
			Description: "batch record with a batch executor operation",
			Evidence:    rec.Operation,
		})
	}

	if len(signals) == 0 {
		return models.Correlation{}, false
	}

	conf := ConfidenceFromSignals(signals)
	corr := models.Correlation{
		ParentLogID:       parent.Record.ID,
		ChildLogID:        rec.ID,
		Reference:         ref,
		Job:               job,
		Signals:           signals,
		OverallConfidence: conf,
		Level:             models.LevelForConfidence(conf),
		QueueDelayMs:      rec.StartTime.Sub(enqueueWall).Milliseconds(),
		ExecutionMs:       executionMs(rec, job),
	}
	if job != nil {
		corr.JobStatus = job.Status
	}
	return corr, true
}

// degraded emits the record-only correlation for a pair whose record
// resolved but produced no surviving candidate.
func (s *Service) degraded(parent *models.ParsedLog, p pair) models.Correlation {
	class := p.job.ClassName
	if class == "" {
		class = p.ref.ClassName
	}
	signals := []models.MatchSignal{{
		Reason:      models.SignalClassName,
		Confidence:  degradedConfidence,
		Description: "platform record resolved but no child log was found",
		Evidence:    class,
	}}
	corr := models.Correlation{
		ParentLogID:       parent.Record.ID,
		Reference:         p.ref,
		Job:               p.job,
		Signals:           signals,
		OverallConfidence: ConfidenceFromSignals(signals),
		JobStatus:         p.job.Status,
		ExecutionMs:       executionMs(models.LogRecord{}, p.job),
	}
	corr.Level = models.LevelForConfidence(corr.OverallConfidence)
	return corr
}

// ConfidenceFromSignals recomputes an overall confidence from a signal
// list alone: weighted base, multi-match boost, timing-only penalty.
// Deterministic; artifact verification recomputes through this exact
// function.
func ConfidenceFromSignals(signals []models.MatchSignal) float64 {
	if len(signals) == 0 {
		return 0
	}
	var num, den float64
	for _, sig := range signals {
		num += sig.Confidence * sig.Confidence
		den += sig.Confidence
	}
	if den == 0 {
		return 0
	}
	conf := num / den

	boost := multiMatchBoostStep * float64(len(signals)-1)
	if boost > multiMatchBoostCap {
		boost = multiMatchBoostCap
	}
	conf += boost

	if len(signals) == 1 && signals[0].Reason == models.SignalTiming {
		conf -= timingOnlyPenalty
	}
	return models.ClampConfidence(conf)
}

// classSignal picks the strongest applicable class-name condition.
func classSignal(ref models.AsyncJobRef, job *models.AsyncApexJob, operation string) (models.MatchSignal, bool) {
	if !ref.HasKnownClass() {
		return models.MatchSignal{}, false
	}
	switch {
	case job != nil && strings.EqualFold(job.ClassName, ref.ClassName):
		return models.MatchSignal{
			Reason:      models.SignalClassName,
			Confidence:  signalClassRecord,
			Description: "reference class matches the resolved record's class",
			Evidence:    job.ClassName,
		}, true
	case containsFold(operation, qualifiedClass(ref)):
		return models.MatchSignal{
			Reason:      models.SignalClassName,
			Confidence:  signalClassFull,
			Description: "operation contains the class name",
			Evidence:    operation,
		}, true
	case ref.Namespace != "" && containsFold(operation, ref.ClassName):
		return models.MatchSignal{
			Reason:      models.SignalClassName,
			Confidence:  signalClassStripped,
			Description: "operation contains the class name with namespace stripped",
			Evidence:    operation,
		}, true
	}
	return models.MatchSignal{}, false
}

// timingSignal buckets the child's start delay. The primary track
// measures from the enqueue with a 60s window; the alternate track
// measures from the resolved record's created time with 120s. With an
// unknown class and no record there is no corroborating identity, so
// the weakest bucket applies regardless of proximity.
func (s *Service) timingSignal(ref models.AsyncJobRef, job *models.AsyncApexJob, childStart time.Time, enqueueWall time.Time) (models.MatchSignal, bool) {
	conf := 0.0
	evidence := ""

	if delta := childStart.Sub(enqueueWall); delta >= 0 && delta < timingWindow {
		conf = timingBucket(delta)
		evidence = fmt.Sprintf("child starts %s after enqueue", delta.Round(time.Millisecond))
	}
	if job != nil {
		if delta := childStart.Sub(job.CreatedDate); delta >= 0 && delta < altTimingWindow {
			if alt := timingBucket(delta); alt > conf {
				conf = alt
				evidence = fmt.Sprintf("child starts %s after the record was created", delta.Round(time.Millisecond))
			}
		}
	}
	if conf == 0 {
		return models.MatchSignal{}, false
	}

	if !ref.HasKnownClass() && job == nil {
		conf = signalTimingFar
	}
	return models.MatchSignal{
		Reason:      models.SignalTiming,
		Confidence:  conf,
		Description: "child log starts inside the enqueue window",
		Evidence:    evidence,
	}, true
}

func timingBucket(delta time.Duration) float64 {
	switch {
	case delta < timingNear:
		return signalTimingNear
	case delta < timingMid:
		return signalTimingMid
	default:
		return signalTimingFar
	}
}

// methodSignal matches future references by method name in the child
// operation; the qualified class.method form scores higher.
func methodSignal(ref models.AsyncJobRef, operation string) (models.MatchSignal, bool) {
	if ref.HasKnownClass() && containsFold(operation, ref.ClassName+"."+ref.MethodName) {
		return models.MatchSignal{
			Reason:      models.SignalMethodSignature,
			Confidence:  signalMethodQualified,
			Description: "operation contains class.method of the future call",
			Evidence:    operation,
		}, true
	}
	if containsFold(operation, ref.MethodName) {
		return models.MatchSignal{
			Reason:      models.SignalMethodSignature,
			Confidence:  signalMethodBare,
			Description: "operation contains the future method name",
			Evidence:    operation,
		}, true
	}
	return models.MatchSignal{}, false
}

// lessScored is the tie-break order: confidence desc, signal count
// desc, job-id-matched first, earliest child start.
func lessScored(a, b scored) bool {
	if a.corr.OverallConfidence != b.corr.OverallConfidence {
		return a.corr.OverallConfidence > b.corr.OverallConfidence
	}
	if len(a.corr.Signals) != len(b.corr.Signals) {
		return len(a.corr.Signals) > len(b.corr.Signals)
	}
	aID, bID := hasSignal(a.corr, models.SignalJobID), hasSignal(b.corr, models.SignalJobID)
	if aID != bID {
		return aID
	}
	return a.start.Before(b.start)
}

func sortScored(list []scored) {
	sort.SliceStable(list, func(i, j int) bool { return lessScored(list[i], list[j]) })
}

func hasSignal(corr models.Correlation, reason models.SignalReason) bool {
	for _, sig := range corr.Signals {
		if sig.Reason == reason {
			return true
		}
	}
	return false
}

func executionMs(rec models.LogRecord, job *models.AsyncApexJob) int64 {
	if rec.DurationMs > 0 {
		return rec.DurationMs
	}
	if job != nil && job.CompletedDate != nil {
		return job.CompletedDate.Sub(job.CreatedDate).Milliseconds()
	}
	return 0
}

func (s *Service) maxTimeWindow() time.Duration {
	ms := s.cfg.MaxTimeWindowMs
	if ms <= 0 {
		ms = 3_600_000
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Service) minConfidence() float64 {
	if s.cfg.MinConfidence <= 0 {
		return models.ConfidenceMinDefault
	}
	return s.cfg.MinConfidence
}

// qualifiedClass renders the namespace-qualified class name.
func qualifiedClass(ref models.AsyncJobRef) string {
	if ref.Namespace != "" {
		return ref.Namespace + "." + ref.ClassName
	}
	return ref.ClassName
}

// idEqual compares platform ids tolerating the 15/18 character forms.
func idEqual(a, b string) bool {
	return prefix15(a) == prefix15(b)
}

func prefix15(id string) string {
	if len(id) > 15 {
		return id[:15]
	}
	return id
}

func containsFold(haystack, needle string) bool {
	return needle != "" && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func containsClass(operation string, ref models.AsyncJobRef) bool {
	if containsFold(operation, qualifiedClass(ref)) {
		return true
	}
	return ref.Namespace != "" && containsFold(operation, ref.ClassName)
}

func isBatchType(t models.ApexJobType) bool {
	return t == models.ApexJobTypeBatchApex || t == models.ApexJobTypeBatchWorker
}

func matchesBatchVerb(operation string) bool {
	op := strings.ToLower(operation)
	for _, verb := range batchVerbs {
		if strings.Contains(op, verb) {
			return true
		}
	}
	return false
}

// Ensure interface compliance
var _ interfaces.CorrelationService = (*Service)(nil)
