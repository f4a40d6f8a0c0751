package unified

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

// uncorrelatedPenalty is subtracted from the view confidence for every
// reference that produced no correlation at all.
const uncorrelatedPenalty = 0.10

// flowKindOrder fixes the job-kind ordering in the flow string so the
// same inputs always render the same description.
var flowKindOrder = []models.JobKind{
	models.JobKindQueueable,
	models.JobKindBatch,
	models.JobKindFuture,
	models.JobKindSchedulable,
}

// Service assembles the unified execution tree for one parent log: the
// parent's events partitioned at its async boundaries, with correlated
// child logs spliced in under them.
type Service struct {
	extractor interfaces.ExtractorService
	cfg       common.CorrelationConfig
	logger    arbor.ILogger
}

// NewService creates a view builder. The extractor is only consulted
// when grandchild recursion is enabled.
func NewService(extractor interfaces.ExtractorService, cfg common.CorrelationConfig, logger arbor.ILogger) *Service {
	return &Service{
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
	}
}

// Build constructs the unified view. References are processed in
// enqueue-timestamp order regardless of their order in the extraction.
// Child logs present in children carry their events into the tree;
// correlated children without a fetched body become empty placeholder
// nodes whose range comes from the correlation's timing fields.
func (s *Service) Build(ctx context.Context, parent *models.ParsedLog, extraction models.ExtractionResult, result *models.CorrelationResult, children map[string]*models.ParsedLog) (*models.UnifiedView, error) {
	if parent == nil {
		return nil, fmt.Errorf("unified view: parent log is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, models.WrapError(models.ErrCancelled, "view build cancelled", err)
	}

	b := &builder{
		svc:       s,
		parent:    parent,
		refs:      append([]models.AsyncJobRef(nil), extraction.References...),
		children:  children,
		corrByRef: groupCorrelations(result),
	}

	root, err := b.assemble()
	if err != nil {
		return nil, err
	}
	expandRanges(root)

	view := &models.UnifiedView{
		ParentLogID: parent.Record.ID,
		Root:        root,
		Summary:     b.summarize(extraction, result),
	}
	view.Confidence = viewConfidence(extraction, result)
	view.Level = models.LevelForConfidence(view.Confidence)

	s.logger.Debug().
		Str("parent_log_id", parent.Record.ID).
		Int("children", view.Summary.TotalChildren).
		Int("correlated", view.Summary.CorrelatedChildren).
		Float64("confidence", view.Confidence).
		Msg("Unified view assembled")
	return view, nil
}

// builder carries the per-call state: the node id counter and the
// correlation lookup.
type builder struct {
	svc       *Service
	parent    *models.ParsedLog
	refs      []models.AsyncJobRef // Copy of the extraction's references, sorted in place
	children  map[string]*models.ParsedLog
	corrByRef map[int][]models.Correlation
	nextID    int
}

func (b *builder) node(kind models.NodeKind, logID string, start, end time.Time) *models.ExecutionNode {
	n := &models.ExecutionNode{
		ID:    b.nextID,
		Kind:  kind,
		LogID: logID,
		Start: start,
		End:   end,
	}
	b.nextID++
	return n
}

// assemble builds the root node and attaches boundary, sync-segment and
// async-child nodes beneath it.
func (b *builder) assemble() (*models.ExecutionNode, error) {
	parent := b.parent
	root := b.node(models.NodeSync, parent.Record.ID, parent.StartWall(), parent.EndWall())

	refs, positions, err := b.orderedRefs()
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		root.Events = parent.Events
		return root, nil
	}

	// The leading sync segment stays on the root itself.
	root.Events = parent.Events[:positions[0]]

	logStart := parent.Record.StartTime
	for i, ref := range refs {
		pos := positions[i]
		enqueue := parent.Events[pos]
		at := models.ToWall(enqueue.Timestamp, logStart)

		boundary := b.node(models.NodeAsyncBoundary, parent.Record.ID, at, at)
		boundary.Events = parent.Events[pos : pos+1]
		boundary.Ref = &refs[i]
		root.Children = append(root.Children, boundary)

		if err := b.attachChildren(boundary, refs[i]); err != nil {
			return nil, err
		}

		// Sync segment between this boundary and the next (or the log end).
		segEnd := len(parent.Events)
		if i+1 < len(refs) {
			segEnd = positions[i+1]
			if segEnd < pos+1 {
				segEnd = pos + 1
			}
		}
		if seg := parent.Events[pos+1 : segEnd]; len(seg) > 0 {
			sync := b.node(models.NodeSync, parent.Record.ID,
				models.ToWall(seg[0].Timestamp, logStart),
				models.ToWall(seg[len(seg)-1].Timestamp, logStart))
			sync.Events = seg
			root.Children = append(root.Children, sync)
		}
	}
	return root, nil
}

// orderedRefs returns the builder's references sorted by enqueue
// timestamp (event position breaking ties) together with each one's
// index into the parent event slice. A reference naming an event that
// is not in the parent log is a bug in the caller, not bad data.
func (b *builder) orderedRefs() ([]models.AsyncJobRef, []int, error) {
	refs := b.refs
	if len(refs) == 0 {
		return nil, nil, nil
	}

	posByID := make(map[int]int, len(b.parent.Events))
	for i, ev := range b.parent.Events {
		posByID[ev.ID] = i
	}
	for _, ref := range refs {
		if _, ok := posByID[ref.EnqueueEventID]; !ok {
			return nil, nil, fmt.Errorf("unified view: reference %d names event %d which is not in log %s",
				ref.ID, ref.EnqueueEventID, b.parent.Record.ID)
		}
	}

	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].EnqueueTime != refs[j].EnqueueTime {
			return refs[i].EnqueueTime < refs[j].EnqueueTime
		}
		return posByID[refs[i].EnqueueEventID] < posByID[refs[j].EnqueueEventID]
	})

	positions := make([]int, len(refs))
	for i, ref := range refs {
		positions[i] = posByID[ref.EnqueueEventID]
	}
	return refs, positions, nil
}

// attachChildren splices every correlated child log for the reference
// under its boundary node, in the correlation result's order.
func (b *builder) attachChildren(boundary *models.ExecutionNode, ref models.AsyncJobRef) error {
	for _, corr := range b.corrByRef[ref.ID] {
		if corr.ChildLogID == "" {
			continue // degraded: record resolved, no child log
		}
		child := b.node(models.NodeAsyncChild, corr.ChildLogID, boundary.Start, boundary.Start)
		child.Ref = boundary.Ref

		if parsed := b.children[corr.ChildLogID]; parsed != nil && len(parsed.Events) > 0 {
			child.Events = parsed.Events
			child.Start = parsed.StartWall()
			child.End = parsed.EndWall()
			boundary.Children = append(boundary.Children, child)
			if err := b.split(child, parsed, 1); err != nil {
				return err
			}
			continue
		}

		// Unfetched body: range from the correlation's timing fields.
		if corr.QueueDelayMs > 0 {
			child.Start = boundary.Start.Add(time.Duration(corr.QueueDelayMs) * time.Millisecond)
		}
		child.End = child.Start
		if corr.ExecutionMs > 0 {
			child.End = child.Start.Add(time.Duration(corr.ExecutionMs) * time.Millisecond)
		}
		boundary.Children = append(boundary.Children, child)
	}
	return nil
}

// split recursively partitions a fetched child node at its own enqueue
// events, surfacing where the child spawned further async work. No
// grandchild logs are attached; only the parent's correlations carry
// resolved children.
func (b *builder) split(node *models.ExecutionNode, parsed *models.ParsedLog, depth int) error {
	if !b.svc.cfg.IncludeGrandchildren || depth >= b.svc.maxDepth() || b.svc.extractor == nil {
		return nil
	}

	extraction := b.svc.extractor.Extract(parsed)
	if len(extraction.References) == 0 {
		return nil
	}

	posByID := make(map[int]int, len(parsed.Events))
	for i, ev := range parsed.Events {
		posByID[ev.ID] = i
	}

	refs := extraction.References
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].EnqueueTime != refs[j].EnqueueTime {
			return refs[i].EnqueueTime < refs[j].EnqueueTime
		}
		return posByID[refs[i].EnqueueEventID] < posByID[refs[j].EnqueueEventID]
	})

	logStart := parsed.Record.StartTime
	var kept []models.Event
	if pos, ok := posByID[refs[0].EnqueueEventID]; ok {
		kept = parsed.Events[:pos]
	}
	for i := range refs {
		pos, ok := posByID[refs[i].EnqueueEventID]
		if !ok {
			return fmt.Errorf("unified view: reference %d names event %d which is not in log %s",
				refs[i].ID, refs[i].EnqueueEventID, parsed.Record.ID)
		}
		enqueue := parsed.Events[pos]
		at := models.ToWall(enqueue.Timestamp, logStart)

		boundary := b.node(models.NodeAsyncBoundary, parsed.Record.ID, at, at)
		boundary.Events = parsed.Events[pos : pos+1]
		boundary.Ref = &refs[i]
		node.Children = append(node.Children, boundary)

		segEnd := len(parsed.Events)
		if i+1 < len(refs) {
			if next, ok := posByID[refs[i+1].EnqueueEventID]; ok && next >= pos+1 {
				segEnd = next
			}
		}
		if seg := parsed.Events[pos+1 : segEnd]; len(seg) > 0 {
			sync := b.node(models.NodeSync, parsed.Record.ID,
				models.ToWall(seg[0].Timestamp, logStart),
				models.ToWall(seg[len(seg)-1].Timestamp, logStart))
			sync.Events = seg
			node.Children = append(node.Children, sync)
		}
	}
	node.Events = kept
	return nil
}

// summarize aggregates the tree-wide totals for display.
func (b *builder) summarize(extraction models.ExtractionResult, result *models.CorrelationResult) models.ViewSummary {
	summary := models.ViewSummary{
		JobCounts:     make(map[models.JobKind]int),
		TotalChildren: len(extraction.References),
	}
	for _, ref := range extraction.References {
		summary.JobCounts[ref.Kind]++
	}

	correlatedRefs := make(map[int]bool)
	fetchedLogs := make(map[string]bool)
	var resolved, failed int
	if result != nil {
		summary.StatusCounts = make(map[models.JobStatus]int)
		for _, corr := range result.Correlations {
			correlatedRefs[corr.Reference.ID] = true
			if corr.QueueDelayMs > 0 {
				summary.TotalDurationMs += corr.QueueDelayMs
			}
			if corr.ChildLogID != "" {
				if parsed := b.children[corr.ChildLogID]; parsed != nil && !fetchedLogs[corr.ChildLogID] {
					fetchedLogs[corr.ChildLogID] = true
					summary.TotalDurationMs += parsed.DurationNs() / int64(time.Millisecond)
				}
			}
			if corr.JobStatus == "" {
				continue
			}
			summary.StatusCounts[corr.JobStatus]++
			resolved++
			if corr.JobStatus == models.JobStatusFailed || corr.JobStatus == models.JobStatusAborted {
				failed++
			}
		}
		if len(summary.StatusCounts) == 0 {
			summary.StatusCounts = nil
		}
	}
	summary.CorrelatedChildren = len(correlatedRefs)
	summary.TotalDurationMs += b.parent.DurationNs() / int64(time.Millisecond)

	switch {
	case failed == 0:
		summary.Status = models.ViewSuccess
	case failed == resolved:
		summary.Status = models.ViewFailure
	default:
		summary.Status = models.ViewPartialFailure
	}

	summary.Flow = flowString(summary.JobCounts, summary.CorrelatedChildren, summary.TotalChildren)
	return summary
}

// flowString renders the deterministic per-kind description, e.g.
// "2 queueable + 1 batch (2/3 correlated)".
func flowString(counts map[models.JobKind]int, correlated, total int) string {
	if total == 0 {
		return "synchronous only"
	}
	parts := make([]string, 0, len(flowKindOrder))
	for _, kind := range flowKindOrder {
		if n := counts[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, kind))
		}
	}
	return fmt.Sprintf("%s (%d/%d correlated)", strings.Join(parts, " + "), correlated, total)
}

// viewConfidence blends extraction and correlation confidence, then
// charges for every reference the correlator could not explain.
func viewConfidence(extraction models.ExtractionResult, result *models.CorrelationResult) float64 {
	if len(extraction.References) == 0 {
		return models.ClampConfidence(extraction.Confidence)
	}

	var mean float64
	correlatedRefs := make(map[int]bool)
	if result != nil && len(result.Correlations) > 0 {
		var sum float64
		for _, corr := range result.Correlations {
			sum += corr.OverallConfidence
			correlatedRefs[corr.Reference.ID] = true
		}
		mean = sum / float64(len(result.Correlations))
	}
	uncorrelated := len(extraction.References) - len(correlatedRefs)

	score := (extraction.Confidence+mean)/2 - uncorrelatedPenalty*float64(uncorrelated)
	return models.ClampConfidence(score)
}

// expandRanges widens every node to contain its children, bottom-up.
// For boundaries this realizes end = max(enqueue, child end); clock
// skew between org hosts can also pull a child's start slightly ahead
// of its enqueue instant.
func expandRanges(n *models.ExecutionNode) {
	for _, c := range n.Children {
		expandRanges(c)
		if c.Start.Before(n.Start) {
			n.Start = c.Start
		}
		if c.End.After(n.End) {
			n.End = c.End
		}
	}
}

// groupCorrelations indexes a result's correlations by reference id,
// preserving the result's emission order within each group.
func groupCorrelations(result *models.CorrelationResult) map[int][]models.Correlation {
	grouped := make(map[int][]models.Correlation)
	if result == nil {
		return grouped
	}
	for _, corr := range result.Correlations {
		grouped[corr.Reference.ID] = append(grouped[corr.Reference.ID], corr)
	}
	return grouped
}

func (s *Service) maxDepth() int {
	if s.cfg.MaxDepth <= 0 {
		return 2
	}
	return s.cfg.MaxDepth
}

var _ interfaces.UnifiedViewService = (*Service)(nil)
