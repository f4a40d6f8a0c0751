package extractor

import (
	"fmt"
	"regexp"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

const (
	// constructorLookback bounds how far back the method-call classifier
	// scans for the constructor that names the enqueued class.
	constructorLookback = 10

	// dedupWindowNs: two references to the same class and kind within
	// this span are one enqueue seen twice.
	dedupWindowNs = int64(time.Millisecond)

	// smallLogThreshold: below this many events the stream is too thin
	// to trust fully.
	smallLogThreshold = 50
)

// enqueueMethods maps platform enqueue calls to the job kind they start.
var enqueueMethods = map[string]models.JobKind{
	"System.enqueueJob":     models.JobKindQueueable,
	"Database.executeBatch": models.JobKindBatch,
	"System.schedule":       models.JobKindSchedulable,
}

// jobIDPattern recognizes platform job ids in user-debug text, anchored
// to a jobId/batchId/enqueue keyword so record ids elsewhere in the
// message do not false-positive.
var jobIDPattern = regexp.MustCompile(`(?i)(?:job\s?id|batch\s?id|enqueued?)\W{0,5}([0-9a-zA-Z]{15}(?:[0-9a-zA-Z]{3})?)\b`)

// Service extracts async-job references from a parsed parent log in a
// single left-to-right pass.
type Service struct {
	logger arbor.ILogger
}

// NewService creates an extractor.
func NewService(logger arbor.ILogger) *Service {
	return &Service{logger: logger}
}

// Extract scans the parent's events and returns the job references it
// found plus an extraction confidence. Pure function of the input.
func (s *Service) Extract(parent *models.ParsedLog) models.ExtractionResult {
	result := models.ExtractionResult{
		ParentLogID: parent.Record.ID,
		EventCount:  len(parent.Events),
	}

	var refs []models.AsyncJobRef
	depth := 0

	for i := range parent.Events {
		ev := &parent.Events[i]

		switch ev.Type {
		case models.EventCodeUnitStarted, models.EventMethodEntry:
			depth++
		case models.EventCodeUnitFinished, models.EventMethodExit:
			if depth > 0 {
				depth--
			}
		}

		switch ev.Type {
		case models.EventAsyncJobEnqueued:
			ref := models.AsyncJobRef{
				Kind:           ev.JobKind,
				ClassName:      classOrUnknown(ev.ClassName),
				MethodName:     ev.MethodName,
				Namespace:      ev.Namespace,
				EnqueueEventID: ev.ID,
				EnqueueTime:    ev.Timestamp,
				JobID:          ev.JobID,
				StackDepth:     depth,
			}
			if ref.Kind == "" {
				ref.Kind = models.JobKindQueueable
			}
			refs = appendRef(refs, ref)

		case models.EventMethodEntry:
			if kind, ok := enqueueMethods[ev.ClassName+"."+ev.MethodName]; ok {
				class, ns := lookbackClass(parent.Events, i)
				if class == models.UnknownClass {
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("no constructor within %d events of %s enqueue at event %d; class unknown",
							constructorLookback, kind, ev.ID))
				}
				refs = appendRef(refs, models.AsyncJobRef{
					Kind:           kind,
					ClassName:      class,
					Namespace:      ns,
					EnqueueEventID: ev.ID,
					EnqueueTime:    ev.Timestamp,
					StackDepth:     depth,
				})
			} else if ev.IsFuture {
				refs = appendRef(refs, models.AsyncJobRef{
					Kind:           models.JobKindFuture,
					ClassName:      classOrUnknown(ev.ClassName),
					MethodName:     ev.MethodName,
					Namespace:      ev.Namespace,
					EnqueueEventID: ev.ID,
					EnqueueTime:    ev.Timestamp,
					StackDepth:     depth,
				})
			}

		case models.EventUserDebug:
			if id := jobIDFromDebug(ev.Message); id != "" {
				upgradeLatestRef(refs, id)
			}
		}
	}

	result.References = refs
	result.Confidence = s.confidence(refs, len(parent.Events))

	s.logger.Debug().
		Str("log_id", parent.Record.ID).
		Int("events", len(parent.Events)).
		Int("references", len(refs)).
		Float64("confidence", result.Confidence).
		Msg("Extraction complete")
	return result
}

// appendRef adds ref unless it duplicates an existing one: same class,
// same kind, enqueue timestamps within 1 ms. The first reference
// survives; a later id discovery augments it.
func appendRef(refs []models.AsyncJobRef, ref models.AsyncJobRef) []models.AsyncJobRef {
	for j := len(refs) - 1; j >= 0; j-- {
		prev := &refs[j]
		if prev.ClassName != ref.ClassName || prev.Kind != ref.Kind {
			continue
		}
		if delta := ref.EnqueueTime - prev.EnqueueTime; delta >= 0 && delta <= dedupWindowNs {
			if prev.JobID == "" && ref.JobID != "" {
				prev.JobID = ref.JobID
			}
			return refs
		}
	}
	ref.ID = len(refs) + 1
	return append(refs, ref)
}

// lookbackClass finds the class named by the nearest constructor-entry
// within the lookback window before event index i.
func lookbackClass(events []models.Event, i int) (class, namespace string) {
	floor := i - constructorLookback
	if floor < 0 {
		floor = 0
	}
	for j := i - 1; j >= floor; j-- {
		if events[j].Type == models.EventConstructorEntry && events[j].ClassName != "" {
			return events[j].ClassName, events[j].Namespace
		}
	}
	return models.UnknownClass, ""
}

// jobIDFromDebug pulls a platform job id out of a user-debug message,
// or "" when the message carries none.
func jobIDFromDebug(message string) string {
	m := jobIDPattern.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	return m[1]
}

// upgradeLatestRef attaches a debug-discovered job id to the most
// recent reference still missing one. Debug statements never create
// references.
func upgradeLatestRef(refs []models.AsyncJobRef, jobID string) {
	for j := len(refs) - 1; j >= 0; j-- {
		if refs[j].JobID == "" {
			refs[j].JobID = jobID
			return
		}
	}
}

// confidence scores the extraction: full marks minus penalties for
// unknown classes, missing platform ids, and a thin event stream.
func (s *Service) confidence(refs []models.AsyncJobRef, eventCount int) float64 {
	c := 1.0
	if total := len(refs); total > 0 {
		unknown, missingID := 0, 0
		for i := range refs {
			if !refs[i].HasKnownClass() {
				unknown++
			}
			if refs[i].JobID == "" {
				missingID++
			}
		}
		c -= 0.3 * float64(unknown) / float64(total)
		c -= 0.2 * float64(missingID) / float64(total)
	}
	if eventCount < smallLogThreshold {
		c -= 0.1
	}
	return models.ClampConfidence(c)
}

func classOrUnknown(class string) string {
	if class == "" {
		return models.UnknownClass
	}
	return class
}

// Ensure interface compliance
var _ interfaces.ExtractorService = (*Service)(nil)
