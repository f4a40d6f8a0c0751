package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/models"
)

func newTestService() *Service {
	return NewService(common.GetLogger())
}

func parsedLog(events ...models.Event) *models.ParsedLog {
	for i := range events {
		events[i].ID = i
	}
	return &models.ParsedLog{
		Record: models.LogRecord{ID: "07L000000000001"},
		Events: events,
	}
}

func TestExtract_MethodCallPattern(t *testing.T) {
	svc := newTestService()

	parent := parsedLog(
		models.Event{Type: models.EventCodeUnitStarted, Timestamp: 0, Operation: "execute_anonymous_apex"},
		models.Event{Type: models.EventConstructorEntry, Timestamp: 500_000, ClassName: "MyQueueable"},
		models.Event{Type: models.EventConstructorExit, Timestamp: 600_000, ClassName: "MyQueueable"},
		models.Event{Type: models.EventMethodEntry, Timestamp: 1_000_000, ClassName: "System", MethodName: "enqueueJob"},
		models.Event{Type: models.EventMethodExit, Timestamp: 1_100_000, ClassName: "System", MethodName: "enqueueJob"},
		models.Event{Type: models.EventCodeUnitFinished, Timestamp: 2_000_000},
	)

	result := svc.Extract(parent)
	require.Len(t, result.References, 1)

	ref := result.References[0]
	assert.Equal(t, 1, ref.ID)
	assert.Equal(t, models.JobKindQueueable, ref.Kind)
	assert.Equal(t, "MyQueueable", ref.ClassName)
	assert.Equal(t, 3, ref.EnqueueEventID)
	assert.Equal(t, int64(1_000_000), ref.EnqueueTime)
	assert.Equal(t, 2, ref.StackDepth, "code unit frame plus the enqueue call itself")
	assert.Empty(t, result.Warnings)
}

func TestExtract_BatchAndScheduleKinds(t *testing.T) {
	svc := newTestService()

	parent := parsedLog(
		models.Event{Type: models.EventConstructorEntry, Timestamp: 0, ClassName: "MyBatch"},
		models.Event{Type: models.EventMethodEntry, Timestamp: 1_000_000, ClassName: "Database", MethodName: "executeBatch"},
		models.Event{Type: models.EventMethodExit, Timestamp: 1_100_000, ClassName: "Database", MethodName: "executeBatch"},
		models.Event{Type: models.EventConstructorEntry, Timestamp: 5_000_000, ClassName: "MySchedulable"},
		models.Event{Type: models.EventMethodEntry, Timestamp: 6_000_000, ClassName: "System", MethodName: "schedule"},
	)

	result := svc.Extract(parent)
	require.Len(t, result.References, 2)
	assert.Equal(t, models.JobKindBatch, result.References[0].Kind)
	assert.Equal(t, "MyBatch", result.References[0].ClassName)
	assert.Equal(t, models.JobKindSchedulable, result.References[1].Kind)
	assert.Equal(t, "MySchedulable", result.References[1].ClassName)
}

func TestExtract_NoConstructorInWindow(t *testing.T) {
	svc := newTestService()

	events := []models.Event{
		{Type: models.EventConstructorEntry, Timestamp: 0, ClassName: "TooFarBack"},
	}
	// Push the constructor outside the 10-event lookback.
	for i := 0; i < 11; i++ {
		events = append(events, models.Event{Type: models.EventUserDebug, Timestamp: int64(i+1) * 1_000_000, Message: "filler"})
	}
	events = append(events, models.Event{Type: models.EventMethodEntry, Timestamp: 20_000_000, ClassName: "System", MethodName: "enqueueJob"})

	result := svc.Extract(parsedLog(events...))
	require.Len(t, result.References, 1)
	assert.Equal(t, models.UnknownClass, result.References[0].ClassName)
	assert.False(t, result.References[0].HasKnownClass())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "class unknown")
}

func TestExtract_FutureAnnotation(t *testing.T) {
	svc := newTestService()

	parent := parsedLog(
		models.Event{Type: models.EventMethodEntry, Timestamp: 1_000_000, ClassName: "AsyncUtil", MethodName: "sendEmail", IsFuture: true},
		models.Event{Type: models.EventMethodExit, Timestamp: 1_050_000, ClassName: "AsyncUtil", MethodName: "sendEmail"},
	)

	result := svc.Extract(parent)
	require.Len(t, result.References, 1)
	ref := result.References[0]
	assert.Equal(t, models.JobKindFuture, ref.Kind)
	assert.Equal(t, "AsyncUtil", ref.ClassName)
	assert.Equal(t, "sendEmail", ref.MethodName)
}

func TestExtract_DirectAsyncEvent(t *testing.T) {
	svc := newTestService()

	parent := parsedLog(
		models.Event{Type: models.EventAsyncJobEnqueued, Timestamp: 1_000_000, ClassName: "MyQueueable", JobKind: models.JobKindQueueable, JobID: "707000000000001"},
	)

	result := svc.Extract(parent)
	require.Len(t, result.References, 1)
	assert.Equal(t, "707000000000001", result.References[0].JobID)
	assert.Equal(t, models.JobKindQueueable, result.References[0].Kind)
}

func TestExtract_DebugUpgradesExistingReference(t *testing.T) {
	svc := newTestService()

	parent := parsedLog(
		models.Event{Type: models.EventConstructorEntry, Timestamp: 0, ClassName: "MyQueueable"},
		models.Event{Type: models.EventMethodEntry, Timestamp: 1_000_000, ClassName: "System", MethodName: "enqueueJob"},
		models.Event{Type: models.EventUserDebug, Timestamp: 2_000_000, Message: "enqueued jobId=707000000000001AAA"},
	)

	result := svc.Extract(parent)
	require.Len(t, result.References, 1)
	assert.Equal(t, "707000000000001AAA", result.References[0].JobID)
}

func TestExtract_DebugNeverCreatesReference(t *testing.T) {
	svc := newTestService()

	parent := parsedLog(
		models.Event{Type: models.EventUserDebug, Timestamp: 1_000_000, Message: "jobId=707000000000001AAA but nothing was enqueued here"},
	)

	result := svc.Extract(parent)
	assert.Empty(t, result.References)
}

func TestExtract_DedupWithinWindow(t *testing.T) {
	svc := newTestService()

	parent := parsedLog(
		// Parser-declared event and the method-call pattern see the same
		// enqueue 0.5 ms apart.
		models.Event{Type: models.EventAsyncJobEnqueued, Timestamp: 1_000_000, ClassName: "MyQueueable", JobKind: models.JobKindQueueable},
		models.Event{Type: models.EventConstructorEntry, Timestamp: 1_100_000, ClassName: "MyQueueable"},
		models.Event{Type: models.EventMethodEntry, Timestamp: 1_500_000, ClassName: "System", MethodName: "enqueueJob"},
		// Same class+kind but 5 ms later: a genuine second enqueue.
		models.Event{Type: models.EventConstructorEntry, Timestamp: 6_000_000, ClassName: "MyQueueable"},
		models.Event{Type: models.EventMethodEntry, Timestamp: 6_500_000, ClassName: "System", MethodName: "enqueueJob"},
	)

	result := svc.Extract(parent)
	require.Len(t, result.References, 2)
	assert.Equal(t, int64(1_000_000), result.References[0].EnqueueTime, "first occurrence survives")
	assert.Equal(t, 1, result.References[0].ID)
	assert.Equal(t, 2, result.References[1].ID)
}

func TestExtract_DedupAugmentsJobID(t *testing.T) {
	svc := newTestService()

	parent := parsedLog(
		models.Event{Type: models.EventAsyncJobEnqueued, Timestamp: 1_000_000, ClassName: "MyQueueable", JobKind: models.JobKindQueueable},
		models.Event{Type: models.EventAsyncJobEnqueued, Timestamp: 1_200_000, ClassName: "MyQueueable", JobKind: models.JobKindQueueable, JobID: "707000000000001"},
	)

	result := svc.Extract(parent)
	require.Len(t, result.References, 1)
	assert.Equal(t, "707000000000001", result.References[0].JobID, "duplicate's id augments the survivor")
}

func TestExtract_Idempotent(t *testing.T) {
	svc := newTestService()

	parent := parsedLog(
		models.Event{Type: models.EventAsyncJobEnqueued, Timestamp: 1_000_000, ClassName: "MyQueueable", JobKind: models.JobKindQueueable},
		models.Event{Type: models.EventAsyncJobEnqueued, Timestamp: 1_200_000, ClassName: "MyQueueable", JobKind: models.JobKindQueueable, JobID: "707000000000001"},
		models.Event{Type: models.EventConstructorEntry, Timestamp: 5_000_000, ClassName: "MyBatch"},
		models.Event{Type: models.EventMethodEntry, Timestamp: 6_000_000, ClassName: "Database", MethodName: "executeBatch"},
	)

	first := svc.Extract(parent)
	second := svc.Extract(parent)
	assert.Equal(t, first, second, "same events, same references in the same order")
}

func TestExtract_ConfidenceFormula(t *testing.T) {
	svc := newTestService()

	t.Run("clean small log", func(t *testing.T) {
		parent := parsedLog(
			models.Event{Type: models.EventAsyncJobEnqueued, Timestamp: 1_000_000, ClassName: "MyQueueable", JobKind: models.JobKindQueueable, JobID: "707000000000001"},
		)
		result := svc.Extract(parent)
		// 1.0 - 0.1 small-log penalty only.
		assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	})

	t.Run("unknown class and missing id", func(t *testing.T) {
		parent := parsedLog(
			models.Event{Type: models.EventMethodEntry, Timestamp: 1_000_000, ClassName: "System", MethodName: "enqueueJob"},
		)
		result := svc.Extract(parent)
		// 1.0 - 0.3 (all unknown) - 0.2 (all missing ids) - 0.1 (small log).
		assert.InDelta(t, 0.4, result.Confidence, 1e-9)
	})

	t.Run("no references", func(t *testing.T) {
		parent := parsedLog(
			models.Event{Type: models.EventUserDebug, Timestamp: 1_000_000, Message: "nothing here"},
		)
		result := svc.Extract(parent)
		assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	})

	t.Run("large log no penalty", func(t *testing.T) {
		var events []models.Event
		for i := 0; i < 60; i++ {
			events = append(events, models.Event{Type: models.EventUserDebug, Timestamp: int64(i) * 1_000_000, Message: "filler"})
		}
		result := svc.Extract(parsedLog(events...))
		assert.InDelta(t, 1.0, result.Confidence, 1e-9)
	})
}

func TestExtract_DepthFloorsAtZero(t *testing.T) {
	svc := newTestService()

	parent := parsedLog(
		models.Event{Type: models.EventMethodExit, Timestamp: 0, ClassName: "Weird", MethodName: "m"},
		models.Event{Type: models.EventMethodExit, Timestamp: 100, ClassName: "Weird", MethodName: "m"},
		models.Event{Type: models.EventConstructorEntry, Timestamp: 400, ClassName: "MyQueueable"},
		models.Event{Type: models.EventMethodEntry, Timestamp: 1_000_000, ClassName: "System", MethodName: "enqueueJob"},
	)

	result := svc.Extract(parent)
	require.Len(t, result.References, 1)
	assert.Equal(t, 1, result.References[0].StackDepth)
}
