package logparser

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

const sampleBody = `64.0 APEX_CODE,FINE;DB,INFO;SYSTEM,DEBUG
09:12:57.0 (1000000)|CODE_UNIT_STARTED|[EXTERNAL]|execute_anonymous_apex
09:12:57.0 (1500000)|CONSTRUCTOR_ENTRY|[6]|01p000000000001|<init>()|MyQueueable
09:12:57.0 (1600000)|CONSTRUCTOR_EXIT|[6]|01p000000000001|<init>()|MyQueueable
09:12:57.0 (2000000)|METHOD_ENTRY|[12]|01p000000000002|System.enqueueJob(Object)
09:12:57.0 (2100000)|METHOD_EXIT|[12]|01p000000000002|System.enqueueJob(Object)
09:12:57.0 (2200000)|USER_DEBUG|[13]|DEBUG|enqueued jobId=707000000000001AAA
09:12:57.1 (3000000)|SOQL_EXECUTE_BEGIN|[15]|Aggregations:0|SELECT Id FROM Account
09:12:57.1 (3500000)|SOQL_EXECUTE_END|[15]|Rows:3
09:12:57.2 (4000000)|DML_BEGIN|[18]|Op:Insert|Type:Contact|Rows:1
09:12:57.2 (4500000)|DML_END|[18]
09:12:57.3 (5000000)|LIMIT_USAGE|[0]|SOQL|5|100
09:12:57.4 (6000000)|CODE_UNIT_FINISHED|execute_anonymous_apex
`

func TestParse_SampleBody(t *testing.T) {
	svc := newTestService()

	parsed := svc.Parse(models.LogRecord{ID: "07L000000000001"}, sampleBody)
	require.NotNil(t, parsed)

	assert.Equal(t, []string{"APEX_CODE,FINE", "DB,INFO", "SYSTEM,DEBUG"}, parsed.DebugLevels)
	assert.False(t, parsed.Truncated)
	assert.Empty(t, parsed.Warnings)
	require.Len(t, parsed.Events, 12)

	// Ids are assigned sequentially and timestamps never decrease.
	for i, ev := range parsed.Events {
		assert.Equal(t, i, ev.ID)
		if i > 0 {
			assert.GreaterOrEqual(t, ev.Timestamp, parsed.Events[i-1].Timestamp)
		}
	}

	entry := parsed.Events[3]
	assert.Equal(t, models.EventMethodEntry, entry.Type)
	assert.Equal(t, "System", entry.ClassName)
	assert.Equal(t, "enqueueJob", entry.MethodName)
	assert.Equal(t, 12, entry.LineNumber)
	assert.Equal(t, int64(2000000), entry.Timestamp)

	ctor := parsed.Events[1]
	assert.Equal(t, models.EventConstructorEntry, ctor.Type)
	assert.Equal(t, "MyQueueable", ctor.ClassName)
	assert.Equal(t, "<init>", ctor.MethodName)

	debug := parsed.Events[5]
	assert.Equal(t, models.EventUserDebug, debug.Type)
	assert.Equal(t, "enqueued jobId=707000000000001AAA", debug.Message)

	soql := parsed.Events[6]
	assert.Equal(t, models.EventSOQLBegin, soql.Type)
	assert.Equal(t, "SELECT Id FROM Account", soql.Operation)

	dml := parsed.Events[8]
	assert.Equal(t, models.EventDMLBegin, dml.Type)
	assert.Equal(t, "Op:Insert|Type:Contact|Rows:1", dml.Operation)

	limit := parsed.Events[10]
	assert.Equal(t, models.EventLimitUsage, limit.Type)
	assert.Equal(t, "SOQL", limit.LimitName)
	assert.Equal(t, int64(5), limit.LimitUsed)
	assert.Equal(t, int64(100), limit.LimitMax)

	unit := parsed.Events[0]
	assert.Equal(t, models.EventCodeUnitStarted, unit.Type)
	assert.Equal(t, "execute_anonymous_apex", unit.Operation)
	assert.Zero(t, unit.LineNumber)
}

func TestParse_NamespacedSignature(t *testing.T) {
	svc := newTestService()
	body := "64.0 APEX_CODE,FINE\n" +
		"09:12:57.0 (1000000)|METHOD_ENTRY|[3]|01p000000000003|myns.Dispatcher.run(Id, String)\n"

	parsed := svc.Parse(models.LogRecord{ID: "07L000000000002"}, body)
	require.Len(t, parsed.Events, 1)

	ev := parsed.Events[0]
	assert.Equal(t, "myns", ev.Namespace)
	assert.Equal(t, "Dispatcher", ev.ClassName)
	assert.Equal(t, "run", ev.MethodName)
}

func TestParse_SkipsUnknownLineTypes(t *testing.T) {
	svc := newTestService()
	body := "64.0 APEX_CODE,FINE\n" +
		"09:12:57.0 (1000000)|HEAP_ALLOCATE|[7]|Bytes:600\n" +
		"09:12:57.0 (2000000)|STATEMENT_EXECUTE|[8]\n" +
		"09:12:57.0 (3000000)|USER_DEBUG|[9]|DEBUG|kept\n"

	parsed := svc.Parse(models.LogRecord{ID: "07L000000000003"}, body)
	require.Len(t, parsed.Events, 1)
	assert.Equal(t, "kept", parsed.Events[0].Message)
	assert.Empty(t, parsed.Warnings, "unknown line types are not warnings")
}

func TestParse_MalformedLinesWarn(t *testing.T) {
	svc := newTestService()
	body := "64.0 APEX_CODE,FINE\n" +
		"garbage without offset|METHOD_ENTRY|[3]|id|Klass.m()\n" +
		"09:12:57.0 (5000000)|LIMIT_USAGE|[0]|SOQL|five|100\n" +
		"09:12:57.0 (6000000)|USER_DEBUG|[5]|DEBUG|survives\n"

	parsed := svc.Parse(models.LogRecord{ID: "07L000000000004"}, body)
	require.Len(t, parsed.Events, 1)
	assert.Equal(t, "survives", parsed.Events[0].Message)
	assert.Len(t, parsed.Warnings, 2)
}

func TestParse_TimestampRegressionWarns(t *testing.T) {
	svc := newTestService()
	body := "64.0 APEX_CODE,FINE\n" +
		"09:12:57.0 (5000000)|USER_DEBUG|[4]|DEBUG|first\n" +
		"09:12:57.0 (1000000)|USER_DEBUG|[5]|DEBUG|went back\n"

	parsed := svc.Parse(models.LogRecord{ID: "07L000000000005"}, body)
	require.Len(t, parsed.Events, 1)
	assert.Equal(t, "first", parsed.Events[0].Message)
	require.Len(t, parsed.Warnings, 1)
	assert.Contains(t, parsed.Warnings[0], "timestamp went backwards")
}

func TestParse_TruncationMarker(t *testing.T) {
	svc := newTestService()
	body := "64.0 APEX_CODE,FINE\n" +
		"09:12:57.0 (1000000)|USER_DEBUG|[4]|DEBUG|before\n" +
		"*********** MAXIMUM DEBUG LOG SIZE REACHED ***********\n" +
		"09:12:57.0 (2000000)|USER_DEBUG|[5]|DEBUG|after\n"

	parsed := svc.Parse(models.LogRecord{ID: "07L000000000006"}, body)
	assert.True(t, parsed.Truncated)
	require.Len(t, parsed.Events, 1)
	assert.Equal(t, "before", parsed.Events[0].Message)
}

func TestParse_CutOffFinalLine(t *testing.T) {
	svc := newTestService()
	body := "64.0 APEX_CODE,FINE\n" +
		"09:12:57.0 (1000000)|USER_DEBUG|[4]|DEBUG|whole\n" +
		"09:12:57.0 (2000"

	parsed := svc.Parse(models.LogRecord{ID: "07L000000000007"}, body)
	assert.True(t, parsed.Truncated)
	require.Len(t, parsed.Events, 1)
	assert.Empty(t, parsed.Warnings)
}

func TestParse_WellFormedFinalLineWithoutNewline(t *testing.T) {
	svc := newTestService()
	body := "64.0 APEX_CODE,FINE\n" +
		"09:12:57.0 (1000000)|USER_DEBUG|[4]|DEBUG|last line"

	parsed := svc.Parse(models.LogRecord{ID: "07L000000000008"}, body)
	assert.False(t, parsed.Truncated)
	require.Len(t, parsed.Events, 1)
	assert.Equal(t, "last line", parsed.Events[0].Message)
}

func TestParse_EmptyBody(t *testing.T) {
	svc := newTestService()
	parsed := svc.Parse(models.LogRecord{ID: "07L000000000009"}, "")
	require.NotNil(t, parsed)
	assert.Empty(t, parsed.Events)
	assert.False(t, parsed.Truncated)
}
