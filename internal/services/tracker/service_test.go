package tracker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/models"
)

// fakeClient answers AsyncApexJob queries from substring-matched stubs
// and records every SOQL string it sees.
type fakeClient struct {
	mu      sync.Mutex
	stubs   []queryStub
	seq     []interface{} // consumed one per Query call when non-empty
	queries []string
}

type queryStub struct {
	contains string
	rows     interface{}
	err      error
}

func (f *fakeClient) Query(_ context.Context, soql string, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, soql)

	if len(f.seq) > 0 {
		rows := f.seq[0]
		f.seq = f.seq[1:]
		return fill(rows, out)
	}
	for _, stub := range f.stubs {
		if strings.Contains(soql, stub.contains) {
			if stub.err != nil {
				return stub.err
			}
			return fill(stub.rows, out)
		}
	}
	return fill([]asyncJobRow{}, out)
}

func fill(rows, out interface{}) error {
	raw, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeClient) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func (f *fakeClient) ToolingQuery(_ context.Context, _ string, _ interface{}) error { return nil }
func (f *fakeClient) ToolingCreate(_ context.Context, _ string, _ interface{}) (string, error) {
	return "", nil
}
func (f *fakeClient) ToolingUpdate(_ context.Context, _, _ string, _ interface{}) error { return nil }
func (f *fakeClient) ToolingDelete(_ context.Context, _, _ string) error               { return nil }
func (f *fakeClient) GetLogBody(_ context.Context, _ string) (string, error)           { return "", nil }
func (f *fakeClient) DeleteSObject(_ context.Context, _, _ string) error               { return nil }
func (f *fakeClient) UserID() string                                                   { return "005000000000001" }
func (f *fakeClient) OrgID() string                                                    { return "00D000000000001" }

var logStart = time.Date(2025, 3, 10, 9, 12, 0, 0, time.UTC)

func testParent() *models.ParsedLog {
	return &models.ParsedLog{
		Record: models.LogRecord{ID: "07L000000000001", StartTime: logStart},
	}
}

func jobRow(id, class, jobType, status, created string) asyncJobRow {
	row := asyncJobRow{
		ID:          id,
		JobType:     jobType,
		Status:      status,
		CreatedDate: created,
	}
	row.ApexClass.Name = class
	return row
}

func TestResolve_ByID(t *testing.T) {
	client := &fakeClient{stubs: []queryStub{
		{contains: "Id IN (", rows: []asyncJobRow{
			jobRow("707000000000001AAA", "MyQueueable", "Queueable", "Completed", "2025-03-10T09:12:01.000+0000"),
		}},
	}}
	svc := NewService(client, 5, common.GetLogger())

	refs := []models.AsyncJobRef{
		{ID: 1, Kind: models.JobKindQueueable, ClassName: "MyQueueable", JobID: "707000000000001AAA", EnqueueTime: 1_000_000},
	}
	resolved, err := svc.Resolve(context.Background(), testParent(), refs)
	require.NoError(t, err)

	job := resolved[1]
	require.NotNil(t, job)
	assert.Equal(t, "707000000000001AAA", job.ID)
	assert.Equal(t, "MyQueueable", job.ClassName)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 12, 1, 0, time.UTC), job.CreatedDate.UTC())
}

func TestResolve_IDPrefixTolerance(t *testing.T) {
	// Reference carries the 15-character form, the platform returns 18.
	client := &fakeClient{stubs: []queryStub{
		{contains: "Id IN (", rows: []asyncJobRow{
			jobRow("707000000000001AAA", "MyQueueable", "Queueable", "Completed", "2025-03-10T09:12:01.000+0000"),
		}},
	}}
	svc := NewService(client, 5, common.GetLogger())

	refs := []models.AsyncJobRef{
		{ID: 1, Kind: models.JobKindQueueable, ClassName: "MyQueueable", JobID: "707000000000001", EnqueueTime: 1_000_000},
	}
	resolved, err := svc.Resolve(context.Background(), testParent(), refs)
	require.NoError(t, err)
	require.NotNil(t, resolved[1])
	assert.Equal(t, "707000000000001AAA", resolved[1].ID)
}

func TestResolve_WindowedQuery(t *testing.T) {
	client := &fakeClient{stubs: []queryStub{
		{contains: "ApexClass.Name = 'MyQueueable'", rows: []asyncJobRow{
			jobRow("707000000000002AAA", "MyQueueable", "Queueable", "Processing", "2025-03-10T09:12:03.000+0000"),
		}},
	}}
	svc := NewService(client, 5, common.GetLogger())

	// Enqueued 2s after log start; window is [start+2s-5s, start+2s+60s].
	refs := []models.AsyncJobRef{
		{ID: 1, Kind: models.JobKindQueueable, ClassName: "MyQueueable", EnqueueTime: 2 * int64(time.Second)},
	}
	resolved, err := svc.Resolve(context.Background(), testParent(), refs)
	require.NoError(t, err)
	require.NotNil(t, resolved[1])
	assert.Equal(t, "707000000000002AAA", resolved[1].ID)

	queries := client.recorded()
	require.Len(t, queries, 1)
	q := queries[0]
	assert.Contains(t, q, "JobType = 'Queueable'")
	assert.Contains(t, q, "CreatedDate >= 2025-03-10T09:11:57Z")
	assert.Contains(t, q, "CreatedDate <= 2025-03-10T09:13:02Z")
	assert.Contains(t, q, "ORDER BY CreatedDate ASC LIMIT 1")
}

func TestResolve_EscapesClassName(t *testing.T) {
	client := &fakeClient{}
	svc := NewService(client, 5, common.GetLogger())

	refs := []models.AsyncJobRef{
		{ID: 1, Kind: models.JobKindQueueable, ClassName: `Bob's\Class`, EnqueueTime: 1_000_000},
	}
	_, err := svc.Resolve(context.Background(), testParent(), refs)
	require.NoError(t, err)

	queries := client.recorded()
	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], `ApexClass.Name = 'Bob\'s\\Class'`)
}

func TestResolve_UnknownClassSkipsQuery(t *testing.T) {
	client := &fakeClient{}
	svc := NewService(client, 5, common.GetLogger())

	refs := []models.AsyncJobRef{
		{ID: 1, Kind: models.JobKindQueueable, ClassName: models.UnknownClass, EnqueueTime: 1_000_000},
	}
	resolved, err := svc.Resolve(context.Background(), testParent(), refs)
	require.NoError(t, err)
	assert.Nil(t, resolved[1])
	assert.Empty(t, client.recorded(), "nothing to query on")
}

func TestResolve_InvalidIDFallsBackToWindow(t *testing.T) {
	client := &fakeClient{}
	svc := NewService(client, 5, common.GetLogger())

	refs := []models.AsyncJobRef{
		{ID: 1, Kind: models.JobKindQueueable, ClassName: "MyQueueable", JobID: "not-an-id", EnqueueTime: 1_000_000},
	}
	_, err := svc.Resolve(context.Background(), testParent(), refs)
	require.NoError(t, err)

	queries := client.recorded()
	require.Len(t, queries, 1)
	assert.NotContains(t, queries[0], "not-an-id", "garbage ids never reach a query")
	assert.Contains(t, queries[0], "ApexClass.Name = 'MyQueueable'")
}

func TestResolve_BatchesIdsInGroupsOfFifty(t *testing.T) {
	client := &fakeClient{}
	svc := NewService(client, 5, common.GetLogger())

	refs := make([]models.AsyncJobRef, 0, 60)
	for i := 0; i < 60; i++ {
		refs = append(refs, models.AsyncJobRef{
			ID:          i + 1,
			Kind:        models.JobKindQueueable,
			ClassName:   "MyQueueable",
			JobID:       jobID(i),
			EnqueueTime: int64(i) * int64(time.Millisecond) * 10,
		})
	}
	_, err := svc.Resolve(context.Background(), testParent(), refs)
	require.NoError(t, err)

	var inQueries []string
	for _, q := range client.recorded() {
		if strings.Contains(q, "Id IN (") {
			inQueries = append(inQueries, q)
		}
	}
	require.Len(t, inQueries, 2)
	total := 0
	for _, q := range inQueries {
		n := strings.Count(q, "'707")
		assert.LessOrEqual(t, n, 50)
		total += n
	}
	assert.Equal(t, 60, total)
}

// jobID fabricates a distinct valid 15-character id per index.
func jobID(i int) string {
	suffix := []byte{'A' + byte(i/26%26), 'A' + byte(i%26)}
	return "7070000000000" + string(suffix)
}

func TestWaitForCompletion_PollsUntilTerminal(t *testing.T) {
	client := &fakeClient{seq: []interface{}{
		[]asyncJobRow{jobRow("707000000000001AAA", "MyQueueable", "Queueable", "Processing", "2025-03-10T09:12:01.000+0000")},
		[]asyncJobRow{jobRow("707000000000001AAA", "MyQueueable", "Queueable", "Completed", "2025-03-10T09:12:01.000+0000")},
	}}
	svc := NewService(client, 5, common.GetLogger())

	job, err := svc.WaitForCompletion(context.Background(), "707000000000001AAA", time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Len(t, client.recorded(), 2)
}

func TestWaitForCompletion_DeadlineReturnsLastObserved(t *testing.T) {
	client := &fakeClient{stubs: []queryStub{
		{contains: "FROM AsyncApexJob", rows: []asyncJobRow{
			jobRow("707000000000001AAA", "MyQueueable", "Queueable", "Processing", "2025-03-10T09:12:01.000+0000"),
		}},
	}}
	svc := NewService(client, 5, common.GetLogger())

	job, err := svc.WaitForCompletion(context.Background(), "707000000000001AAA", 30*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job, "non-terminal record still comes back at the deadline")
	assert.Equal(t, models.JobStatusProcessing, job.Status)
}

func TestWaitForCompletion_Cancelled(t *testing.T) {
	client := &fakeClient{stubs: []queryStub{
		{contains: "FROM AsyncApexJob", rows: []asyncJobRow{
			jobRow("707000000000001AAA", "MyQueueable", "Queueable", "Processing", "2025-03-10T09:12:01.000+0000"),
		}},
	}}
	svc := NewService(client, 5, common.GetLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.WaitForCompletion(ctx, "707000000000001AAA", time.Minute, 10*time.Second)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrCancelled))
}

func TestWaitForCompletion_RejectsMalformedID(t *testing.T) {
	svc := NewService(&fakeClient{}, 5, common.GetLogger())
	_, err := svc.WaitForCompletion(context.Background(), "DROP TABLE", time.Second, time.Millisecond)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrQueryFailed))
}

func TestFindBatchWorkers(t *testing.T) {
	client := &fakeClient{stubs: []queryStub{
		{contains: "JobType = 'BatchApexWorker'", rows: []asyncJobRow{
			jobRow("707000000000010AAA", "MyBatch", "BatchApexWorker", "Completed", "2025-03-10T09:12:05.000+0000"),
			jobRow("707000000000011AAA", "MyBatch", "BatchApexWorker", "Completed", "2025-03-10T09:12:09.000+0000"),
		}},
	}}
	svc := NewService(client, 5, common.GetLogger())

	parent := &models.AsyncApexJob{
		ID:          "707000000000009AAA",
		ClassName:   "MyBatch",
		JobType:     models.ApexJobTypeBatchApex,
		CreatedDate: time.Date(2025, 3, 10, 9, 12, 1, 0, time.UTC),
	}
	workers, err := svc.FindBatchWorkers(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "707000000000010AAA", workers[0].ID)

	queries := client.recorded()
	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "ApexClass.Name = 'MyBatch'")
	assert.Contains(t, queries[0], "CreatedDate >= 2025-03-10T09:12:01Z")
}

func TestFindBatchWorkers_NilParent(t *testing.T) {
	svc := NewService(&fakeClient{}, 5, common.GetLogger())
	workers, err := svc.FindBatchWorkers(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, workers)
}
