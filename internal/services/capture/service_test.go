package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/connectors/salesforce"
	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// fakeClient answers queries by sobject keyword and records writes.
type fakeClient struct {
	mu sync.Mutex

	// queryRows maps a FROM keyword ("TraceFlag", "User", ...) to rows
	// returned for matching queries.
	queryRows map[string]interface{}

	// createErrs queues errors for successive ToolingCreate calls per
	// sobject; nil entries mean success.
	createErrs map[string][]error
	updateErr  error

	creates []string // sobjects created, in order
	updates []string // "sobject:id" patched
	deletes []string // "sobject:id" removed

	logBodies map[string]string
	nextID    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		queryRows:  make(map[string]interface{}),
		createErrs: make(map[string][]error),
		logBodies:  make(map[string]string),
	}
}

func (f *fakeClient) answer(soql string, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for keyword, rows := range f.queryRows {
		if strings.Contains(soql, "FROM "+keyword) {
			raw, err := json.Marshal(rows)
			if err != nil {
				return err
			}
			return json.Unmarshal(raw, out)
		}
	}
	// No stubbed rows means an empty result set
	return json.Unmarshal([]byte("[]"), out)
}

func (f *fakeClient) Query(_ context.Context, soql string, out interface{}) error {
	return f.answer(soql, out)
}

func (f *fakeClient) ToolingQuery(_ context.Context, soql string, out interface{}) error {
	return f.answer(soql, out)
}

func (f *fakeClient) ToolingCreate(_ context.Context, sobject string, _ interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.createErrs[sobject]; len(errs) > 0 {
		err := errs[0]
		f.createErrs[sobject] = errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	id := fmt.Sprintf("7tf%015d", f.nextID)
	f.creates = append(f.creates, sobject)
	return id, nil
}

func (f *fakeClient) ToolingUpdate(_ context.Context, sobject, id string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, sobject+":"+id)
	return nil
}

func (f *fakeClient) ToolingDelete(_ context.Context, sobject, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, sobject+":"+id)
	return nil
}

func (f *fakeClient) GetLogBody(_ context.Context, logID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.logBodies[logID]
	if !ok {
		return "", models.NewError(models.ErrQueryFailed, "no such log", "")
	}
	return body, nil
}

func (f *fakeClient) DeleteSObject(_ context.Context, sobject, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, sobject+":"+id)
	return nil
}

func (f *fakeClient) UserID() string { return "005000000000001AAA" }
func (f *fakeClient) OrgID() string  { return "00D000000000001EAA" }

var _ interfaces.SalesforceClient = (*fakeClient)(nil)

// fakeCache is an in-memory LogCache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string]string
	hits int
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string]string)} }

func (c *fakeCache) Put(_ context.Context, logID, body string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[logID] = body
	return nil
}

func (c *fakeCache) Get(_ context.Context, logID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.data[logID]
	if ok {
		c.hits++
	}
	return body, ok
}

func (c *fakeCache) Delete(_ context.Context, logID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, logID)
	return nil
}

var _ interfaces.LogCache = (*fakeCache)(nil)

func testConfig() common.CaptureConfig {
	return common.CaptureConfig{
		Preset:            "ai_optimized",
		DurationMinutes:   60,
		BufferMinutes:     10,
		WatchPollInterval: 200 * time.Millisecond,
		JanitorSchedule:   "@every 1h",
	}
}

func newTestService(t *testing.T, client *fakeClient, cache interfaces.LogCache) *Service {
	t.Helper()
	s := NewService(client, cache, testConfig(), common.GetLogger())
	t.Cleanup(s.Stop)
	return s
}

func flagRow(id, entityID, levelID string, expiresIn time.Duration) map[string]string {
	now := time.Now()
	return map[string]string{
		"Id":             id,
		"TracedEntityId": entityID,
		"DebugLevelId":   levelID,
		"StartDate":      salesforce.FormatDateTime(now.Add(-time.Hour)),
		"ExpirationDate": salesforce.FormatDateTime(now.Add(expiresIn)),
	}
}

func TestEnsureSessionCreatesLevelAndFlag(t *testing.T) {
	client := newFakeClient()
	service := newTestService(t, client, nil)

	session, err := service.EnsureSession(context.Background(), models.PresetSOQLAnalysis)
	require.NoError(t, err)

	assert.Equal(t, models.PresetSOQLAnalysis, session.Preset)
	assert.Equal(t, client.UserID(), session.UserID)
	assert.NotEmpty(t, session.DebugLevelID)
	assert.Len(t, session.TraceFlagIDs, 1)
	assert.Equal(t, []string{"DebugLevel", "TraceFlag"}, client.creates)
	assert.True(t, session.ExpiresAt.After(time.Now()))
}

func TestEnsureSessionReusesActiveFlag(t *testing.T) {
	client := newFakeClient()
	client.queryRows["DebugLevel"] = []map[string]string{
		{"Id": "7dl000000000001AAA", "DeveloperName": "Conexus_AI_Optimized"},
	}
	client.queryRows["TraceFlag"] = []map[string]string{
		flagRow("7tf000000000001AAA", "005000000000001AAA", "7dl000000000001AAA", 2*time.Hour),
	}
	service := newTestService(t, client, nil)

	session, err := service.EnsureSession(context.Background(), models.PresetAIOptimized)
	require.NoError(t, err)

	// Reused flags are not owned and must survive Cleanup
	assert.Empty(t, session.TraceFlagIDs)
	assert.Empty(t, client.creates)
	assert.Empty(t, client.updates)
}

func TestEnsureSessionExtendsExpiringFlag(t *testing.T) {
	client := newFakeClient()
	client.queryRows["DebugLevel"] = []map[string]string{
		{"Id": "7dl000000000001AAA", "DeveloperName": "Conexus_AI_Optimized"},
	}
	client.queryRows["TraceFlag"] = []map[string]string{
		flagRow("7tf000000000001AAA", "005000000000001AAA", "7dl000000000001AAA", 5*time.Minute),
	}
	service := newTestService(t, client, nil)

	session, err := service.EnsureSession(context.Background(), models.PresetAIOptimized)
	require.NoError(t, err)

	assert.Empty(t, client.creates)
	assert.Equal(t, []string{"TraceFlag:7tf000000000001AAA"}, client.updates)
	assert.True(t, session.ExpiresAt.After(time.Now().Add(30*time.Minute)))
}

func TestCreateFlagRetriesOnceOnConflict(t *testing.T) {
	client := newFakeClient()
	conflict := models.NewError(models.ErrTraceFlagConflict, "UNABLE_TO_LOCK_ROW", "").AsRetryable()
	client.createErrs["TraceFlag"] = []error{conflict, nil}
	service := newTestService(t, client, nil)

	session, err := service.EnsureSession(context.Background(), models.PresetMinimal)
	require.NoError(t, err)
	assert.Len(t, session.TraceFlagIDs, 1)
}

func TestExtendFlagConflictAcceptsWinner(t *testing.T) {
	// A concurrent caller extends first: the update conflicts, the
	// re-query shows an active flag, and its expiration is accepted.
	client := newFakeClient()
	client.updateErr = models.NewError(models.ErrTraceFlagConflict, "UNABLE_TO_LOCK_ROW", "").AsRetryable()
	client.queryRows["DebugLevel"] = []map[string]string{
		{"Id": "7dl000000000001AAA", "DeveloperName": "Conexus_AI_Optimized"},
	}
	client.queryRows["TraceFlag"] = []map[string]string{
		flagRow("7tf000000000001AAA", "005000000000001AAA", "7dl000000000001AAA", 5*time.Minute),
	}
	service := newTestService(t, client, nil)
	flag, err := service.findActiveFlag(context.Background(), "005000000000001AAA", "7dl000000000001AAA")
	require.NoError(t, err)
	require.NotNil(t, flag)

	// The winner's row now shows a healthy expiration
	client.mu.Lock()
	client.queryRows["TraceFlag"] = []map[string]string{
		flagRow("7tf000000000001AAA", "005000000000001AAA", "7dl000000000001AAA", 90*time.Minute),
	}
	client.mu.Unlock()

	expiresAt, err := service.extendFlag(context.Background(), flag, "005000000000001AAA", "7dl000000000001AAA")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now().Add(time.Hour)))
}

func TestEnableAsyncCoverageMissingUserWarns(t *testing.T) {
	client := newFakeClient()
	service := newTestService(t, client, nil)

	session := &models.CaptureSession{ID: "cap_test", Preset: models.PresetAIOptimized}
	err := service.EnableAsyncCoverage(context.Background(), session)
	require.NoError(t, err)

	assert.Empty(t, session.AutomatedProcessUserID)
	require.Len(t, session.Warnings, 1)
	assert.Contains(t, session.Warnings[0], "async child logs may not be captured")
}

func TestEnableAsyncCoverageCreatesFlag(t *testing.T) {
	client := newFakeClient()
	client.queryRows["User"] = []map[string]string{
		{"Id": "005000000000AP1AAA", "Name": "Automated Process"},
	}
	service := newTestService(t, client, nil)

	session := &models.CaptureSession{
		ID:           "cap_test",
		Preset:       models.PresetAIOptimized,
		DebugLevelID: "7dl000000000001AAA",
	}
	err := service.EnableAsyncCoverage(context.Background(), session)
	require.NoError(t, err)

	assert.Equal(t, "005000000000AP1AAA", session.AutomatedProcessUserID)
	assert.Len(t, session.TraceFlagIDs, 1)
	assert.Equal(t, []string{"TraceFlag"}, client.creates)
}

func TestCleanupDeletesOwnedFlagsUnderCancelledContext(t *testing.T) {
	client := newFakeClient()
	service := newTestService(t, client, nil)

	session := &models.CaptureSession{
		ID:           "cap_test",
		TraceFlagIDs: []string{"7tf000000000001AAA", "7tf000000000002AAA"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := service.Cleanup(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, []string{"TraceFlag:7tf000000000001AAA", "TraceFlag:7tf000000000002AAA"}, client.deletes)
	assert.Empty(t, session.TraceFlagIDs)
}

func TestEnsureDebugLevelIdempotent(t *testing.T) {
	client := newFakeClient()
	client.queryRows["DebugLevel"] = []map[string]string{
		{"Id": "7dl000000000009AAA", "DeveloperName": "Conexus_Triggers"},
	}
	service := newTestService(t, client, nil)

	spec, _ := SpecForPreset(models.PresetTriggers)
	id, err := service.EnsureDebugLevel(context.Background(), "Conexus_Triggers", spec)
	require.NoError(t, err)
	assert.Equal(t, "7dl000000000009AAA", id)
	assert.Empty(t, client.creates)
}

func TestListLogsSkipsMalformedRows(t *testing.T) {
	client := newFakeClient()
	client.queryRows["ApexLog"] = []map[string]interface{}{
		{"Id": "07L000000000001AAA", "StartTime": "2026-08-24T10:00:00.000+0000", "Operation": "VFRemoting", "Status": "Success"},
		{"Id": "07L000000000002AAA", "StartTime": "not-a-timestamp", "Operation": "Bad", "Status": "Success"},
		{"Id": "07L000000000003AAA", "StartTime": "2026-08-24T10:01:00.000+0000", "Operation": "Batch Apex", "Status": "Success"},
	}
	service := newTestService(t, client, nil)

	records, err := service.ListLogs(context.Background(), interfaces.LogListOptions{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "07L000000000001AAA", records[0].ID)
	assert.Equal(t, "07L000000000003AAA", records[1].ID)
}

func TestListLogsRejectsMalformedUserID(t *testing.T) {
	client := newFakeClient()
	service := newTestService(t, client, nil)

	_, err := service.ListLogs(context.Background(), interfaces.LogListOptions{UserID: "bad'id"})
	require.Error(t, err)
	assert.Equal(t, models.ErrQueryFailed, models.CodeOf(err))
}

func TestFetchLogUsesCache(t *testing.T) {
	client := newFakeClient()
	client.logBodies["07L000000000001AAA"] = "APEX_CODE,FINE\n10:00:00.0 (1000)|EXECUTION_STARTED\n"
	cache := newFakeCache()
	service := newTestService(t, client, cache)

	body, err := service.FetchLog(context.Background(), "07L000000000001AAA")
	require.NoError(t, err)
	assert.Contains(t, body, "EXECUTION_STARTED")

	// Second fetch is served from cache
	_, err = service.FetchLog(context.Background(), "07L000000000001AAA")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
}

func TestWatchDeliversNewRecordsOnce(t *testing.T) {
	client := newFakeClient()
	service := newTestService(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := service.Watch(ctx, interfaces.LogListOptions{Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	defer w.Stop()

	client.mu.Lock()
	client.queryRows["ApexLog"] = []map[string]interface{}{
		{"Id": "07L000000000001AAA", "StartTime": salesforce.FormatDateTime(time.Now()), "Operation": "VFRemoting", "Status": "Success"},
	}
	client.mu.Unlock()

	select {
	case delivery := <-w.Records():
		assert.Equal(t, "07L000000000001AAA", delivery.Record.ID)
		assert.Empty(t, delivery.Body, "bodies are not fetched unless asked for")
	case <-time.After(5 * time.Second):
		t.Fatal("no record delivered")
	}

	// The same row must not be delivered again
	select {
	case delivery, ok := <-w.Records():
		if ok {
			t.Fatalf("unexpected duplicate record %s", delivery.Record.ID)
		}
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestWatchAutoFetchesBodies(t *testing.T) {
	client := newFakeClient()
	client.logBodies["07L000000000001AAA"] = "APEX_CODE,FINE\n10:00:00.0 (1000)|EXECUTION_STARTED\n"
	service := newTestService(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := service.Watch(ctx, interfaces.LogListOptions{
		Since:     time.Now().Add(-time.Hour),
		AutoFetch: true,
	})
	require.NoError(t, err)
	defer w.Stop()

	client.mu.Lock()
	client.queryRows["ApexLog"] = []map[string]interface{}{
		{"Id": "07L000000000001AAA", "StartTime": salesforce.FormatDateTime(time.Now()), "Operation": "VFRemoting", "Status": "Success"},
		{"Id": "07L000000000002AAA", "StartTime": salesforce.FormatDateTime(time.Now()), "Operation": "BatchApex", "Status": "Success"},
	}
	client.mu.Unlock()

	select {
	case delivery := <-w.Records():
		assert.Equal(t, "07L000000000001AAA", delivery.Record.ID)
		assert.Contains(t, delivery.Body, "EXECUTION_STARTED")
	case <-time.After(5 * time.Second):
		t.Fatal("no record delivered")
	}

	// The second log has no body on the org; the record is still
	// delivered, just without one.
	select {
	case delivery := <-w.Records():
		assert.Equal(t, "07L000000000002AAA", delivery.Record.ID)
		assert.Empty(t, delivery.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("bodyless record never delivered")
	}
}
