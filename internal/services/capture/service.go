package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/connectors/salesforce"
	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// automatedProcessName is the canonical name of the platform's
// system-executor user. Async jobs run under this identity unless
// configured otherwise; without a trace flag on it, no child logs.
const automatedProcessName = "Automated Process"

// maxFlagLifetime is the platform cap on trace-flag expiration.
const maxFlagLifetime = 24 * time.Hour

// Service owns trace-flag lifecycle and log access. A background cron
// janitor extends expiring flags on registered sessions so a long
// analysis never loses capture mid-run.
type Service struct {
	client interfaces.SalesforceClient
	cache  interfaces.LogCache // nil unless log-body caching was opted into
	cfg    common.CaptureConfig
	logger arbor.ILogger

	mu       sync.Mutex
	sessions map[string]*models.CaptureSession
	cron     *cron.Cron
}

// NewService creates the capture controller and starts the flag
// janitor. cache may be nil.
func NewService(client interfaces.SalesforceClient, cache interfaces.LogCache, cfg common.CaptureConfig, logger arbor.ILogger) *Service {
	s := &Service{
		client:   client,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*models.CaptureSession),
		cron:     cron.New(),
	}

	schedule := cfg.JanitorSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := s.cron.AddFunc(schedule, s.extendExpiringFlags); err != nil {
		logger.Warn().Err(err).Str("schedule", schedule).Msg("Invalid janitor schedule, flag auto-extension disabled")
	} else {
		s.cron.Start()
	}
	return s
}

// Stop halts the janitor.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Tooling query row shapes. Timestamps stay strings here and are parsed
// at this boundary so nothing downstream sees a platform date format.
type traceFlagRow struct {
	ID             string `json:"Id"`
	TracedEntityID string `json:"TracedEntityId"`
	DebugLevelID   string `json:"DebugLevelId"`
	StartDate      string `json:"StartDate"`
	ExpirationDate string `json:"ExpirationDate"`
}

type debugLevelRow struct {
	ID            string           `json:"Id"`
	DeveloperName string           `json:"DeveloperName"`
	ApexCode      models.Verbosity `json:"ApexCode"`
	ApexProfiling models.Verbosity `json:"ApexProfiling"`
	Callout       models.Verbosity `json:"Callout"`
	Database      models.Verbosity `json:"Database"`
	System        models.Verbosity `json:"System"`
	Validation    models.Verbosity `json:"Validation"`
	Visualforce   models.Verbosity `json:"Visualforce"`
	Workflow      models.Verbosity `json:"Workflow"`
}

func (r *debugLevelRow) spec() models.DebugLevelSpec {
	return models.DebugLevelSpec{
		ApexCode: r.ApexCode, ApexProfiling: r.ApexProfiling,
		Callout: r.Callout, Database: r.Database,
		System: r.System, Validation: r.Validation,
		Visualforce: r.Visualforce, Workflow: r.Workflow,
	}
}

type apexLogRow struct {
	ID          string `json:"Id"`
	StartTime   string `json:"StartTime"`
	LogUserID   string `json:"LogUserId"`
	Operation   string `json:"Operation"`
	LogLength   int64  `json:"LogLength"`
	Status      string `json:"Status"`
	DurationMs  int64  `json:"DurationMilliseconds"`
	Application string `json:"Application"`
	Request     string `json:"Request"`
}

type userRow struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// EnsureSession guarantees an active trace flag on the current user at
// the preset's debug levels.
func (s *Service) EnsureSession(ctx context.Context, preset models.PresetName) (*models.CaptureSession, error) {
	spec, known := SpecForPreset(preset)
	if !known {
		s.logger.Warn().Str("preset", string(preset)).Msg("Unknown preset, using ai_optimized")
		preset = models.PresetAIOptimized
	}

	levelID, err := s.EnsureDebugLevel(ctx, DeveloperNameForPreset(preset), spec)
	if err != nil {
		return nil, err
	}

	session := &models.CaptureSession{
		ID:           common.NewSessionID(),
		UserID:       s.client.UserID(),
		Preset:       preset,
		DebugLevelID: levelID,
	}

	expiresAt, createdID, err := s.ensureFlag(ctx, session.UserID, levelID)
	if err != nil {
		return nil, err
	}
	session.ExpiresAt = expiresAt
	if createdID != "" {
		session.TraceFlagIDs = append(session.TraceFlagIDs, createdID)
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.logger.Info().
		Str("session_id", session.ID).
		Str("preset", string(preset)).
		Time("expires_at", session.ExpiresAt).
		Msg("Capture session ensured")
	return session, nil
}

// ensureFlag reuses, extends, or creates a trace flag for the entity.
// Returns the flag expiration and the created flag id ("" when an
// existing flag was reused).
func (s *Service) ensureFlag(ctx context.Context, entityID, levelID string) (time.Time, string, error) {
	now := time.Now()
	buffer := time.Duration(s.cfg.BufferMinutes) * time.Minute

	flag, err := s.findActiveFlag(ctx, entityID, levelID)
	if err != nil {
		return time.Time{}, "", err
	}

	if flag != nil {
		switch flag.State(now, buffer) {
		case models.TraceFlagActive:
			return flag.ExpirationDate, "", nil
		case models.TraceFlagExpiring:
			expiresAt, err := s.extendFlag(ctx, flag, entityID, levelID)
			return expiresAt, "", err
		}
		// Expired rows occasionally survive until the platform reaps
		// them; fall through and create a fresh flag.
	}

	id, expiresAt, err := s.createFlag(ctx, entityID, levelID)
	if err != nil {
		return time.Time{}, "", err
	}
	return expiresAt, id, nil
}

// findActiveFlag queries the newest unexpired flag for the entity and
// level. Returns nil when none exists.
func (s *Service) findActiveFlag(ctx context.Context, entityID, levelID string) (*models.TraceFlag, error) {
	soql := fmt.Sprintf(
		"SELECT Id, TracedEntityId, DebugLevelId, StartDate, ExpirationDate FROM TraceFlag "+
			"WHERE TracedEntityId = %s AND DebugLevelId = %s AND LogType = 'USER_DEBUG' "+
			"AND ExpirationDate > %s ORDER BY ExpirationDate DESC LIMIT 1",
		salesforce.QuoteString(entityID), salesforce.QuoteString(levelID),
		salesforce.FormatDateTime(time.Now()))

	var rows []traceFlagRow
	if err := s.client.ToolingQuery(ctx, soql, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.flagFromRow(rows[0])
}

func (s *Service) flagFromRow(row traceFlagRow) (*models.TraceFlag, error) {
	start, err := salesforce.ParseTime(row.StartDate)
	if err != nil {
		return nil, models.WrapError(models.ErrQueryFailed, "malformed TraceFlag StartDate", err)
	}
	expiry, err := salesforce.ParseTime(row.ExpirationDate)
	if err != nil {
		return nil, models.WrapError(models.ErrQueryFailed, "malformed TraceFlag ExpirationDate", err)
	}
	return &models.TraceFlag{
		ID:             row.ID,
		TracedEntityID: row.TracedEntityID,
		DebugLevelID:   row.DebugLevelID,
		LogType:        "USER_DEBUG",
		StartDate:      start,
		ExpirationDate: expiry,
	}, nil
}

// extendFlag pushes a flag's expiration out to the configured duration.
// When a concurrent caller extended the same flag first, the update may
// conflict; the winner's expiration is observed and accepted instead of
// creating a duplicate flag row.
func (s *Service) extendFlag(ctx context.Context, flag *models.TraceFlag, entityID, levelID string) (time.Time, error) {
	target := s.capExpiry(time.Now())

	err := s.client.ToolingUpdate(ctx, "TraceFlag", flag.ID, map[string]string{
		"ExpirationDate": salesforce.FormatDateTime(target),
	})
	if err == nil {
		s.logger.Debug().Str("trace_flag_id", flag.ID).Time("expires_at", target).Msg("Trace flag extended")
		return target, nil
	}

	if models.IsCode(err, models.ErrTraceFlagConflict) {
		refreshed, qerr := s.findActiveFlag(ctx, entityID, levelID)
		if qerr == nil && refreshed != nil {
			buffer := time.Duration(s.cfg.BufferMinutes) * time.Minute
			if refreshed.State(time.Now(), buffer) == models.TraceFlagActive {
				// Another caller won the race; short-circuit
				return refreshed.ExpirationDate, nil
			}
		}
	}
	return time.Time{}, err
}

// createFlag creates a trace flag, retrying once with linear backoff on
// a row-lock conflict from a concurrent caller.
func (s *Service) createFlag(ctx context.Context, entityID, levelID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := s.capExpiry(now)
	payload := map[string]string{
		"TracedEntityId": entityID,
		"DebugLevelId":   levelID,
		"LogType":        "USER_DEBUG",
		"StartDate":      salesforce.FormatDateTime(now),
		"ExpirationDate": salesforce.FormatDateTime(expiresAt),
	}

	id, err := s.client.ToolingCreate(ctx, "TraceFlag", payload)
	if err != nil && models.IsCode(err, models.ErrTraceFlagConflict) {
		s.logger.Debug().Str("entity_id", entityID).Msg("Trace flag row locked, retrying once")
		select {
		case <-ctx.Done():
			return "", time.Time{}, models.WrapError(models.ErrCancelled, "trace flag creation cancelled", ctx.Err())
		case <-time.After(2 * time.Second):
		}
		id, err = s.client.ToolingCreate(ctx, "TraceFlag", payload)
		if err != nil {
			// The concurrent caller may have created an equivalent flag
			if flag, qerr := s.findActiveFlag(ctx, entityID, levelID); qerr == nil && flag != nil {
				return "", flag.ExpirationDate, nil
			}
			return "", time.Time{}, err
		}
	} else if err != nil {
		return "", time.Time{}, err
	}

	s.logger.Info().Str("trace_flag_id", id).Str("entity_id", entityID).Time("expires_at", expiresAt).Msg("Trace flag created")
	return id, expiresAt, nil
}

// capExpiry applies the configured duration, never past the platform's
// 24 hour ceiling.
func (s *Service) capExpiry(now time.Time) time.Time {
	d := time.Duration(s.cfg.DurationMinutes) * time.Minute
	if d <= 0 || d > maxFlagLifetime {
		d = maxFlagLifetime
	}
	return now.Add(d)
}

// EnableAsyncCoverage creates a parallel trace flag on the Automated
// Process user. A missing system user degrades to a session warning.
func (s *Service) EnableAsyncCoverage(ctx context.Context, session *models.CaptureSession) error {
	var users []userRow
	soql := fmt.Sprintf("SELECT Id, Name FROM User WHERE Name = %s LIMIT 1",
		salesforce.QuoteString(automatedProcessName))
	if err := s.client.Query(ctx, soql, &users); err != nil {
		return err
	}
	if len(users) == 0 {
		session.Warnings = append(session.Warnings, "async child logs may not be captured: Automated Process user not found")
		s.logger.Warn().Msg("Automated Process user not found; async child logs may not be captured")
		return nil
	}
	session.AutomatedProcessUserID = users[0].ID

	levelID := session.DebugLevelID
	spec, _ := SpecForPreset(session.Preset)

	// If the system user already carries a flag at a different level,
	// merge per-category maxima rather than fighting over the row.
	existing, err := s.findAnyActiveFlag(ctx, users[0].ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.DebugLevelID != session.DebugLevelID {
		existingSpec, err := s.debugLevelSpec(ctx, existing.DebugLevelID)
		if err != nil {
			return err
		}
		merged := existingSpec.Merge(spec)
		if merged != existingSpec {
			mergedID, err := s.EnsureDebugLevel(ctx, DeveloperNameForPreset(session.Preset)+"_Merged", merged)
			if err != nil {
				return err
			}
			if err := s.client.ToolingUpdate(ctx, "TraceFlag", existing.ID, map[string]string{
				"DebugLevelId": mergedID,
			}); err != nil {
				return err
			}
			levelID = mergedID
		} else {
			levelID = existing.DebugLevelID
		}
	}

	expiresAt, createdID, err := s.ensureFlag(ctx, users[0].ID, levelID)
	if err != nil {
		return err
	}
	if createdID != "" {
		session.TraceFlagIDs = append(session.TraceFlagIDs, createdID)
	}
	if expiresAt.Before(session.ExpiresAt) || session.ExpiresAt.IsZero() {
		session.ExpiresAt = expiresAt
	}

	s.logger.Info().
		Str("session_id", session.ID).
		Str("automated_process_user_id", users[0].ID).
		Msg("Async coverage enabled")
	return nil
}

// findAnyActiveFlag finds the newest unexpired flag for an entity at
// any debug level.
func (s *Service) findAnyActiveFlag(ctx context.Context, entityID string) (*models.TraceFlag, error) {
	soql := fmt.Sprintf(
		"SELECT Id, TracedEntityId, DebugLevelId, StartDate, ExpirationDate FROM TraceFlag "+
			"WHERE TracedEntityId = %s AND LogType = 'USER_DEBUG' AND ExpirationDate > %s "+
			"ORDER BY ExpirationDate DESC LIMIT 1",
		salesforce.QuoteString(entityID), salesforce.FormatDateTime(time.Now()))

	var rows []traceFlagRow
	if err := s.client.ToolingQuery(ctx, soql, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.flagFromRow(rows[0])
}

func (s *Service) debugLevelSpec(ctx context.Context, levelID string) (models.DebugLevelSpec, error) {
	soql := fmt.Sprintf(
		"SELECT Id, DeveloperName, ApexCode, ApexProfiling, Callout, Database, System, Validation, Visualforce, Workflow "+
			"FROM DebugLevel WHERE Id = %s", salesforce.QuoteString(levelID))
	var rows []debugLevelRow
	if err := s.client.ToolingQuery(ctx, soql, &rows); err != nil {
		return models.DebugLevelSpec{}, err
	}
	if len(rows) == 0 {
		return models.DebugLevelSpec{}, models.NewError(models.ErrQueryFailed,
			"DebugLevel "+levelID+" not found", "the referenced debug level row was deleted")
	}
	return rows[0].spec(), nil
}

// EnsureDebugLevel gets or creates a DebugLevel by developer name.
// Idempotent: the rowspace is shared, so a lost create race resolves by
// re-querying.
func (s *Service) EnsureDebugLevel(ctx context.Context, developerName string, spec models.DebugLevelSpec) (string, error) {
	lookup := func() (string, error) {
		soql := fmt.Sprintf("SELECT Id, DeveloperName FROM DebugLevel WHERE DeveloperName = %s LIMIT 1",
			salesforce.QuoteString(developerName))
		var rows []debugLevelRow
		if err := s.client.ToolingQuery(ctx, soql, &rows); err != nil {
			return "", err
		}
		if len(rows) > 0 {
			return rows[0].ID, nil
		}
		return "", nil
	}

	if id, err := lookup(); err != nil || id != "" {
		return id, err
	}

	payload := map[string]string{
		"DeveloperName": developerName,
		"MasterLabel":   developerName,
		"ApexCode":      string(spec.ApexCode),
		"ApexProfiling": string(spec.ApexProfiling),
		"Callout":       string(spec.Callout),
		"Database":      string(spec.Database),
		"System":        string(spec.System),
		"Validation":    string(spec.Validation),
		"Visualforce":   string(spec.Visualforce),
		"Workflow":      string(spec.Workflow),
	}
	id, err := s.client.ToolingCreate(ctx, "DebugLevel", payload)
	if err != nil {
		// A concurrent caller may have created the same developer name
		if foundID, lerr := lookup(); lerr == nil && foundID != "" {
			return foundID, nil
		}
		return "", err
	}
	s.logger.Debug().Str("debug_level_id", id).Str("developer_name", developerName).Msg("Debug level created")
	return id, nil
}

// ListLogs lists ApexLog records matching the options, newest-capped at
// 50 rows. Malformed rows are skipped with a warning rather than
// failing the listing.
func (s *Service) ListLogs(ctx context.Context, opts interfaces.LogListOptions) ([]models.LogRecord, error) {
	where := ""
	if opts.UserID != "" {
		if !salesforce.ValidateID(opts.UserID) {
			return nil, models.NewError(models.ErrQueryFailed, "malformed user id filter", "record ids are 15 or 18 alphanumeric characters")
		}
		where = appendCondition(where, fmt.Sprintf("LogUserId = %s", salesforce.QuoteString(opts.UserID)))
	}
	if !opts.Since.IsZero() {
		where = appendCondition(where, fmt.Sprintf("StartTime >= %s", salesforce.FormatDateTime(opts.Since)))
	}
	if !opts.Until.IsZero() {
		where = appendCondition(where, fmt.Sprintf("StartTime < %s", salesforce.FormatDateTime(opts.Until)))
	}

	limit := salesforce.ClampLimit(opts.MaxRecords, 50)
	if opts.MaxRecords <= 0 {
		limit = 50
	}
	soql := "SELECT Id, StartTime, LogUserId, Operation, LogLength, Status, DurationMilliseconds, Application, Request FROM ApexLog" +
		where + " ORDER BY StartTime ASC LIMIT " + fmt.Sprint(limit)

	var rows []apexLogRow
	if err := s.client.Query(ctx, soql, &rows); err != nil {
		return nil, err
	}

	return s.recordsFromRows(rows), nil
}

// GetLogRecords fetches ApexLog rows by id in a single query. Ids the
// org already reaped are skipped; the survivors come back in input
// order.
func (s *Service) GetLogRecords(ctx context.Context, logIDs []string) ([]models.LogRecord, error) {
	if len(logIDs) == 0 {
		return nil, nil
	}
	for _, id := range logIDs {
		if !salesforce.ValidateID(id) {
			return nil, models.NewError(models.ErrQueryFailed, "malformed log id "+id, "record ids are 15 or 18 alphanumeric characters")
		}
	}

	soql := "SELECT Id, StartTime, LogUserId, Operation, LogLength, Status, DurationMilliseconds, Application, Request FROM ApexLog WHERE " +
		salesforce.InClause("Id", logIDs)

	var rows []apexLogRow
	if err := s.client.Query(ctx, soql, &rows); err != nil {
		return nil, err
	}

	byID := make(map[string]models.LogRecord, len(rows))
	for _, rec := range s.recordsFromRows(rows) {
		byID[rec.ID] = rec
	}
	records := make([]models.LogRecord, 0, len(byID))
	for _, id := range logIDs {
		if rec, ok := byID[id]; ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// recordsFromRows converts query rows, skipping any with a malformed
// StartTime.
func (s *Service) recordsFromRows(rows []apexLogRow) []models.LogRecord {
	records := make([]models.LogRecord, 0, len(rows))
	for _, row := range rows {
		start, err := salesforce.ParseTime(row.StartTime)
		if err != nil {
			s.logger.Warn().Str("log_id", row.ID).Str("start_time", row.StartTime).Msg("Skipping log row with malformed StartTime")
			continue
		}
		records = append(records, models.LogRecord{
			ID:          row.ID,
			StartTime:   start,
			LogUserID:   row.LogUserID,
			Operation:   row.Operation,
			LogLength:   row.LogLength,
			Status:      row.Status,
			DurationMs:  row.DurationMs,
			Application: row.Application,
			Request:     row.Request,
		})
	}
	return records
}

// FetchLog downloads one log body, consulting the opt-in cache first.
func (s *Service) FetchLog(ctx context.Context, logID string) (string, error) {
	if s.cache != nil {
		if body, ok := s.cache.Get(ctx, logID); ok {
			return body, nil
		}
	}
	body, err := s.client.GetLogBody(ctx, logID)
	if err != nil {
		return "", err
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, logID, body, 0); err != nil {
			s.logger.Warn().Err(err).Str("log_id", logID).Msg("Failed to cache log body")
		}
	}
	return body, nil
}

// DeleteLog removes one ApexLog record.
func (s *Service) DeleteLog(ctx context.Context, logID string) error {
	return s.client.DeleteSObject(ctx, "ApexLog", logID)
}

// Cleanup deletes every trace flag the session created. Per-flag
// failures are logged and swallowed; cleanup still runs when the
// caller's context was already cancelled.
func (s *Service) Cleanup(ctx context.Context, session *models.CaptureSession) error {
	s.mu.Lock()
	delete(s.sessions, session.ID)
	s.mu.Unlock()

	// Flags must be deleted even when the analysis was cancelled
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	for _, flagID := range session.TraceFlagIDs {
		if err := s.client.ToolingDelete(cleanupCtx, "TraceFlag", flagID); err != nil {
			s.logger.Warn().Err(err).Str("trace_flag_id", flagID).Msg("Failed to delete trace flag during cleanup")
			continue
		}
		s.logger.Debug().Str("trace_flag_id", flagID).Msg("Trace flag deleted")
	}
	session.TraceFlagIDs = nil

	s.logger.Info().Str("session_id", session.ID).Msg("Capture session cleaned up")
	return nil
}

// extendExpiringFlags is the janitor: it extends flags on registered
// sessions whose remaining time dropped under the buffer.
func (s *Service) extendExpiringFlags() {
	s.mu.Lock()
	sessions := make([]*models.CaptureSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	buffer := time.Duration(s.cfg.BufferMinutes) * time.Minute
	for _, session := range sessions {
		for _, flagID := range session.TraceFlagIDs {
			soql := fmt.Sprintf(
				"SELECT Id, TracedEntityId, DebugLevelId, StartDate, ExpirationDate FROM TraceFlag WHERE Id = %s",
				salesforce.QuoteString(flagID))
			var rows []traceFlagRow
			if err := s.client.ToolingQuery(ctx, soql, &rows); err != nil || len(rows) == 0 {
				continue
			}
			flag, err := s.flagFromRow(rows[0])
			if err != nil {
				continue
			}
			if flag.State(time.Now(), buffer) != models.TraceFlagExpiring {
				continue
			}
			if expiresAt, err := s.extendFlag(ctx, flag, flag.TracedEntityID, flag.DebugLevelID); err == nil {
				session.ExpiresAt = expiresAt
			}
		}
	}
}

func appendCondition(where, cond string) string {
	if where == "" {
		return " WHERE " + cond
	}
	return where + " AND " + cond
}

// Ensure interface compliance
var _ interfaces.CaptureService = (*Service)(nil)
