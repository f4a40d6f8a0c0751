package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/conexus/internal/connectors/salesforce"
	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

const (
	// idBatchSize is the platform ceiling on ids per IN clause batch.
	idBatchSize = 50

	// Windowed resolution for references without a job id: the record
	// must have been created within [enqueue - 5s, enqueue + 60s].
	windowBefore = 5 * time.Second
	windowAfter  = 60 * time.Second

	// workerListLimit caps how many batch worker records one parent
	// batch job can surface.
	workerListLimit = 50

	defaultPollInterval = 2 * time.Second
	defaultMaxWait      = 60 * time.Second
)

// jobFields is the AsyncApexJob projection every tracker query selects.
const jobFields = "Id, ApexClassId, ApexClass.Name, JobType, Status, " +
	"JobItemsProcessed, TotalJobItems, NumberOfErrors, CreatedDate, " +
	"CompletedDate, ExtendedStatus, ParentJobId, MethodName"

// asyncJobRow is the query row shape. Dates stay strings here and are
// parsed at this boundary so nothing downstream sees a platform date
// format.
type asyncJobRow struct {
	ID          string `json:"Id"`
	ApexClassID string `json:"ApexClassId"`
	ApexClass   struct {
		Name string `json:"Name"`
	} `json:"ApexClass"`
	JobType           string `json:"JobType"`
	Status            string `json:"Status"`
	JobItemsProcessed int    `json:"JobItemsProcessed"`
	TotalJobItems     int    `json:"TotalJobItems"`
	NumberOfErrors    int    `json:"NumberOfErrors"`
	CreatedDate       string `json:"CreatedDate"`
	CompletedDate     string `json:"CompletedDate"`
	ExtendedStatus    string `json:"ExtendedStatus"`
	ParentJobID       string `json:"ParentJobId"`
	MethodName        string `json:"MethodName"`
}

func (r *asyncJobRow) toJob(logger arbor.ILogger) *models.AsyncApexJob {
	created, err := salesforce.ParseTime(r.CreatedDate)
	if err != nil {
		logger.Warn().Str("job_id", r.ID).Str("created", r.CreatedDate).Msg("Unparseable CreatedDate on job record")
	}
	completed, err := salesforce.ParseTimePtr(r.CompletedDate)
	if err != nil {
		logger.Warn().Str("job_id", r.ID).Str("completed", r.CompletedDate).Msg("Unparseable CompletedDate on job record")
	}
	return &models.AsyncApexJob{
		ID:                r.ID,
		ApexClassID:       r.ApexClassID,
		ClassName:         r.ApexClass.Name,
		JobType:           models.ApexJobType(r.JobType),
		Status:            models.JobStatus(r.Status),
		JobItemsProcessed: r.JobItemsProcessed,
		TotalJobItems:     r.TotalJobItems,
		NumberOfErrors:    r.NumberOfErrors,
		CreatedDate:       created,
		CompletedDate:     completed,
		ExtendedStatus:    r.ExtendedStatus,
		ParentJobID:       r.ParentJobID,
		MethodName:        r.MethodName,
	}
}

// Service resolves extracted job references to AsyncApexJob records.
// Queries fan out on a bounded group; a Resolve call never returns
// before every query it issued has finished.
type Service struct {
	client      interfaces.SalesforceClient
	maxParallel int
	logger      arbor.ILogger
}

// NewService creates a tracker. maxParallel bounds in-flight platform
// queries per Resolve call; values below 1 fall back to 5.
func NewService(client interfaces.SalesforceClient, maxParallel int, logger arbor.ILogger) *Service {
	if maxParallel < 1 {
		maxParallel = 5
	}
	return &Service{client: client, maxParallel: maxParallel, logger: logger}
}

// Resolve maps each reference id to its platform record, or nil when no
// record could be found. References with a job id resolve by batched id
// lookup; the rest get a per-reference windowed query.
func (s *Service) Resolve(ctx context.Context, parent *models.ParsedLog, refs []models.AsyncJobRef) (map[int]*models.AsyncApexJob, error) {
	resolved := make(map[int]*models.AsyncApexJob, len(refs))
	if len(refs) == 0 {
		return resolved, nil
	}

	var withID, windowed []models.AsyncJobRef
	for _, ref := range refs {
		resolved[ref.ID] = nil
		if ref.JobID != "" && salesforce.ValidateID(ref.JobID) {
			withID = append(withID, ref)
		} else {
			windowed = append(windowed, ref)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)

	for start := 0; start < len(withID); start += idBatchSize {
		batch := withID[start:min(start+idBatchSize, len(withID))]
		g.Go(func() error {
			byPrefix, err := s.queryByIDs(gctx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, ref := range batch {
				if job, ok := byPrefix[idPrefix(ref.JobID)]; ok {
					resolved[ref.ID] = job
				}
			}
			return nil
		})
	}

	for _, ref := range windowed {
		if !ref.HasKnownClass() {
			continue // nothing to query on
		}
		g.Go(func() error {
			job, err := s.queryByWindow(gctx, parent, ref)
			if err != nil {
				return err
			}
			mu.Lock()
			resolved[ref.ID] = job
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	found := 0
	for _, job := range resolved {
		if job != nil {
			found++
		}
	}
	s.logger.Debug().
		Str("log_id", parent.Record.ID).
		Int("references", len(refs)).
		Int("resolved", found).
		Msg("Job references resolved")
	return resolved, nil
}

// queryByIDs fetches one id batch and indexes the rows by 15-character
// id prefix, so 15- and 18-character forms of the same id match.
func (s *Service) queryByIDs(ctx context.Context, batch []models.AsyncJobRef) (map[string]*models.AsyncApexJob, error) {
	ids := make([]string, 0, len(batch))
	seen := make(map[string]bool, len(batch))
	for _, ref := range batch {
		if !seen[ref.JobID] {
			seen[ref.JobID] = true
			ids = append(ids, ref.JobID)
		}
	}

	soql := fmt.Sprintf("SELECT %s FROM AsyncApexJob WHERE %s", jobFields, salesforce.InClause("Id", ids))
	var rows []asyncJobRow
	if err := s.client.Query(ctx, soql, &rows); err != nil {
		return nil, err
	}

	byPrefix := make(map[string]*models.AsyncApexJob, len(rows))
	for i := range rows {
		byPrefix[idPrefix(rows[i].ID)] = rows[i].toJob(s.logger)
	}
	return byPrefix, nil
}

// queryByWindow resolves one id-less reference: same class, the job
// type its kind maps to, created inside the enqueue window. Earliest
// match wins.
func (s *Service) queryByWindow(ctx context.Context, parent *models.ParsedLog, ref models.AsyncJobRef) (*models.AsyncApexJob, error) {
	jobType := string(models.JobTypeForKind(ref.Kind))
	if !salesforce.ValidateEnum(jobType, jobTypeNames()) {
		return nil, models.NewError(models.ErrQueryFailed,
			fmt.Sprintf("job type %q is not queryable", jobType),
			"this is a bug in the kind-to-type mapping")
	}

	enqueueWall := models.ToWall(ref.EnqueueTime, parent.Record.StartTime)
	soql := fmt.Sprintf(
		"SELECT %s FROM AsyncApexJob WHERE ApexClass.Name = %s AND JobType = %s AND CreatedDate >= %s AND CreatedDate <= %s ORDER BY CreatedDate ASC LIMIT 1",
		jobFields,
		salesforce.QuoteString(ref.ClassName),
		salesforce.QuoteString(jobType),
		salesforce.FormatDateTime(enqueueWall.Add(-windowBefore)),
		salesforce.FormatDateTime(enqueueWall.Add(windowAfter)),
	)

	var rows []asyncJobRow
	if err := s.client.Query(ctx, soql, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toJob(s.logger), nil
}

// WaitForCompletion polls a job until its status is terminal or the
// deadline passes, returning the last observed record either way.
// Context cancellation aborts the wait with a CANCELLED error.
func (s *Service) WaitForCompletion(ctx context.Context, jobID string, maxWait, pollInterval time.Duration) (*models.AsyncApexJob, error) {
	if !salesforce.ValidateID(jobID) {
		return nil, models.NewError(models.ErrQueryFailed,
			fmt.Sprintf("malformed job id %q", jobID),
			"pass the 15 or 18 character AsyncApexJob id")
	}
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	deadline := time.Now().Add(maxWait)
	var last *models.AsyncApexJob

	for {
		job, err := s.getByID(ctx, jobID)
		if err != nil {
			return last, err
		}
		if job != nil {
			last = job
			if job.Status.IsTerminal() {
				return job, nil
			}
		}
		if time.Now().Add(pollInterval).After(deadline) {
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, models.WrapError(models.ErrCancelled, "wait for job completion cancelled", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// FindBatchWorkers lists worker jobs spawned by a parent batch job:
// same class, worker job type, created at or after the parent record.
func (s *Service) FindBatchWorkers(ctx context.Context, parent *models.AsyncApexJob) ([]models.AsyncApexJob, error) {
	if parent == nil || parent.ClassName == "" {
		return nil, nil
	}

	soql := fmt.Sprintf(
		"SELECT %s FROM AsyncApexJob WHERE ApexClass.Name = %s AND JobType = %s AND CreatedDate >= %s ORDER BY CreatedDate ASC LIMIT %d",
		jobFields,
		salesforce.QuoteString(parent.ClassName),
		salesforce.QuoteString(string(models.ApexJobTypeBatchWorker)),
		salesforce.FormatDateTime(parent.CreatedDate),
		workerListLimit,
	)

	var rows []asyncJobRow
	if err := s.client.Query(ctx, soql, &rows); err != nil {
		return nil, err
	}

	workers := make([]models.AsyncApexJob, 0, len(rows))
	for i := range rows {
		workers = append(workers, *rows[i].toJob(s.logger))
	}
	s.logger.Debug().
		Str("parent_job_id", parent.ID).
		Str("class", parent.ClassName).
		Int("workers", len(workers)).
		Msg("Batch worker records listed")
	return workers, nil
}

func (s *Service) getByID(ctx context.Context, jobID string) (*models.AsyncApexJob, error) {
	soql := fmt.Sprintf("SELECT %s FROM AsyncApexJob WHERE Id = %s LIMIT 1",
		jobFields, salesforce.QuoteString(jobID))
	var rows []asyncJobRow
	if err := s.client.Query(ctx, soql, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toJob(s.logger), nil
}

// idPrefix returns the 15-character prefix shared by both id forms.
func idPrefix(id string) string {
	if len(id) > 15 {
		return id[:15]
	}
	return id
}

func jobTypeNames() []string {
	names := make([]string, len(models.ValidJobTypes))
	for i, t := range models.ValidJobTypes {
		names[i] = string(t)
	}
	return names
}

// Ensure interface compliance
var _ interfaces.TrackerService = (*Service)(nil)
