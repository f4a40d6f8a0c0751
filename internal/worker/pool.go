package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// maxRetainedResults bounds the in-memory task ledger; the oldest
// finished entries are dropped past this.
const maxRetainedResults = 256

// TaskStatus tracks one analysis task through the pool.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one queued analysis request.
type Task struct {
	ID          string                `json:"id"`
	ParentLogID string                `json:"parent_log_id"`
	Options     models.AnalyzeOptions `json:"options"`
	SubmittedAt time.Time             `json:"submitted_at"`
}

// TaskResult is the pool's record of a task, updated as it advances.
type TaskResult struct {
	Task    Task                   `json:"task"`
	Status  TaskStatus             `json:"status"`
	Result  *models.AnalysisResult `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
	EndedAt time.Time              `json:"ended_at,omitempty"`
}

// Pool runs log analyses on a fixed set of workers. Independent
// analyses of different parent logs run concurrently; ordering between
// them is not guaranteed.
type Pool struct {
	analysis   interfaces.AnalysisService
	logger     arbor.ILogger
	numWorkers int

	tasks chan Task

	mu      sync.Mutex
	results map[string]*TaskResult
	order   []string // Task ids in submission order, for pruning

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a pool of numWorkers workers over a queue of
// queueDepth pending tasks.
func NewPool(analysis interfaces.AnalysisService, logger arbor.ILogger, numWorkers, queueDepth int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 2
	}
	if queueDepth <= 0 {
		queueDepth = 16
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		analysis:   analysis,
		logger:     logger,
		numWorkers: numWorkers,
		tasks:      make(chan Task, queueDepth),
		results:    make(map[string]*TaskResult),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start starts the worker pool.
func (p *Pool) Start() {
	p.logger.Info().
		Int("num_workers", p.numWorkers).
		Msg("Starting analysis worker pool")

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops the pool, cancelling in-flight analyses and waiting for
// the workers to exit.
func (p *Pool) Stop() {
	p.logger.Info().Msg("Stopping analysis worker pool...")
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Analysis worker pool stopped")
}

// Submit enqueues an analysis of parentLogID and returns its task id.
// A full queue is reported immediately rather than blocking the caller.
func (p *Pool) Submit(parentLogID string, opts models.AnalyzeOptions) (string, error) {
	task := Task{
		ID:          common.NewTaskID(),
		ParentLogID: parentLogID,
		Options:     opts,
		SubmittedAt: time.Now(),
	}

	p.mu.Lock()
	p.track(&TaskResult{Task: task, Status: TaskPending})
	p.mu.Unlock()

	select {
	case p.tasks <- task:
	default:
		p.mu.Lock()
		delete(p.results, task.ID)
		if n := len(p.order); n > 0 && p.order[n-1] == task.ID {
			p.order = p.order[:n-1]
		}
		p.mu.Unlock()
		return "", fmt.Errorf("analysis queue is full (%d pending)", cap(p.tasks))
	}

	p.logger.Debug().
		Str("task_id", task.ID).
		Str("parent_log_id", parentLogID).
		Msg("Analysis task queued")
	return task.ID, nil
}

// Status returns a snapshot of the task's record.
func (p *Pool) Status(taskID string) (TaskResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result, ok := p.results[taskID]
	if !ok {
		return TaskResult{}, false
	}
	return *result, true
}

// track records a task result under the retention cap. Caller holds mu.
func (p *Pool) track(result *TaskResult) {
	p.results[result.Task.ID] = result
	p.order = append(p.order, result.Task.ID)
	for len(p.order) > maxRetainedResults {
		oldest := p.order[0]
		if r, ok := p.results[oldest]; ok && (r.Status == TaskPending || r.Status == TaskRunning) {
			break // Never drop live tasks
		}
		delete(p.results, oldest)
		p.order = p.order[1:]
	}
}

// worker is the main worker loop.
func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	p.logger.Debug().
		Int("worker_id", workerID).
		Msg("Worker started")

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopping")
			return
		case task := <-p.tasks:
			p.run(workerID, task)
		}
	}
}

// run executes one analysis and records its outcome.
func (p *Pool) run(workerID int, task Task) {
	p.setStatus(task.ID, TaskRunning, nil, nil)

	p.logger.Info().
		Int("worker_id", workerID).
		Str("task_id", task.ID).
		Str("parent_log_id", task.ParentLogID).
		Msg("Processing analysis")

	result, err := p.analysis.AnalyzeLog(p.ctx, task.ParentLogID, task.Options)
	switch {
	case err == nil:
		p.logger.Info().
			Str("task_id", task.ID).
			Str("parent_log_id", task.ParentLogID).
			Msg("Analysis completed")
		p.setStatus(task.ID, TaskCompleted, result, nil)
	case models.IsCode(err, models.ErrCancelled):
		p.logger.Warn().
			Str("task_id", task.ID).
			Msg("Analysis cancelled")
		p.setStatus(task.ID, TaskCancelled, nil, err)
	default:
		p.logger.Error().
			Err(err).
			Str("task_id", task.ID).
			Str("parent_log_id", task.ParentLogID).
			Msg("Analysis failed")
		p.setStatus(task.ID, TaskFailed, nil, err)
	}
}

func (p *Pool) setStatus(taskID string, status TaskStatus, result *models.AnalysisResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.results[taskID]
	if !ok {
		return
	}
	record.Status = status
	record.Result = result
	if err != nil {
		record.Error = err.Error()
	}
	if status != TaskPending && status != TaskRunning {
		record.EndedAt = time.Now()
	}
}
