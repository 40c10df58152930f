// Package scheduler runs persistent jobs on cron, interval, and
// one-shot triggers: a durable table of jobs plus executions, driven
// by a periodic tick loop that dispatches the four job kinds (task,
// workflow, webhook, command) against the sqlite-backed
// SchedulerStore.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/internal/store"
)

// Config holds the SCHEDULER_* tunables.
type Config struct {
	TickInterval      time.Duration
	MaxConcurrent     int
	DefaultRetries    int
	DefaultRetryDelay time.Duration
	DefaultTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:      60 * time.Second,
		MaxConcurrent:     10,
		DefaultRetries:    3,
		DefaultRetryDelay: 5 * time.Second,
		DefaultTimeout:    5 * time.Minute,
	}
}

// TaskRunnerFunc dispatches a "task" job into the orchestrator.
type TaskRunnerFunc func(ctx context.Context, message string) (string, error)

// WorkflowRunnerFunc dispatches a "workflow" job into the workflow
// engine.
type WorkflowRunnerFunc func(ctx context.Context, workflowID string, input map[string]any) (any, error)

// Callbacks lets a caller observe job lifecycle events.
type Callbacks struct {
	OnStart    func(job *models.ScheduledJob, exec *models.JobExecution)
	OnComplete func(job *models.ScheduledJob, exec *models.JobExecution)
	OnFail     func(job *models.ScheduledJob, exec *models.JobExecution)
}

// Engine ticks over enabled jobs and dispatches due ones, subject to a
// global concurrency gate.
type Engine struct {
	store          *store.SchedulerStore
	cfg            Config
	runTask        TaskRunnerFunc
	runWorkflow    WorkflowRunnerFunc
	httpClient     *http.Client
	cb             Callbacks

	// mu guards running, the in-memory map of currently executing
	// execution ids; it is touched only by the tick loop, RunNow, and
	// completion paths.
	mu      sync.Mutex
	running map[string]struct{}
}

// New builds an Engine. runTask/runWorkflow may be nil if the
// deployment never configures task/workflow jobs; a job that needs a nil
// runner fails at dispatch with a "no task/workflow runner configured"
// error.
func New(s *store.SchedulerStore, cfg Config, runTask TaskRunnerFunc, runWorkflow WorkflowRunnerFunc, cb Callbacks) *Engine {
	return &Engine{
		store:       s,
		cfg:         cfg,
		runTask:     runTask,
		runWorkflow: runWorkflow,
		httpClient:  &http.Client{},
		cb:          cb,
		running:     make(map[string]struct{}),
	}
}

// Run ticks every cfg.TickInterval until ctx is cancelled. It is meant
// to be started in its own goroutine by the caller.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// RunningCount reports how many executions are currently in flight,
// for /api/stats.
func (e *Engine) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// tick evaluates every enabled job's schedule against now and launches
// executions for the due ones, skipping any that would exceed
// MaxConcurrent; a skipped job remains eligible on the next tick.
func (e *Engine) tick(ctx context.Context) {
	now := time.Now().UTC()
	enabled := true
	jobs, err := e.store.ListJobs(store.JobFilter{Enabled: &enabled})
	if err != nil {
		log.Printf("scheduler: list jobs: %v", err)
		return
	}
	for _, job := range jobs {
		due, err := e.shouldRun(job, now)
		if err != nil {
			log.Printf("scheduler: shouldRun %s: %v", job.ID, err)
			continue
		}
		if !due {
			continue
		}
		id := uuid.New().String()
		if !e.tryAcquire(id) {
			continue // at capacity; job remains eligible next tick
		}
		job := job
		go e.startExecution(ctx, job, id, now, 0)
	}
}

// RunNow launches job outside of its schedule (the ad-hoc
// POST /api/scheduler/jobs/:id/run endpoint), subject to the same
// concurrency gate as scheduled executions.
func (e *Engine) RunNow(ctx context.Context, job *models.ScheduledJob) (*models.JobExecution, error) {
	id := uuid.New().String()
	if !e.tryAcquire(id) {
		return nil, fmt.Errorf("scheduler: at max concurrency (%d)", e.cfg.MaxConcurrent)
	}
	exec := e.startExecution(ctx, job, id, time.Now().UTC(), 0)
	return exec, nil
}

// shouldRun evaluates a job's schedule against now.
func (e *Engine) shouldRun(job *models.ScheduledJob, now time.Time) (bool, error) {
	switch job.Schedule.Kind {
	case models.ScheduleCron:
		parsed, err := ParseCron(job.Schedule.Expr)
		if err != nil {
			return false, err
		}
		return Matches(parsed, now), nil

	case models.ScheduleInterval:
		last, err := e.lastExecutionAt(job.ID)
		if err != nil {
			return false, err
		}
		if last == nil {
			return true, nil
		}
		interval := time.Duration(job.Schedule.IntervalMS) * time.Millisecond
		return now.Sub(*last) >= interval, nil

	case models.ScheduleOnce:
		// Invariant: a Once job whose `at` had already passed when it
		// was created never runs.
		if job.Schedule.At.Before(job.CreatedAt) {
			return false, nil
		}
		last, err := e.lastExecutionAt(job.ID)
		if err != nil {
			return false, err
		}
		return last == nil && !now.Before(job.Schedule.At), nil

	default:
		return false, fmt.Errorf("scheduler: unknown schedule kind %q", job.Schedule.Kind)
	}
}

func (e *Engine) lastExecutionAt(jobID string) (*time.Time, error) {
	execs, err := e.store.ListExecutions(store.ExecutionFilter{JobID: jobID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, nil
	}
	return &execs[0].ScheduledAt, nil
}

// tryAcquire reserves a concurrency slot under id, failing if the
// scheduler is already at MaxConcurrent in-flight executions.
func (e *Engine) tryAcquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.running) >= e.cfg.MaxConcurrent {
		return false
	}
	e.running[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

// startExecution runs one execution to completion: insert the row,
// mark it running, dispatch, race the timeout, record the outcome, and
// schedule a retry if warranted. The caller must already have reserved
// id's concurrency slot via tryAcquire.
func (e *Engine) startExecution(ctx context.Context, job *models.ScheduledJob, id string, scheduledAt time.Time, retryCount int) *models.JobExecution {
	defer e.release(id)

	execRow := &models.JobExecution{
		ID: id, JobID: job.ID, Status: models.ExecPending,
		ScheduledAt: scheduledAt, RetryCount: retryCount,
	}
	if err := e.store.InsertExecution(execRow); err != nil {
		log.Printf("scheduler: insert execution for job %s: %v", job.ID, err)
		return execRow
	}

	started := time.Now().UTC()
	execRow.Status = models.ExecRunning
	execRow.StartedAt = &started
	if err := e.store.UpdateExecution(execRow); err != nil {
		log.Printf("scheduler: update execution %s to running: %v", id, err)
	}
	if e.cb.OnStart != nil {
		e.cb.OnStart(job, execRow)
	}

	timeout := time.Duration(job.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, dispatchErr := e.dispatch(runCtx, job)
	completed := time.Now().UTC()
	duration := completed.Sub(started)
	execRow.CompletedAt = &completed
	execRow.Duration = &duration

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		execRow.Status = models.ExecTimeout
		execRow.Error = "job exceeded its timeout"
	case dispatchErr != nil:
		execRow.Status = models.ExecFailed
		execRow.Error = dispatchErr.Error()
	default:
		execRow.Status = models.ExecCompleted
		execRow.Result = result
	}

	if err := e.store.UpdateExecution(execRow); err != nil {
		log.Printf("scheduler: update execution %s result: %v", id, err)
	}

	if execRow.Status == models.ExecCompleted {
		if e.cb.OnComplete != nil {
			e.cb.OnComplete(job, execRow)
		}
		return execRow
	}

	if e.cb.OnFail != nil {
		e.cb.OnFail(job, execRow)
	}

	retries := job.Retries
	if retries == 0 {
		retries = e.cfg.DefaultRetries
	}
	if retryCount < retries {
		retryDelay := time.Duration(job.RetryDelayMS) * time.Millisecond
		if retryDelay <= 0 {
			retryDelay = e.cfg.DefaultRetryDelay
		}
		// Retries run in a separate execution row; this row stays
		// failed/timeout regardless of what the retry produces.
		time.AfterFunc(retryDelay, func() {
			retryID := uuid.New().String()
			if !e.tryAcquire(retryID) {
				return
			}
			e.startExecution(ctx, job, retryID, scheduledAt, retryCount+1)
		})
	}
	return execRow
}

// dispatch routes a job to its kind's runner.
func (e *Engine) dispatch(ctx context.Context, job *models.ScheduledJob) (any, error) {
	switch job.Config.Kind {
	case models.JobTask:
		if e.runTask == nil {
			return nil, fmt.Errorf("scheduler: no task runner configured")
		}
		summary, err := e.runTask(ctx, job.Config.Message)
		return summary, err

	case models.JobWorkflow:
		if e.runWorkflow == nil {
			return nil, fmt.Errorf("scheduler: no workflow runner configured")
		}
		return e.runWorkflow(ctx, job.Config.WorkflowID, job.Config.Input)

	case models.JobWebhook:
		return e.dispatchWebhook(ctx, job.Config)

	case models.JobCommand:
		return e.dispatchCommand(ctx, job.Config)

	default:
		return nil, fmt.Errorf("scheduler: unknown job kind %q", job.Config.Kind)
	}
}

func (e *Engine) dispatchWebhook(ctx context.Context, cfg models.JobConfig) (any, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewBufferString(cfg.Body))
	if err != nil {
		return nil, fmt.Errorf("scheduler: build webhook request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scheduler: webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scheduler: webhook returned status %d", resp.StatusCode)
	}
	return map[string]any{"status": resp.StatusCode}, nil
}

func (e *Engine) dispatchCommand(ctx context.Context, cfg models.JobConfig) (any, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("scheduler: command failed: %w", err)
	}
	return string(out), nil
}
