package models

import "time"

// ScheduleKind selects which trigger shape a ScheduledJob uses.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// Schedule is a tagged union over the three trigger shapes a
// ScheduledJob can declare.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`
	// Expr is the five-field cron expression when Kind == ScheduleCron.
	Expr string `json:"expr,omitempty"`
	// IntervalMS is the repeat period when Kind == ScheduleInterval.
	IntervalMS int64 `json:"intervalMs,omitempty"`
	// At is the fire time when Kind == ScheduleOnce.
	At time.Time `json:"at,omitempty"`
}

// JobKind selects which JobConfig variant a ScheduledJob carries.
type JobKind string

const (
	JobTask     JobKind = "task"
	JobWorkflow JobKind = "workflow"
	JobWebhook  JobKind = "webhook"
	JobCommand  JobKind = "command"
)

// JobConfig is a tagged union over the four dispatchable job shapes.
type JobConfig struct {
	Kind JobKind `json:"kind"`

	// TaskJob
	Message string `json:"message,omitempty"`

	// WorkflowJob
	WorkflowID string         `json:"workflowId,omitempty"`
	Input      map[string]any `json:"input,omitempty"`

	// WebhookJob
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// CommandJob
	Command string `json:"command,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
}

// ScheduledJob is a persistent trigger that creates JobExecutions when
// its Schedule fires.
type ScheduledJob struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Schedule     Schedule       `json:"schedule"`
	Config       JobConfig      `json:"config"`
	Enabled      bool           `json:"enabled"`
	Retries      int            `json:"retries"`
	RetryDelayMS int64          `json:"retryDelayMs"`
	TimeoutMS    int64          `json:"timeoutMs"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// JobExecutionStatus is the lifecycle of one JobExecution.
type JobExecutionStatus string

const (
	ExecPending   JobExecutionStatus = "pending"
	ExecRunning   JobExecutionStatus = "running"
	ExecCompleted JobExecutionStatus = "completed"
	ExecFailed    JobExecutionStatus = "failed"
	ExecCancelled JobExecutionStatus = "cancelled"
	ExecTimeout   JobExecutionStatus = "timeout"
)

// JobExecution is one run of a ScheduledJob.
type JobExecution struct {
	ID          string             `json:"id"`
	JobID       string             `json:"jobId"`
	Status      JobExecutionStatus `json:"status"`
	ScheduledAt time.Time          `json:"scheduledAt"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	Result      any                `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	RetryCount  int                `json:"retryCount"`
	Duration    *time.Duration     `json:"duration,omitempty"`
}
