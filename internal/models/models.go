// Package models holds the durable domain records shared by the
// persistence layer, orchestrator, scheduler and workflow engine:
// plain structs with JSON tags, split across one file per subsystem.
package models

import "time"

// Priority is a Task's urgency level.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Phase is where a Task sits in its lifecycle.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// TaskStatus is the embedded lifecycle/progress snapshot of a Task.
type TaskStatus struct {
	Phase    Phase   `json:"phase"`
	Progress float64 `json:"progress"`
}

// Task is a unit of user intent.
type Task struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	Goal        string         `json:"goal"`
	Context     map[string]any `json:"context"`
	Constraints []string       `json:"constraints"`
	Priority    Priority       `json:"priority"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	Status      TaskStatus     `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// InputSourceKind selects where a PlanStep input value comes from.
type InputSourceKind string

const (
	InputLiteral     InputSourceKind = "literal"
	InputStepOutput  InputSourceKind = "step_output"
	InputContextName InputSourceKind = "context"
)

// InputSource describes how to resolve one declared step input.
type InputSource struct {
	Kind InputSourceKind `json:"kind"`
	// Value holds the literal value when Kind == InputLiteral.
	Value any `json:"value,omitempty"`
	// StepID + Path are used when Kind == InputStepOutput: StepID names
	// the upstream step and Path is an optional dotted path into its
	// output (e.g. "result.items.0.name").
	StepID string `json:"stepId,omitempty"`
	Path   string `json:"path,omitempty"`
	// ContextKey is used when Kind == InputContextName.
	ContextKey string `json:"contextKey,omitempty"`
}

// StepInput is one declared input slot of a PlanStep.
type StepInput struct {
	Name     string      `json:"name"`
	Source   InputSource `json:"source"`
	Required bool        `json:"required"`
	Default  any         `json:"default,omitempty"`
}

// AgentAction is the type+params pair an agent executes for a step.
type AgentAction struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// PlanStep is an atomic agent action within an ExecutionPlan.
type PlanStep struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Description      string      `json:"description"`
	AgentID          string      `json:"agentId"`
	Action           AgentAction `json:"action"`
	Inputs           []StepInput `json:"inputs"`
	DependsOn        []string    `json:"dependsOn"`
	TimeoutMS        int64       `json:"timeoutMs"`
	MaxRetries       int         `json:"maxRetries"`
	RetryDelayMS     int64       `json:"retryDelayMs"`
	RequiresApproval bool        `json:"requiresApproval"`
	ApprovalPrompt   string      `json:"approvalPrompt,omitempty"`
}

// ErrorHandlingMode controls how a plan reacts to a failed step at a
// parallel-group boundary.
type ErrorHandlingMode string

const (
	ErrorHandlingAbort ErrorHandlingMode = "abort"
	ErrorHandlingRetry ErrorHandlingMode = "retry"
	ErrorHandlingSkip  ErrorHandlingMode = "skip"
)

// ErrorHandling is a plan's default error-handling mode plus any
// per-step overrides.
type ErrorHandling struct {
	Default        ErrorHandlingMode            `json:"default"`
	StepOverrides  map[string]ErrorHandlingMode `json:"stepOverrides,omitempty"`
}

// Estimates are a plan's rough cost/duration/confidence projection.
type Estimates struct {
	DurationMS float64 `json:"durationMs"`
	Cost       float64 `json:"cost"`
	Confidence float64 `json:"confidence"`
}

// ExecutionPlan is the DAG of steps that satisfies one Task's goal.
type ExecutionPlan struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"taskId"`
	Version       int           `json:"version"`
	Steps         []PlanStep    `json:"steps"`
	ErrorHandling ErrorHandling `json:"errorHandling"`
	Estimates     Estimates     `json:"estimates"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// StepStatus is a StepResult's outcome.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

// StepError carries a failure code, message, and whether a retry could
// plausibly succeed.
type StepError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// LogEntry is one line an agent loop emitted during step execution.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallRecord is one tool invocation captured during a step.
type ToolCallRecord struct {
	ToolName  string        `json:"toolName"`
	Input     any           `json:"input"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// StepResult is the append-only outcome of executing one PlanStep.
type StepResult struct {
	TaskID      string           `json:"taskId"`
	StepID      string           `json:"stepId"`
	Status      StepStatus       `json:"status"`
	Output      any              `json:"output,omitempty"`
	Error       *StepError       `json:"error,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt time.Time        `json:"completedAt"`
	Duration    time.Duration    `json:"duration"`
	Cost        float64          `json:"cost"`
	Logs        []LogEntry       `json:"logs"`
	ToolCalls   []ToolCallRecord `json:"toolCalls"`
}
