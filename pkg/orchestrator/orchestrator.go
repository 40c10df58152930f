// Package orchestrator turns a user message into a task, a plan, and
// a sequence of step executions: a struct holding the store plus the
// agent/tool/provider registries, with one method per lifecycle phase.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/pkg/agent"
	"github.com/taskforge/taskforge/pkg/planner"
	"github.com/taskforge/taskforge/pkg/provider"
	"github.com/taskforge/taskforge/pkg/tool"
)

// Config holds the ORCH_* tunables.
type Config struct {
	MaxConcurrentSteps int
	DefaultStepTimeout  time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSteps: 3,
		DefaultStepTimeout:  60 * time.Second,
		MaxRetries:          2,
		RetryDelay:          1 * time.Second,
	}
}

// AgentRegistry maps agent ids to their persona configuration. It is
// populated during startup and read-only afterwards.
type AgentRegistry struct {
	agents map[string]agent.Agent
}

func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]agent.Agent)}
}

func (r *AgentRegistry) Register(a agent.Agent) {
	r.agents[a.ID] = a
}

func (r *AgentRegistry) Get(id string) (agent.Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// IDs returns every registered agent id, used by the planner to
// validate a synthesized plan's agentId references.
func (r *AgentRegistry) IDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// Callbacks lets a caller observe HandleMessage's pipeline: per-step
// agent activity plus task-level lifecycle events, shaped so the
// streaming transport can wire these straight into a task's fan-out
// channel.
type Callbacks struct {
	OnLog          func(entry agent.LogEntry)
	OnToolCall     func(event agent.ToolCallEvent)
	OnProgress     func(message string)
	OnTaskStarted  func(taskID string)
	OnTaskComplete func(taskID, summary string)
	OnTaskError    func(taskID, errMsg string)
}

func (c Callbacks) toAgentCallbacks() agent.Callbacks {
	return agent.Callbacks{OnLog: c.OnLog, OnToolCall: c.OnToolCall, OnProgress: c.OnProgress}
}

// ExecutionResult is handleMessage's return value.
type ExecutionResult struct {
	TaskID   string
	Status   string
	Summary  string
	Duration time.Duration
	Error    string
}

// Orchestrator drives the task lifecycle.
type Orchestrator struct {
	store    *store.CoreStore
	agents   *AgentRegistry
	tools    *tool.Registry
	router   *provider.ModelRouter
	registry *provider.Registry
	config   Config
}

func New(s *store.CoreStore, agents *AgentRegistry, tools *tool.Registry, registry *provider.Registry, router *provider.ModelRouter, cfg Config) *Orchestrator {
	return &Orchestrator{store: s, agents: agents, tools: tools, registry: registry, router: router, config: cfg}
}

const simpleQuerySystemPrompt = `You are a helpful assistant embedded in a task-orchestration system.
Respond conversationally and briefly, in the same language as the user's message.`

// HandleMessage runs the full pipeline: intent analysis, an early
// return for clarification/simple-query intents, and task
// creation/planning/execution otherwise.
func (o *Orchestrator) HandleMessage(ctx context.Context, message, userID string, cb Callbacks) (*ExecutionResult, error) {
	start := time.Now()
	logf(cb, "info", "orchestrator", "analyzing intent")

	defaultProvider, err := o.registry.Default()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: no default provider configured: %w", err)
	}

	intent := planner.AnalyzeIntent(ctx, defaultProvider, message)

	switch intent.Type {
	case planner.IntentClarificationNeeded:
		q := intent.ClarifyingQuestion
		if q == "" {
			q = "Could you clarify what you'd like me to do?"
		}
		return &ExecutionResult{Status: "clarification_needed", Summary: q, Duration: time.Since(start)}, nil

	case planner.IntentSimpleQuery:
		resp, err := defaultProvider.Chat(ctx, provider.Request{
			System:   simpleQuerySystemPrompt,
			Messages: []provider.Message{{Role: provider.RoleUser, Content: message}},
		})
		if err != nil {
			return &ExecutionResult{Status: "failed", Error: err.Error(), Duration: time.Since(start)}, nil
		}
		return &ExecutionResult{Status: "completed", Summary: resp.Content, Duration: time.Since(start)}, nil
	}

	return o.runTask(ctx, message, userID, intent, cb, start)
}

func (o *Orchestrator) runTask(ctx context.Context, message, userID string, intent planner.Intent, cb Callbacks, start time.Time) (*ExecutionResult, error) {
	task := &models.Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		Goal:      message,
		Context:   map[string]any{},
		Priority:  models.PriorityNormal,
		Status:    models.TaskStatus{Phase: models.PhasePlanning, Progress: 0},
		CreatedAt: start,
		UpdatedAt: start,
	}
	if err := o.store.SaveTask(task); err != nil {
		return nil, fmt.Errorf("orchestrator: save task: %w", err)
	}
	if cb.OnTaskStarted != nil {
		cb.OnTaskStarted(task.ID)
	}

	defaultProvider, err := o.registry.Default()
	if err != nil {
		return nil, err
	}
	plan := planner.Synthesize(ctx, defaultProvider, task.ID, task.Goal, o.agents.IDs())
	if err := o.store.SavePlan(plan); err != nil {
		return nil, fmt.Errorf("orchestrator: save plan: %w", err)
	}

	if err := o.store.UpdateTaskStatus(task.ID, models.PhaseExecuting, 0, ""); err != nil {
		return nil, fmt.Errorf("orchestrator: update task status: %w", err)
	}

	results, execErr := o.executePlan(ctx, task, plan, cb)
	if execErr == nil && ctx.Err() != nil {
		execErr = ctx.Err()
	}

	summary := buildSummary(results)
	duration := time.Since(start)

	if execErr != nil {
		_ = o.store.UpdateTaskStatus(task.ID, models.PhaseFailed, progressOf(results, plan), execErr.Error())
		_ = o.store.LogError(task.ID, execErr.Error(), "")
		if cb.OnTaskError != nil {
			cb.OnTaskError(task.ID, execErr.Error())
		}
		return &ExecutionResult{TaskID: task.ID, Status: "failed", Summary: summary, Duration: duration, Error: execErr.Error()}, nil
	}

	if err := o.store.UpdateTaskStatus(task.ID, models.PhaseCompleted, 1, ""); err != nil {
		return nil, fmt.Errorf("orchestrator: update task status: %w", err)
	}
	if cb.OnTaskComplete != nil {
		cb.OnTaskComplete(task.ID, summary)
	}
	return &ExecutionResult{TaskID: task.ID, Status: "completed", Summary: summary, Duration: duration}, nil
}

func progressOf(results []*models.StepResult, plan *models.ExecutionPlan) float64 {
	if len(plan.Steps) == 0 {
		return 1
	}
	return float64(len(results)) / float64(len(plan.Steps))
}

func logf(cb Callbacks, level, source, format string, args ...any) {
	if cb.OnLog == nil {
		return
	}
	cb.OnLog(agent.LogEntry{
		Level:     level,
		Message:   fmt.Sprintf("[%s] %s", source, fmt.Sprintf(format, args...)),
		Timestamp: time.Now(),
	})
}
