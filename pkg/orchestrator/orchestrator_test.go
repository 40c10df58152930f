package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/db"
	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/migrations"
	"github.com/taskforge/taskforge/pkg/agent"
	"github.com/taskforge/taskforge/pkg/provider"
	"github.com/taskforge/taskforge/pkg/tool"
)

func newTestOrchestrator(t *testing.T, chat func(ctx context.Context, req provider.Request) (*provider.Response, error)) (*Orchestrator, *store.CoreStore) {
	t.Helper()
	conn, err := db.Open(t.TempDir()+"/core.db", migrations.Core())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	core := store.NewCoreStore(conn)

	providers := provider.NewRegistry()
	providers.Register("stub", provider.NewStubProvider(chat), true)
	router := provider.NewModelRouter(providers, "stub")

	agents := NewAgentRegistry()
	agents.Register(agent.Agent{ID: "default_research_agent", Name: "researcher"})

	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	return New(core, agents, tool.NewRegistry(), providers, router, cfg), core
}

func planFor(steps []models.PlanStep, mode models.ErrorHandlingMode) *models.ExecutionPlan {
	return &models.ExecutionPlan{
		ID:            "plan-1",
		TaskID:        "task-1",
		Version:       1,
		Steps:         steps,
		ErrorHandling: models.ErrorHandling{Default: mode},
		CreatedAt:     time.Now(),
	}
}

func testTask() *models.Task {
	now := time.Now()
	return &models.Task{
		ID: "task-1", UserID: "u", Goal: "goal",
		Context:   map[string]any{"region": "eu"},
		Status:    models.TaskStatus{Phase: models.PhaseExecuting},
		CreatedAt: now, UpdatedAt: now,
	}
}

// A deterministically failing agent with maxRetries=2 is attempted 3
// times; the persisted result is failed with the last error, and two
// retry warnings reach the log callback.
func TestStepRetriesUntilExhausted(t *testing.T) {
	attempts := 0
	o, core := newTestOrchestrator(t, func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		attempts++
		return nil, fmt.Errorf("provider exploded")
	})
	task := testTask()
	require.NoError(t, core.SaveTask(task))

	plan := planFor([]models.PlanStep{{
		ID: "s1", Name: "flaky", Description: "always fails",
		AgentID: "default_research_agent", MaxRetries: 2,
	}}, models.ErrorHandlingAbort)

	var retryWarnings int
	cb := Callbacks{OnLog: func(entry agent.LogEntry) {
		if strings.Contains(entry.Message, "retrying") {
			retryWarnings++
		}
	}}

	results, execErr := o.executePlan(context.Background(), task, plan, cb)
	require.Error(t, execErr)
	require.Len(t, results, 1)
	assert.Equal(t, models.StepFailed, results[0].Status)
	require.NotNil(t, results[0].Error)
	assert.Contains(t, results[0].Error.Message, "provider exploded")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, retryWarnings)

	persisted, err := core.GetStepResults(task.ID)
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestAbortModeStopsLaterGroups(t *testing.T) {
	o, core := newTestOrchestrator(t, func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		return nil, fmt.Errorf("boom")
	})
	task := testTask()
	require.NoError(t, core.SaveTask(task))

	plan := planFor([]models.PlanStep{
		{ID: "s1", AgentID: "default_research_agent", Description: "first"},
		{ID: "s2", AgentID: "default_research_agent", Description: "second", DependsOn: []string{"s1"}},
	}, models.ErrorHandlingAbort)

	results, execErr := o.executePlan(context.Background(), task, plan, Callbacks{})
	require.Error(t, execErr)
	assert.Len(t, results, 1)
}

func TestSkipModeContinuesPastFailure(t *testing.T) {
	o, core := newTestOrchestrator(t, func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "first") {
				return nil, fmt.Errorf("boom")
			}
		}
		return &provider.Response{Content: "second step done", StopReason: provider.StopEndTurn}, nil
	})
	task := testTask()
	require.NoError(t, core.SaveTask(task))

	plan := planFor([]models.PlanStep{
		{ID: "s1", AgentID: "default_research_agent", Description: "first"},
		{ID: "s2", AgentID: "default_research_agent", Description: "second", DependsOn: []string{"s1"}},
	}, models.ErrorHandlingSkip)

	results, execErr := o.executePlan(context.Background(), task, plan, Callbacks{})
	require.NoError(t, execErr)
	require.Len(t, results, 2)
	assert.Equal(t, models.StepFailed, results[0].Status)
	assert.Equal(t, models.StepSuccess, results[1].Status)
}

func TestUnknownAgentFailsWithoutRetry(t *testing.T) {
	attempts := 0
	o, core := newTestOrchestrator(t, func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		attempts++
		return &provider.Response{Content: "ok", StopReason: provider.StopEndTurn}, nil
	})
	task := testTask()
	require.NoError(t, core.SaveTask(task))

	plan := planFor([]models.PlanStep{{
		ID: "s1", AgentID: "ghost_agent", Description: "no such agent", MaxRetries: 3,
	}}, models.ErrorHandlingAbort)

	results, execErr := o.executePlan(context.Background(), task, plan, Callbacks{})
	require.Error(t, execErr)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, "AGENT_NOT_FOUND", results[0].Error.Code)
	assert.Zero(t, attempts)
}

func TestStepTimeoutProducesTimeoutError(t *testing.T) {
	o, core := newTestOrchestrator(t, func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	task := testTask()
	require.NoError(t, core.SaveTask(task))

	plan := planFor([]models.PlanStep{{
		ID: "s1", AgentID: "default_research_agent", Description: "slow", TimeoutMS: 10,
	}}, models.ErrorHandlingAbort)

	results, execErr := o.executePlan(context.Background(), task, plan, Callbacks{})
	require.Error(t, execErr)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, "TIMEOUT", results[0].Error.Code)
}

func TestEmptyPlanCompletesWithEmptySummary(t *testing.T) {
	o, core := newTestOrchestrator(t, nil)
	task := testTask()
	require.NoError(t, core.SaveTask(task))

	results, execErr := o.executePlan(context.Background(), task, planFor(nil, models.ErrorHandlingAbort), Callbacks{})
	require.NoError(t, execErr)
	assert.Empty(t, results)
	assert.Equal(t, "", buildSummary(results))
}

func TestBuildSummaryPrefersFindings(t *testing.T) {
	results := []*models.StepResult{
		{StepID: "s1", Status: models.StepSuccess, Output: map[string]any{
			"findings": []any{"a", "b", "c", "d", "e", "f", "g"},
		}},
		{StepID: "s2", Status: models.StepSuccess, Output: map[string]any{"summary": "done"}},
		{StepID: "s3", Status: models.StepFailed, Output: map[string]any{"summary": "ignored"}},
	}
	lines := strings.Split(buildSummary(results), "\n")
	assert.Len(t, lines, 6) // first five findings + s2's summary
	assert.Equal(t, "a", lines[0])
	assert.Equal(t, "done", lines[5])
}

func TestResolveInputsSources(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	step := models.PlanStep{
		ID: "s2",
		Action: models.AgentAction{Params: map[string]any{"base": 1}},
		Inputs: []models.StepInput{
			{Name: "lit", Source: models.InputSource{Kind: models.InputLiteral, Value: "x"}},
			{Name: "prev", Source: models.InputSource{Kind: models.InputStepOutput, StepID: "s1", Path: "result.items.0.name"}},
			{Name: "ctx", Source: models.InputSource{Kind: models.InputContextName, ContextKey: "region"}},
			{Name: "missing", Source: models.InputSource{Kind: models.InputContextName, ContextKey: "nope"}, Default: "fallback"},
		},
	}
	prev := map[string]any{
		"s1": map[string]any{"result": map[string]any{"items": []any{map[string]any{"name": "first"}}}},
	}
	resolved, err := o.resolveInputs(step, prev, map[string]any{"region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, 1, resolved["base"])
	assert.Equal(t, "x", resolved["lit"])
	assert.Equal(t, "first", resolved["prev"])
	assert.Equal(t, "eu", resolved["ctx"])
	assert.Equal(t, "fallback", resolved["missing"])
}

func TestResolveInputsRequiredMissingErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	step := models.PlanStep{
		ID: "s1",
		Inputs: []models.StepInput{
			{Name: "needed", Required: true, Source: models.InputSource{Kind: models.InputContextName, ContextKey: "absent"}},
		},
	}
	_, err := o.resolveInputs(step, nil, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needed")
}
