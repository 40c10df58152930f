package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/pkg/agent"
	"github.com/taskforge/taskforge/pkg/planner"
	"github.com/taskforge/taskforge/pkg/provider"
	"github.com/taskforge/taskforge/pkg/tool"
)

// parallelGroups forwards to the planner's DAG layering.
func parallelGroups(steps []models.PlanStep) ([][]models.PlanStep, error) {
	return planner.ParallelGroups(steps)
}

func toProviderToolDefs(defs []tool.Definition) []provider.ToolDefinition {
	out := make([]provider.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

// executePlan partitions plan into parallel groups and runs each
// group's steps concurrently, bounded by o.config.MaxConcurrentSteps,
// honoring plan.ErrorHandling.Default at each group boundary.
func (o *Orchestrator) executePlan(ctx context.Context, task *models.Task, plan *models.ExecutionPlan, cb Callbacks) ([]*models.StepResult, error) {
	groups, err := parallelGroups(plan.Steps)
	if err != nil {
		return nil, &taskError{Code: CodePlanningError, Message: err.Error()}
	}

	previousOutputs := make(map[string]any, len(plan.Steps))
	var allResults []*models.StepResult
	var groupErr error

	for _, group := range groups {
		results := o.runGroup(ctx, task, plan, group, previousOutputs, cb)
		for _, r := range results {
			allResults = append(allResults, r)
			if err := o.store.SaveStepResult(task.ID, r); err != nil {
				return allResults, fmt.Errorf("orchestrator: save step result: %w", err)
			}
			if r.Status == models.StepSuccess {
				previousOutputs[r.StepID] = r.Output
			}
		}

		progress := float64(len(allResults)) / float64(len(plan.Steps))
		if cb.OnProgress != nil {
			cb.OnProgress(fmt.Sprintf("completed %d/%d steps", len(allResults), len(plan.Steps)))
		}
		_ = o.store.UpdateTaskStatus(task.ID, models.PhaseExecuting, progress, "")

		failed := firstFailure(results)
		if failed == nil {
			continue
		}

		mode := plan.ErrorHandling.Default
		if override, ok := plan.ErrorHandling.StepOverrides[failed.StepID]; ok {
			mode = override
		}
		switch mode {
		case models.ErrorHandlingSkip:
			continue
		default: // abort, retry (retry is handled inside runStep; a result here is final)
			groupErr = &taskError{Code: CodeStepFailed, Message: fmt.Sprintf("step %s failed: %s", failed.StepID, errMessage(failed))}
		}
		if groupErr != nil {
			return allResults, groupErr
		}
	}

	return allResults, nil
}

func firstFailure(results []*models.StepResult) *models.StepResult {
	for _, r := range results {
		if r.Status == models.StepFailed {
			return r
		}
	}
	return nil
}

func errMessage(r *models.StepResult) string {
	if r.Error != nil {
		return r.Error.Message
	}
	return "unknown error"
}

// runGroup executes every step in group concurrently, bounded by the
// orchestrator's MaxConcurrentSteps, and returns their results in the
// group's original order.
func (o *Orchestrator) runGroup(ctx context.Context, task *models.Task, plan *models.ExecutionPlan, group []models.PlanStep, previousOutputs map[string]any, cb Callbacks) []*models.StepResult {
	results := make([]*models.StepResult, len(group))
	sem := make(chan struct{}, o.config.MaxConcurrentSteps)
	done := make(chan struct{}, len(group))

	for i, step := range group {
		i, step := i, step
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			results[i] = o.runStep(ctx, task, plan, step, previousOutputs, cb)
		}()
	}
	for range group {
		<-done
	}
	return results
}

// runStep resolves inputs, races the agent against the step's timeout,
// and retries on failure up to step.MaxRetries times.
func (o *Orchestrator) runStep(ctx context.Context, task *models.Task, plan *models.ExecutionPlan, step models.PlanStep, previousOutputs map[string]any, cb Callbacks) *models.StepResult {
	started := time.Now()

	resolved, err := o.resolveInputs(step, previousOutputs, task.Context)
	if err != nil {
		return failedResult(step.ID, started, &models.StepError{Code: "VALIDATION", Message: err.Error(), Retryable: false})
	}

	a, ok := o.agents.Get(step.AgentID)
	if !ok {
		return failedResult(step.ID, started, &models.StepError{Code: string(CodeAgentNotFound), Message: fmt.Sprintf("agent %q not registered", step.AgentID), Retryable: false})
	}

	timeout := time.Duration(step.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = o.config.DefaultStepTimeout
	}
	retryDelay := time.Duration(step.RetryDelayMS) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = o.config.RetryDelay
	}

	var lastResult *models.StepResult
	attempts := step.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			logf(cb, "warn", "orchestrator", "retrying step %s (attempt %d/%d)", step.ID, attempt+1, attempts)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return failedResult(step.ID, started, &models.StepError{Code: "CANCELLED", Message: ctx.Err().Error(), Retryable: false})
			}
		}

		lastResult = o.attemptStep(ctx, a, step, resolved, timeout, started, cb)
		if lastResult.Status == models.StepSuccess {
			return lastResult
		}
		if lastResult.Error != nil && !lastResult.Error.Retryable {
			return lastResult
		}
	}
	return lastResult
}

// attemptStep runs a single agent-loop attempt, racing it against
// timeout.
func (o *Orchestrator) attemptStep(ctx context.Context, a agent.Agent, step models.PlanStep, inputs map[string]any, timeout time.Duration, started time.Time, cb Callbacks) *models.StepResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	toolDefs := o.tools.Manifest(a.ToolNames)
	routed, err := o.router.Resolve(runCtx, provider.Request{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: step.Description}},
		Tools:    toProviderToolDefs(toolDefs),
	})
	if err != nil {
		completed := time.Now()
		return &models.StepResult{
			StepID: step.ID, Status: models.StepFailed,
			Error:       &models.StepError{Code: string(CodeUnknown), Message: err.Error(), Retryable: true},
			StartedAt:   started, CompletedAt: completed, Duration: completed.Sub(started),
		}
	}

	loop := agent.NewLoop(a, routed, o.tools)
	userMessage := buildStepPrompt(step, inputs)

	type outcome struct {
		res *agent.Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := loop.Run(runCtx, userMessage, cb.toAgentCallbacks())
		out <- outcome{res, err}
	}()

	select {
	case o := <-out:
		completed := time.Now()
		if o.err != nil {
			code := CodeUnknown
			if o.err == agent.ErrMaxIterations {
				code = CodeMaxIterations
			}
			return &models.StepResult{
				StepID: step.ID, Status: models.StepFailed,
				Error:       &models.StepError{Code: string(code), Message: o.err.Error(), Retryable: code.retryable()},
				StartedAt:   started, CompletedAt: completed, Duration: completed.Sub(started),
				Logs: logsOf(o.res), ToolCalls: toolCallsOf(o.res),
			}
		}
		return &models.StepResult{
			StepID: step.ID, Status: models.StepSuccess,
			Output:      parseStepOutput(o.res.Content),
			StartedAt:   started, CompletedAt: completed, Duration: completed.Sub(started),
			Logs: toModelLogs(o.res.Logs), ToolCalls: toModelToolCalls(o.res.ToolCalls),
		}
	case <-runCtx.Done():
		completed := time.Now()
		return &models.StepResult{
			StepID: step.ID, Status: models.StepFailed,
			Error:       &models.StepError{Code: string(CodeTimeout), Message: "step exceeded its timeout", Retryable: true},
			StartedAt:   started, CompletedAt: completed, Duration: completed.Sub(started),
		}
	}
}

func failedResult(stepID string, started time.Time, stepErr *models.StepError) *models.StepResult {
	completed := time.Now()
	return &models.StepResult{
		StepID: stepID, Status: models.StepFailed, Error: stepErr,
		StartedAt: started, CompletedAt: completed, Duration: completed.Sub(started),
	}
}

func logsOf(r *agent.Result) []models.LogEntry {
	if r == nil {
		return nil
	}
	return toModelLogs(r.Logs)
}

func toolCallsOf(r *agent.Result) []models.ToolCallRecord {
	if r == nil {
		return nil
	}
	return toModelToolCalls(r.ToolCalls)
}

func toModelLogs(logs []agent.LogEntry) []models.LogEntry {
	out := make([]models.LogEntry, 0, len(logs))
	for _, l := range logs {
		out = append(out, models.LogEntry{Level: l.Level, Message: l.Message, Timestamp: l.Timestamp})
	}
	return out
}

func toModelToolCalls(calls []agent.ToolCallEvent) []models.ToolCallRecord {
	out := make([]models.ToolCallRecord, 0, len(calls))
	for _, c := range calls {
		out = append(out, models.ToolCallRecord{
			ToolName: c.ToolName, Input: c.Input, Output: c.Output, Error: c.Error,
			Duration: c.Duration, Timestamp: c.Timestamp,
		})
	}
	return out
}

// parseStepOutput wraps an agent's terminal text as the step's output
// under a "summary" key, matching the shape buildSummary and downstream
// step-input resolution expect from prior steps.
func parseStepOutput(content string) any {
	return map[string]any{"summary": content}
}

// buildStepPrompt turns an action+resolved-inputs pair into the
// agent's user-turn prompt.
func buildStepPrompt(step models.PlanStep, inputs map[string]any) string {
	var b strings.Builder
	b.WriteString(step.Description)
	if b.Len() == 0 {
		b.WriteString(step.Name)
	}
	if step.Action.Type != "" {
		fmt.Fprintf(&b, "\n\naction: %s", step.Action.Type)
	}
	for k, v := range inputs {
		fmt.Fprintf(&b, "\n%s: %v", k, v)
	}
	return b.String()
}

// resolveInputs builds the step's argument map: start from
// action.params, then apply each declared input's source.
func (o *Orchestrator) resolveInputs(step models.PlanStep, previousOutputs map[string]any, taskContext map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(step.Action.Params)+len(step.Inputs))
	for k, v := range step.Action.Params {
		resolved[k] = v
	}

	for _, in := range step.Inputs {
		value, found, err := resolveInputSource(in.Source, previousOutputs, taskContext)
		if err != nil {
			return nil, err
		}
		if !found {
			if in.Default != nil {
				value, found = in.Default, true
			} else if in.Required {
				return nil, fmt.Errorf("orchestrator: required input %q missing for step %s", in.Name, step.ID)
			}
		}
		if found {
			resolved[in.Name] = value
		}
	}
	return resolved, nil
}

func resolveInputSource(src models.InputSource, previousOutputs map[string]any, taskContext map[string]any) (any, bool, error) {
	switch src.Kind {
	case models.InputLiteral:
		return src.Value, true, nil
	case models.InputContextName:
		v, ok := taskContext[src.ContextKey]
		return v, ok, nil
	case models.InputStepOutput:
		out, ok := previousOutputs[src.StepID]
		if !ok {
			return nil, false, nil
		}
		if src.Path == "" {
			return out, true, nil
		}
		v, ok := navigateDottedPath(out, src.Path)
		return v, ok, nil
	default:
		return nil, false, nil
	}
}

// navigateDottedPath walks v through a dotted path (e.g.
// "result.items.0.name"), indexing into maps by key and slices by
// integer segment.
func navigateDottedPath(v any, path string) (any, bool) {
	cur := v
	for _, segment := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// buildSummary concatenates, in step order, each successful step's
// "summary" output field, or the first 5 entries of a "findings" array
// when present.
func buildSummary(results []*models.StepResult) string {
	var lines []string
	for _, r := range results {
		if r.Status != models.StepSuccess {
			continue
		}
		out, ok := r.Output.(map[string]any)
		if !ok {
			continue
		}
		if findings, ok := out["findings"].([]any); ok {
			for i, f := range findings {
				if i >= 5 {
					break
				}
				lines = append(lines, fmt.Sprintf("%v", f))
			}
			continue
		}
		if summary, ok := out["summary"].(string); ok && summary != "" {
			lines = append(lines, summary)
		}
	}
	return strings.Join(lines, "\n")
}
