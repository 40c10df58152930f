package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/internal/store"
)

// AgentFunc invokes a registered agent for a "task" node, mirroring the
// orchestrator package's own agent dispatch but kept decoupled: the
// workflow engine never imports pkg/orchestrator, it only needs
// something that turns (agentID, task) into a result.
type AgentFunc func(ctx context.Context, agentID, task string, vars map[string]any) (map[string]any, error)

// ErrWaitingOnHumanInput is returned by Start/Resume when traversal has
// paused at a human_input node; the caller persists the execution (the
// engine already did) and later calls Resume with the collected fields.
var ErrWaitingOnHumanInput = fmt.Errorf("workflow: execution is waiting on human input")

// pollInterval bounds how often an "until" wait node re-checks its
// condition.
const pollInterval = 200 * time.Millisecond

// Engine drives a WorkflowDefinition's node graph to completion per
// node type, persisting after every node transition. Only an execution
// paused at a human_input node can be continued (via Resume); nothing
// restarts an execution that was interrupted while running.
type Engine struct {
	store  *store.WorkflowStore
	agent  AgentFunc
	client *http.Client

	mu     sync.Mutex
	events map[string]chan map[string]any // execID+":"+event -> waiter channel
}

func New(st *store.WorkflowStore, agent AgentFunc) *Engine {
	return &Engine{
		store:  st,
		agent:  agent,
		client: &http.Client{Timeout: 30 * time.Second},
		events: make(map[string]chan map[string]any),
	}
}

// SignalEvent wakes a wait node blocked on the named event for execID,
// delivering payload into the execution's variables under event's name.
func (e *Engine) SignalEvent(execID, event string, payload map[string]any) bool {
	e.mu.Lock()
	ch, ok := e.events[execID+":"+event]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- payload:
		return true
	default:
		return false
	}
}

func (e *Engine) waitChan(execID, event string) chan map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := execID + ":" + event
	ch, ok := e.events[key]
	if !ok {
		ch = make(chan map[string]any, 1)
		e.events[key] = ch
	}
	return ch
}

func (e *Engine) clearWaitChan(execID, event string) {
	e.mu.Lock()
	delete(e.events, execID+":"+event)
	e.mu.Unlock()
}

// Start creates a new execution for def against input and runs it until
// it completes, fails, or pauses at a human_input node.
func (e *Engine) Start(ctx context.Context, def *models.WorkflowDefinition, input map[string]any) (*models.WorkflowExecution, error) {
	start, err := findStart(def)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	vars := map[string]any{}
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range input {
		vars[k] = v
	}
	exec := &models.WorkflowExecution{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		Status:         models.WFRunning,
		Input:          input,
		Variables:      vars,
		NodeExecutions: map[string]models.NodeExecution{},
		CurrentNodes:   []string{start},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.SaveExecution(exec); err != nil {
		return nil, err
	}
	return e.run(ctx, def, exec, start)
}

// Resume continues an execution paused at a human_input node, merging
// fields into its variables before advancing past that node.
func (e *Engine) Resume(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, nodeID string, fields map[string]any) (*models.WorkflowExecution, error) {
	if exec.Status != models.WFWaiting {
		return nil, fmt.Errorf("workflow: execution %s is not waiting", exec.ID)
	}
	for k, v := range fields {
		exec.Variables[k] = v
	}
	next, terminal, err := e.nextAfter(def, exec, nodeID)
	if err != nil {
		return e.fail(exec, err)
	}
	exec.Status = models.WFRunning
	if terminal {
		return e.complete(exec)
	}
	return e.run(ctx, def, exec, next)
}

func (e *Engine) run(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, start string) (*models.WorkflowExecution, error) {
	nodes := nodeByID(def)
	current := start
	for {
		node, ok := nodes[current]
		if !ok {
			return e.fail(exec, fmt.Errorf("workflow: unknown node %q", current))
		}
		exec.CurrentNodes = []string{current}

		if node.Type == models.NodeEnd {
			e.recordNode(exec, current, "completed", nil, nil)
			return e.complete(exec)
		}

		output, err := e.execNode(ctx, nodes, node, exec)
		if err != nil {
			if err == ErrWaitingOnHumanInput {
				exec.Status = models.WFWaiting
				if serr := e.store.SaveExecution(exec); serr != nil {
					return exec, serr
				}
				return exec, ErrWaitingOnHumanInput
			}
			e.recordNode(exec, current, "failed", nil, err)
			return e.fail(exec, fmt.Errorf("node %s: %w", current, err))
		}
		e.recordNode(exec, current, "completed", output, nil)
		if err := e.store.SaveExecution(exec); err != nil {
			return exec, err
		}

		next, terminal, err := e.nextAfter(def, exec, current)
		if err != nil {
			return e.fail(exec, err)
		}
		if terminal {
			return e.complete(exec)
		}
		current = next
	}
}

func (e *Engine) recordNode(exec *models.WorkflowExecution, nodeID, status string, output any, nodeErr error) {
	now := time.Now().UTC()
	ne := models.NodeExecution{
		NodeID:      nodeID,
		Status:      status,
		Output:      output,
		StartedAt:   now,
		CompletedAt: &now,
	}
	if nodeErr != nil {
		ne.Error = nodeErr.Error()
	}
	exec.NodeExecutions[nodeID] = ne
	exec.UpdatedAt = now
}

func (e *Engine) complete(exec *models.WorkflowExecution) (*models.WorkflowExecution, error) {
	now := time.Now().UTC()
	exec.Status = models.WFCompleted
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	exec.Output = exec.Variables
	if err := e.store.SaveExecution(exec); err != nil {
		return exec, err
	}
	return exec, nil
}

func (e *Engine) fail(exec *models.WorkflowExecution, err error) (*models.WorkflowExecution, error) {
	now := time.Now().UTC()
	exec.Status = models.WFFailed
	exec.Error = err.Error()
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	if serr := e.store.SaveExecution(exec); serr != nil {
		return exec, serr
	}
	return exec, err
}

// nextAfter resolves the node to run after nodeID: a decision node picks
// its target from DecisionConfig directly; every other node type walks
// its outgoing edges, taking the first whose Condition evaluates true,
// falling back to the one unconditioned edge if present.
func (e *Engine) nextAfter(def *models.WorkflowDefinition, exec *models.WorkflowExecution, nodeID string) (next string, terminal bool, err error) {
	nodes := nodeByID(def)
	node := nodes[nodeID]
	if node.Type == models.NodeDecision {
		cfg, derr := decodeConfig[DecisionConfig](node.Config)
		if derr != nil {
			return "", false, derr
		}
		for _, c := range cfg.Conditions {
			ok, eerr := evalCondition(c.Expr, exec.Variables)
			if eerr != nil {
				return "", false, eerr
			}
			if ok {
				return c.Target, false, nil
			}
		}
		if cfg.Default != "" {
			return cfg.Default, false, nil
		}
		return "", false, fmt.Errorf("workflow: decision node %s: no condition matched and no default set", nodeID)
	}

	edges := outgoingEdges(def)[nodeID]
	if len(edges) == 0 {
		return "", true, nil
	}
	var fallback string
	for _, edge := range edges {
		if edge.Condition == "" {
			fallback = edge.Target
			continue
		}
		ok, eerr := evalCondition(edge.Condition, exec.Variables)
		if eerr != nil {
			return "", false, eerr
		}
		if ok {
			return edge.Target, false, nil
		}
	}
	if fallback != "" {
		return fallback, false, nil
	}
	return "", false, fmt.Errorf("workflow: node %s: no outgoing edge condition matched", nodeID)
}

// execNode runs a single node's behavior and returns its output (stored
// both in the NodeExecution and, under the node's id, in exec.Variables
// so downstream nodes can reference it by name).
func (e *Engine) execNode(ctx context.Context, nodes map[string]models.WorkflowNode, node models.WorkflowNode, exec *models.WorkflowExecution) (any, error) {
	var out any
	var err error
	switch node.Type {
	case models.NodeStart:
		out = nil
	case models.NodeTask:
		out, err = e.runTask(ctx, node, exec)
	case models.NodeDecision:
		out = nil // handled in nextAfter
	case models.NodeParallel:
		out, err = e.runParallel(ctx, nodes, node, exec)
	case models.NodeLoop:
		out, err = e.runLoop(ctx, nodes, node, exec)
	case models.NodeWait:
		out, err = e.runWait(ctx, node, exec)
	case models.NodeHumanInput:
		return nil, e.runHumanInput(node, exec)
	case models.NodeWebhook:
		out, err = e.runWebhook(ctx, node, exec)
	case models.NodeTransform:
		out, err = e.runTransform(node, exec)
	default:
		return nil, fmt.Errorf("unsupported node type %q", node.Type)
	}
	if err != nil {
		return nil, err
	}
	if out != nil {
		exec.Variables[node.ID] = out
	}
	return out, nil
}

func (e *Engine) runTask(ctx context.Context, node models.WorkflowNode, exec *models.WorkflowExecution) (any, error) {
	cfg, err := decodeConfig[TaskConfig](node.Config)
	if err != nil {
		return nil, err
	}
	if e.agent == nil {
		return nil, fmt.Errorf("no agent adapter configured for task node %s", node.ID)
	}
	task := interpolate(cfg.Task, exec.Variables)
	result, err := e.agent(ctx, cfg.AgentID, task, exec.Variables)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runParallel executes each branch node (a single node id, same
// convention as a loop body) in turn and judges completion by WaitFor;
// branches run sequentially rather than as goroutines because they
// share the same exec.Variables map and engine state.
func (e *Engine) runParallel(ctx context.Context, nodes map[string]models.WorkflowNode, node models.WorkflowNode, exec *models.WorkflowExecution) (any, error) {
	cfg, err := decodeConfig[ParallelConfig](node.Config)
	if err != nil {
		return nil, err
	}
	results := make(map[string]any, len(cfg.Branches))
	succeeded := 0
	var firstErr error
	for _, branchID := range cfg.Branches {
		bnode, ok := nodes[branchID]
		if !ok {
			return nil, fmt.Errorf("parallel node %s: unknown branch %q", node.ID, branchID)
		}
		out, err := e.execNode(ctx, nodes, bnode, exec)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			results[branchID] = map[string]any{"error": err.Error()}
			continue
		}
		results[branchID] = out
		succeeded++
	}

	need := len(cfg.Branches)
	switch cfg.WaitFor.Mode {
	case "any":
		need = 1
	case "":
		if cfg.WaitFor.Count > 0 {
			need = cfg.WaitFor.Count
		}
	}
	if succeeded < need {
		if firstErr != nil {
			return results, fmt.Errorf("parallel node %s: only %d/%d branches succeeded: %w", node.ID, succeeded, need, firstErr)
		}
		return results, fmt.Errorf("parallel node %s: only %d/%d branches succeeded", node.ID, succeeded, need)
	}
	return results, nil
}

// runLoop iterates Collection's elements (bound to Iterator) through
// Body, a single sub-node id, up to MaxIterations times.
func (e *Engine) runLoop(ctx context.Context, nodes map[string]models.WorkflowNode, node models.WorkflowNode, exec *models.WorkflowExecution) (any, error) {
	cfg, err := decodeConfig[LoopConfig](node.Config)
	if err != nil {
		return nil, err
	}
	bodyNode, ok := nodes[cfg.Body]
	if !ok {
		return nil, fmt.Errorf("loop node %s: unknown body %q", node.ID, cfg.Body)
	}
	v, ok := resolveIdent(cfg.Collection, exec.Variables)
	if !ok {
		return nil, fmt.Errorf("loop node %s: collection %q not found", node.ID, cfg.Collection)
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("loop node %s: collection %q is not a list", node.ID, cfg.Collection)
	}
	max := cfg.MaxIterations
	if max <= 0 || max > len(items) {
		max = len(items)
	}
	results := make([]any, 0, max)
	for i := 0; i < max; i++ {
		exec.Variables[cfg.Iterator] = items[i]
		out, err := e.execNode(ctx, nodes, bodyNode, exec)
		if err != nil {
			return results, fmt.Errorf("loop node %s: iteration %d: %w", node.ID, i, err)
		}
		results = append(results, out)
	}
	delete(exec.Variables, cfg.Iterator)
	return results, nil
}

func (e *Engine) runWait(ctx context.Context, node models.WorkflowNode, exec *models.WorkflowExecution) (any, error) {
	cfg, err := decodeConfig[WaitConfig](node.Config)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.DurationMS > 0:
		select {
		case <-time.After(time.Duration(cfg.DurationMS) * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case cfg.Event != "":
		ch := e.waitChan(exec.ID, cfg.Event)
		defer e.clearWaitChan(exec.ID, cfg.Event)
		select {
		case payload := <-ch:
			for k, v := range payload {
				exec.Variables[k] = v
			}
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case cfg.Until != "":
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			ok, err := evalCondition(cfg.Until, exec.Variables)
			if err != nil {
				return nil, err
			}
			if ok {
				return nil, nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	default:
		return nil, nil
	}
}

func (e *Engine) runHumanInput(node models.WorkflowNode, exec *models.WorkflowExecution) error {
	cfg, err := decodeConfig[HumanInputConfig](node.Config)
	if err != nil {
		return err
	}
	exec.Variables["_pendingPrompt"] = interpolate(cfg.Prompt, exec.Variables)
	exec.Variables["_pendingFields"] = cfg.Fields
	return ErrWaitingOnHumanInput
}

func (e *Engine) runWebhook(ctx context.Context, node models.WorkflowNode, exec *models.WorkflowExecution) (any, error) {
	cfg, err := decodeConfig[WebhookConfig](node.Config)
	if err != nil {
		return nil, err
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	body := interpolate(cfg.Body, exec.Variables)
	req, err := http.NewRequestWithContext(ctx, method, interpolate(cfg.URL, exec.Variables), bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, interpolate(v, exec.Variables))
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed any
	if json.Unmarshal(respBody, &parsed) != nil {
		parsed = string(respBody)
	}
	result := map[string]any{"status": resp.StatusCode, "body": parsed}
	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("webhook node %s: %s returned status %d", node.ID, cfg.URL, resp.StatusCode)
	}
	return result, nil
}

func (e *Engine) runTransform(node models.WorkflowNode, exec *models.WorkflowExecution) (any, error) {
	cfg, err := decodeConfig[TransformConfig](node.Config)
	if err != nil {
		return nil, err
	}
	if err := applyTransform(cfg, exec.Variables); err != nil {
		return nil, err
	}
	return nil, nil
}
