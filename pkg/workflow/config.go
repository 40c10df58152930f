package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/taskforge/taskforge/internal/models"
)

// decodeConfig round-trips a node's free-form Config map through
// JSON into a typed variant: the persistence boundary keeps the opaque
// map (models.WorkflowNode.Config); the engine only works with the
// typed shapes below.
func decodeConfig[T any](raw map[string]any) (T, error) {
	var out T
	b, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("workflow: decode node config: %w", err)
	}
	return out, nil
}

// TaskConfig drives a "task" node: Task is interpolated against
// variables before being handed to the agent adapter.
type TaskConfig struct {
	Task    string `json:"task"`
	AgentID string `json:"agentId"`
}

// DecisionCondition is one ordered branch of a "decision" node.
type DecisionCondition struct {
	Expr   string `json:"expr"`
	Target string `json:"target"`
}

// DecisionConfig drives a "decision" node: conditions are evaluated in
// order; the first match's Target is taken, else Default.
type DecisionConfig struct {
	Conditions []DecisionCondition `json:"conditions"`
	Default    string              `json:"default"`
}

// WaitFor selects how a "parallel" node decides it has completed.
type WaitFor struct {
	// Mode is "all", "any", or "" (use Count).
	Mode  string `json:"mode,omitempty"`
	Count int    `json:"count,omitempty"`
}

// ParallelConfig drives a "parallel" node: Branches are node ids the
// engine runs one after another; WaitFor decides completion.
type ParallelConfig struct {
	Branches []string `json:"branches"`
	WaitFor  WaitFor  `json:"waitFor"`
}

// LoopConfig drives a "loop" node. Collection is a variable
// reference (dotted path) whose elements are bound to Iterator and run
// through Body, a single sub-node id, once each, up to MaxIterations.
type LoopConfig struct {
	Collection    string `json:"collection"`
	Iterator      string `json:"iterator"`
	Body          string `json:"body"`
	MaxIterations int    `json:"maxIterations"`
}

// WaitConfig drives a "wait" node: exactly one of DurationMS, Event, or
// Until should be set.
type WaitConfig struct {
	DurationMS int64  `json:"durationMs,omitempty"`
	Event      string `json:"event,omitempty"`
	Until      string `json:"until,omitempty"`
}

// HumanInputConfig drives a "human_input" node: Fields names the values
// the host must collect before the execution can resume.
type HumanInputConfig struct {
	Prompt string   `json:"prompt"`
	Fields []string `json:"fields"`
}

// WebhookConfig drives a "webhook" node's outbound HTTP call.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Output  string            `json:"output,omitempty"` // variable name to store the response under
}

// TransformOpKind selects a transform.operations entry's behavior.
type TransformOpKind string

const (
	OpMap     TransformOpKind = "map"
	OpFilter  TransformOpKind = "filter"
	OpReduce  TransformOpKind = "reduce"
	OpExtract TransformOpKind = "extract"
	OpFormat  TransformOpKind = "format"
	OpMerge   TransformOpKind = "merge"
)

// TransformOp is one ordered operation in a "transform" node.
type TransformOp struct {
	Kind TransformOpKind `json:"kind"`
	// Source is the input variable (dotted path); Output is where the
	// result is stored.
	Source string `json:"source"`
	Output string `json:"output"`
	// Expr is used by map/filter/reduce as the per-element/accumulator
	// condition or projection (restricted evaluator, element bound to
	// "item", accumulator to "acc" for reduce).
	Expr string `json:"expr,omitempty"`
	// Path is used by extract as a dotted path into Source.
	Path string `json:"path,omitempty"`
	// Script is used by format: a goja-sandboxed JS function body (see
	// transform.go) that must return the output's value, NOT the
	// decision/wait condition language.
	Script string `json:"script,omitempty"`
	// Merge lists additional source variables to fold into Output
	// alongside Source, used by merge.
	Merge []string `json:"merge,omitempty"`
}

// TransformConfig drives a "transform" node: an ordered pipeline of
// operations applied against the execution's variables.
type TransformConfig struct {
	Operations []TransformOp `json:"operations"`
}

// nodeByID indexes a definition's nodes for O(1) lookup during
// traversal.
func nodeByID(def *models.WorkflowDefinition) map[string]models.WorkflowNode {
	out := make(map[string]models.WorkflowNode, len(def.Nodes))
	for _, n := range def.Nodes {
		out[n.ID] = n
	}
	return out
}

// outgoingEdges indexes a definition's edges by source node id.
func outgoingEdges(def *models.WorkflowDefinition) map[string][]models.WorkflowEdge {
	out := make(map[string][]models.WorkflowEdge, len(def.Nodes))
	for _, e := range def.Edges {
		out[e.Source] = append(out[e.Source], e)
	}
	return out
}

// findStart returns the definition's unique start node.
func findStart(def *models.WorkflowDefinition) (string, error) {
	var found string
	count := 0
	for _, n := range def.Nodes {
		if n.Type == models.NodeStart {
			found = n.ID
			count++
		}
	}
	if count != 1 {
		return "", fmt.Errorf("workflow: definition must have exactly one start node, found %d", count)
	}
	return found, nil
}
