package models

import "time"

// NodeType enumerates the workflow graph's node kinds.
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeEnd         NodeType = "end"
	NodeTask        NodeType = "task"
	NodeDecision    NodeType = "decision"
	NodeParallel    NodeType = "parallel"
	NodeLoop        NodeType = "loop"
	NodeWait        NodeType = "wait"
	NodeHumanInput  NodeType = "human_input"
	NodeWebhook     NodeType = "webhook"
	NodeTransform   NodeType = "transform"
)

// WorkflowNode is one vertex in a WorkflowDefinition's graph. Config is
// kept as a free map at the persistence boundary and decoded into a
// typed config variant by the engine at run time.
type WorkflowNode struct {
	ID     string         `json:"id"`
	Type   NodeType       `json:"type"`
	Config map[string]any `json:"config"`
}

// WorkflowEdge connects two nodes, optionally guarded by a condition
// expression evaluated against the run's variables.
type WorkflowEdge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// WorkflowDefinition is a node graph plus its declared inputs and
// initial variables.
type WorkflowDefinition struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId,omitempty"`
	Name      string                 `json:"name"`
	Version   int                    `json:"version"`
	Inputs    map[string]string      `json:"inputs"` // name -> declared type
	Nodes     []WorkflowNode         `json:"nodes"`
	Edges     []WorkflowEdge         `json:"edges"`
	Variables map[string]any         `json:"variables"`
	Metadata  map[string]any         `json:"metadata"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// WorkflowExecStatus is the lifecycle of a WorkflowExecution.
type WorkflowExecStatus string

const (
	WFPending   WorkflowExecStatus = "pending"
	WFRunning   WorkflowExecStatus = "running"
	WFPaused    WorkflowExecStatus = "paused"
	WFWaiting   WorkflowExecStatus = "waiting"
	WFCompleted WorkflowExecStatus = "completed"
	WFFailed    WorkflowExecStatus = "failed"
	WFCancelled WorkflowExecStatus = "cancelled"
)

// NodeExecution records one node's visit within a WorkflowExecution.
type NodeExecution struct {
	NodeID      string     `json:"nodeId"`
	Status      string     `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// WorkflowExecution is one run of a WorkflowDefinition.
type WorkflowExecution struct {
	ID             string                   `json:"id"`
	WorkflowID     string                   `json:"workflowId"`
	Status         WorkflowExecStatus       `json:"status"`
	Input          map[string]any           `json:"input"`
	Output         any                      `json:"output,omitempty"`
	Variables      map[string]any           `json:"variables"`
	NodeExecutions map[string]NodeExecution `json:"nodeExecutions"`
	CurrentNodes   []string                 `json:"currentNodes"`
	Error          string                   `json:"error,omitempty"`
	CreatedAt      time.Time                `json:"createdAt"`
	UpdatedAt      time.Time                `json:"updatedAt"`
	CompletedAt    *time.Time               `json:"completedAt,omitempty"`
}
