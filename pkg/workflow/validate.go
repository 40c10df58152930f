package workflow

import (
	"fmt"

	"github.com/taskforge/taskforge/internal/models"
)

// ValidateDefinition checks a workflow graph's structural invariants
// before it is persisted: unique node ids, exactly one start node,
// edges that reference existing nodes, and an outgoing path from every
// non-terminal node. Decision, parallel and loop nodes declare their
// own branches in config, so a missing outgoing edge is fine there.
func ValidateDefinition(def *models.WorkflowDefinition) error {
	if len(def.Nodes) == 0 {
		return fmt.Errorf("workflow: definition has no nodes")
	}

	seen := make(map[string]models.NodeType, len(def.Nodes))
	starts := 0
	for _, n := range def.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow: node with empty id")
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("workflow: duplicate node id %q", n.ID)
		}
		seen[n.ID] = n.Type
		if n.Type == models.NodeStart {
			starts++
		}
	}
	if starts != 1 {
		return fmt.Errorf("workflow: expected exactly one start node, found %d", starts)
	}

	outgoing := make(map[string]int, len(def.Nodes))
	for _, e := range def.Edges {
		if _, ok := seen[e.Source]; !ok {
			return fmt.Errorf("workflow: edge %s references unknown source %q", e.ID, e.Source)
		}
		if _, ok := seen[e.Target]; !ok {
			return fmt.Errorf("workflow: edge %s references unknown target %q", e.ID, e.Target)
		}
		outgoing[e.Source]++
	}

	for _, n := range def.Nodes {
		if n.Type == models.NodeEnd {
			continue
		}
		switch n.Type {
		case models.NodeDecision, models.NodeParallel, models.NodeLoop:
			// branches live in config
			continue
		}
		if outgoing[n.ID] == 0 {
			return fmt.Errorf("workflow: node %q has no outgoing edge", n.ID)
		}
	}
	return nil
}
