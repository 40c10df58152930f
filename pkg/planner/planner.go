// Package planner turns a user message into an intent classification
// and, for task intents, a validated ExecutionPlan DAG. It drives the
// same provider.Provider interface the agent loop uses, asking the
// model for a single completion and parsing the result, with a
// concrete fallback envelope so plan synthesis never returns a hard
// failure to the caller.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/pkg/provider"
)

// IntentType classifies a user message.
type IntentType string

const (
	IntentTask                IntentType = "task"
	IntentSimpleQuery          IntentType = "simple_query"
	IntentClarificationNeeded  IntentType = "clarification_needed"
)

// Intent is the result of analyzing a message.
type Intent struct {
	Type            IntentType `json:"type"`
	PrimaryGoal     string     `json:"primaryGoal"`
	SuggestedAgents []string   `json:"suggestedAgents"`
	Urgency         string     `json:"urgency"`
	ClarifyingQuestion string  `json:"clarifyingQuestion,omitempty"`
}

// fallbackIntent is returned whenever the model's response cannot be
// parsed as an Intent, so callers always have a workable classification.
func fallbackIntent(message string) Intent {
	return Intent{
		Type:            IntentTask,
		PrimaryGoal:     message,
		SuggestedAgents: []string{"default_research_agent"},
		Urgency:         "normal",
	}
}

const intentSystemPrompt = `You classify a user's message for a task-orchestration system.
Respond with JSON only, matching: {"type": "task"|"simple_query"|"clarification_needed", "primaryGoal": string, "suggestedAgents": [string], "urgency": "low"|"normal"|"high", "clarifyingQuestion": string (only if type is clarification_needed)}`

// AnalyzeIntent classifies message using p. A malformed or failed model
// response degrades to fallbackIntent rather than propagating an error,
// since a planning-stage hiccup should not block a task from starting.
func AnalyzeIntent(ctx context.Context, p provider.Provider, message string) Intent {
	resp, err := p.Chat(ctx, provider.Request{
		System:   intentSystemPrompt,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: message}},
	})
	if err != nil {
		return fallbackIntent(message)
	}
	var intent Intent
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &intent); err != nil || intent.Type == "" {
		return fallbackIntent(message)
	}
	return intent
}

const planSystemPrompt = `You produce an execution plan as JSON for a task-orchestration system.
Respond with JSON only, matching: {"steps": [{"id": string, "name": string, "description": string, "agentId": string, "action": {"type": string, "params": object}, "inputs": [], "dependsOn": [string]}], "errorHandling": {"default": "abort"|"retry"|"skip"}, "estimates": {"durationMs": number, "cost": number, "confidence": number}}`

// Synthesize asks p to produce a plan for goal, validates every
// agentId against availableAgents and checks the step graph for cycles,
// falling back to a single research step against the first available
// agent if the model's response is malformed, names an unknown agent,
// or contains a dependency cycle.
func Synthesize(ctx context.Context, p provider.Provider, taskID, goal string, availableAgents []string) *models.ExecutionPlan {
	resp, err := p.Chat(ctx, provider.Request{
		System:   planSystemPrompt,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: goal}},
	})
	if err == nil {
		if plan, ok := parsePlan(resp.Content, taskID); ok {
			if validateAgents(plan, availableAgents) && !hasCycle(plan.Steps) {
				return plan
			}
		}
	}
	return fallbackPlan(taskID, goal, availableAgents)
}

func parsePlan(content, taskID string) (*models.ExecutionPlan, bool) {
	var parsed struct {
		Steps         []models.PlanStep     `json:"steps"`
		ErrorHandling models.ErrorHandling  `json:"errorHandling"`
		Estimates     models.Estimates      `json:"estimates"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil || len(parsed.Steps) == 0 {
		return nil, false
	}
	if parsed.ErrorHandling.Default == "" {
		parsed.ErrorHandling.Default = models.ErrorHandlingAbort
	}
	return &models.ExecutionPlan{
		ID:            uuid.New().String(),
		TaskID:        taskID,
		Version:       1,
		Steps:         parsed.Steps,
		ErrorHandling: parsed.ErrorHandling,
		Estimates:     parsed.Estimates,
		CreatedAt:     time.Now(),
	}, true
}

func fallbackPlan(taskID, goal string, availableAgents []string) *models.ExecutionPlan {
	agent := "default_research_agent"
	if len(availableAgents) > 0 {
		agent = availableAgents[0]
	}
	step := models.PlanStep{
		ID:          "step-1",
		Name:        "research",
		Description: goal,
		AgentID:      agent,
		Action:      models.AgentAction{Type: "research", Params: map[string]any{"goal": goal}},
		TimeoutMS:   60000,
		MaxRetries:  1,
	}
	return &models.ExecutionPlan{
		ID:            uuid.New().String(),
		TaskID:        taskID,
		Version:       1,
		Steps:         []models.PlanStep{step},
		ErrorHandling: models.ErrorHandling{Default: models.ErrorHandlingAbort},
		Estimates:     models.Estimates{Confidence: 0.3},
		CreatedAt:     time.Now(),
	}
}

func validateAgents(plan *models.ExecutionPlan, available []string) bool {
	known := make(map[string]bool, len(available))
	for _, a := range available {
		known[a] = true
	}
	for _, step := range plan.Steps {
		if !known[step.AgentID] {
			return false
		}
	}
	return true
}

// hasCycle runs DFS over the steps' DependsOn edges.
func hasCycle(steps []models.PlanStep) bool {
	byID := make(map[string]models.PlanStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case gray:
			return true
		case black:
			return false
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if visit(dep) {
				return true
			}
		}
		color[id] = black
		return false
	}
	for _, s := range steps {
		if color[s.ID] == white && visit(s.ID) {
			return true
		}
	}
	return false
}

// TopologicalSort returns steps ordered so every step appears after all
// of its dependencies, using a stable DFS so equal-priority steps keep
// their original relative order.
func TopologicalSort(steps []models.PlanStep) ([]models.PlanStep, error) {
	byID := make(map[string]models.PlanStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	visited := make(map[string]bool, len(steps))
	inProgress := make(map[string]bool, len(steps))
	var order []models.PlanStep

	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		if inProgress[id] {
			return fmt.Errorf("planner: dependency cycle at step %s", id)
		}
		inProgress[id] = true
		step, ok := byID[id]
		if !ok {
			return fmt.Errorf("planner: unknown step dependency %s", id)
		}
		for _, dep := range step.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		inProgress[id] = false
		visited[id] = true
		order = append(order, step)
		return nil
	}

	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// ParallelGroups partitions steps into layers: layer k contains every
// step whose dependencies are entirely satisfied by layers 0..k-1, so
// steps within a layer can run concurrently.
func ParallelGroups(steps []models.PlanStep) ([][]models.PlanStep, error) {
	sorted, err := TopologicalSort(steps)
	if err != nil {
		return nil, err
	}
	layerOf := make(map[string]int, len(sorted))
	var groups [][]models.PlanStep

	for _, step := range sorted {
		layer := 0
		for _, dep := range step.DependsOn {
			if l, ok := layerOf[dep]; ok && l+1 > layer {
				layer = l + 1
			}
		}
		layerOf[step.ID] = layer
		for len(groups) <= layer {
			groups = append(groups, nil)
		}
		groups[layer] = append(groups[layer], step)
	}
	return groups, nil
}

// extractJSON trims a model response down to its first top-level JSON
// object, tolerating surrounding prose or markdown code fences.
func extractJSON(content string) string {
	start := -1
	depth := 0
	for i, r := range content {
		switch r {
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start != -1 {
				return content[start : i+1]
			}
		}
	}
	return content
}
