package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/pkg/workflow"
)

type workflowBody struct {
	Name      string                `json:"name"`
	Inputs    map[string]string     `json:"inputs"`
	Nodes     []models.WorkflowNode `json:"nodes"`
	Edges     []models.WorkflowEdge `json:"edges"`
	Variables map[string]any        `json:"variables"`
	Metadata  map[string]any        `json:"metadata"`
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.Workflows.ListWorkflows(authedUser(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if defs == nil {
		defs = []*models.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var body workflowBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" || len(body.Nodes) == 0 {
		writeError(w, http.StatusBadRequest, "name and nodes are required")
		return
	}

	now := time.Now().UTC()
	def := &models.WorkflowDefinition{
		ID:        uuid.New().String(),
		UserID:    authedUser(r),
		Name:      body.Name,
		Version:   1,
		Inputs:    body.Inputs,
		Nodes:     body.Nodes,
		Edges:     body.Edges,
		Variables: body.Variables,
		Metadata:  body.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := workflow.ValidateDefinition(def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Workflows.CreateWorkflow(def); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

// fetchOwnedWorkflow loads a workflow and enforces ownership, writing
// the error response itself on failure.
func (s *Server) fetchOwnedWorkflow(w http.ResponseWriter, r *http.Request) *models.WorkflowDefinition {
	def, err := s.Workflows.GetWorkflow(chi.URLParam(r, "workflowID"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "workflow not found")
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	if def.UserID != "" && def.UserID != authedUser(r) {
		writeError(w, http.StatusForbidden, "workflow belongs to another user")
		return nil
	}
	return def
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	def := s.fetchOwnedWorkflow(w, r)
	if def == nil {
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	def := s.fetchOwnedWorkflow(w, r)
	if def == nil {
		return
	}
	var body workflowBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name != "" {
		def.Name = body.Name
	}
	if body.Inputs != nil {
		def.Inputs = body.Inputs
	}
	if body.Nodes != nil {
		def.Nodes = body.Nodes
	}
	if body.Edges != nil {
		def.Edges = body.Edges
	}
	if body.Variables != nil {
		def.Variables = body.Variables
	}
	if body.Metadata != nil {
		def.Metadata = body.Metadata
	}
	def.Version++
	def.UpdatedAt = time.Now().UTC()

	if err := workflow.ValidateDefinition(def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Workflows.UpdateWorkflow(def); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	def := s.fetchOwnedWorkflow(w, r)
	if def == nil {
		return
	}
	if err := s.Workflows.DeleteWorkflow(def.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// executeWorkflow implements POST /api/workflows/{id}/execute. The run
// happens synchronously; an execution paused at a human_input node is
// returned in its waiting state.
func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	def := s.fetchOwnedWorkflow(w, r)
	if def == nil {
		return
	}
	var body struct {
		Input map[string]any `json:"input"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	exec, err := s.Engine.Start(r.Context(), def, body.Input)
	if err != nil && err != workflow.ErrWaitingOnHumanInput {
		// The execution row carries the failure; surface both.
		if exec != nil {
			writeJSON(w, http.StatusOK, exec)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) listWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	def := s.fetchOwnedWorkflow(w, r)
	if def == nil {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.Workflows.ListExecutions(def.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []*models.WorkflowExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// workflowTemplates is the static catalog behind GET
// /api/workflow-templates: ready-to-copy graphs a client can customize.
var workflowTemplates = []map[string]any{
	{
		"id":          "template-research-and-notify",
		"name":        "Research and notify",
		"description": "Run a research task, then POST the result to a webhook.",
		"nodes": []models.WorkflowNode{
			{ID: "start", Type: models.NodeStart, Config: map[string]any{}},
			{ID: "research", Type: models.NodeTask, Config: map[string]any{"agentId": "default_research_agent", "task": "Research: ${topic}"}},
			{ID: "notify", Type: models.NodeWebhook, Config: map[string]any{"url": "${notifyUrl}", "method": "POST", "body": "${research}"}},
			{ID: "end", Type: models.NodeEnd, Config: map[string]any{}},
		},
		"edges": []models.WorkflowEdge{
			{ID: "e1", Source: "start", Target: "research"},
			{ID: "e2", Source: "research", Target: "notify"},
			{ID: "e3", Source: "notify", Target: "end"},
		},
		"inputs": map[string]string{"topic": "string", "notifyUrl": "string"},
	},
	{
		"id":          "template-triage",
		"name":        "Severity triage",
		"description": "Route an incoming item by severity with a decision node.",
		"nodes": []models.WorkflowNode{
			{ID: "start", Type: models.NodeStart, Config: map[string]any{}},
			{ID: "triage", Type: models.NodeDecision, Config: map[string]any{
				"conditions": []map[string]any{
					{"expr": "severity >= 8", "target": "page"},
					{"expr": "severity >= 4", "target": "ticket"},
				},
				"default": "log",
			}},
			{ID: "page", Type: models.NodeWebhook, Config: map[string]any{"url": "${pagerUrl}", "method": "POST", "body": "${item}"}},
			{ID: "ticket", Type: models.NodeTask, Config: map[string]any{"agentId": "default_research_agent", "task": "File a ticket for: ${item}"}},
			{ID: "log", Type: models.NodeTransform, Config: map[string]any{
				"operations": []map[string]any{{"kind": "format", "script": "return 'logged: ' + vars.item", "output": "logLine"}},
			}},
			{ID: "end", Type: models.NodeEnd, Config: map[string]any{}},
		},
		"edges": []models.WorkflowEdge{
			{ID: "e1", Source: "start", Target: "triage"},
			{ID: "e2", Source: "page", Target: "end"},
			{ID: "e3", Source: "ticket", Target: "end"},
			{ID: "e4", Source: "log", Target: "end"},
		},
		"inputs": map[string]string{"item": "string", "severity": "number", "pagerUrl": "string"},
	},
}

func (s *Server) listWorkflowTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, workflowTemplates)
}
