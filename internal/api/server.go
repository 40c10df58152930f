// Package api exposes the orchestration backend over HTTP: a
// bearer-authenticated REST surface plus a websocket stream that fans
// per-task events out to subscribed clients.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskforge/taskforge/internal/scheduler"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/pkg/orchestrator"
	"github.com/taskforge/taskforge/pkg/workflow"
)

// AgentInfo is the static descriptor returned by GET /api/agents.
type AgentInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
}

// Server carries every dependency the handlers need. It is built once
// at startup and treated as read-only afterwards, except for the
// cancellation map guarding in-flight task runs.
type Server struct {
	Core      *store.CoreStore
	Jobs      *store.SchedulerStore
	Workflows *store.WorkflowStore

	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Engine
	Engine       *workflow.Engine

	Agents []AgentInfo
	Auth   *Authenticator
	Hub    *Hub

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewServer(core *store.CoreStore, jobs *store.SchedulerStore, workflows *store.WorkflowStore,
	orch *orchestrator.Orchestrator, sched *scheduler.Engine, engine *workflow.Engine,
	agents []AgentInfo, auth *Authenticator) *Server {
	return &Server{
		Core:         core,
		Jobs:         jobs,
		Workflows:    workflows,
		Orchestrator: orch,
		Scheduler:    sched,
		Engine:       engine,
		Agents:       agents,
		Auth:         auth,
		Hub:          NewHub(),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// registerCancel records the cancel func for a running task so
// POST /api/tasks/{id}/cancel and websocket disconnects can stop it.
func (s *Server) registerCancel(taskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[taskID] = cancel
	s.mu.Unlock()
}

func (s *Server) unregisterCancel(taskID string) {
	s.mu.Lock()
	delete(s.cancels, taskID)
	s.mu.Unlock()
}

// cancelTask fires a running task's cancel func; it reports whether a
// run was actually in flight.
func (s *Server) cancelTask(taskID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[taskID]
	if ok {
		delete(s.cancels, taskID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Router assembles the full HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Post("/auth/token", s.issueTokenHandler)
	r.Get("/ws", s.streamHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.Auth.Middleware)

		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{taskID}", s.getTask)
		r.Post("/tasks/{taskID}/cancel", s.cancelTaskHandler)

		r.Get("/stats", s.getStats)
		r.Get("/agents", s.listAgents)

		r.Route("/scheduler/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.createJob)
			r.Get("/{jobID}", s.getJob)
			r.Patch("/{jobID}", s.updateJob)
			r.Delete("/{jobID}", s.deleteJob)
			r.Post("/{jobID}/toggle", s.toggleJob)
			r.Get("/{jobID}/executions", s.listJobExecutions)
			r.Post("/{jobID}/run", s.runJobNow)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.listWorkflows)
			r.Post("/", s.createWorkflow)
			r.Get("/{workflowID}", s.getWorkflow)
			r.Patch("/{workflowID}", s.updateWorkflow)
			r.Delete("/{workflowID}", s.deleteWorkflow)
			r.Post("/{workflowID}/execute", s.executeWorkflow)
			r.Get("/{workflowID}/executions", s.listWorkflowExecutions)
		})
		r.Get("/workflow-templates", s.listWorkflowTemplates)
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readyHandler additionally verifies the primary store answers, so load
// balancers only route traffic once migrations have finished.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Core.CountTasksByPhase(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Agents)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody parses a JSON request body into v, returning false (and
// writing a 400) when the body is malformed.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
