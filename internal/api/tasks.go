package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/pkg/agent"
	"github.com/taskforge/taskforge/pkg/orchestrator"
)

// taskCallbacks builds the orchestrator callback bundle that publishes
// every per-task event to the hub, so REST-created and websocket-created
// tasks stream identically. onStarted is invoked before the first event
// so the caller can register cancellation and auto-subscribe a client.
// Once ctx is cancelled, no further events are published.
func (s *Server) taskCallbacks(ctx context.Context, onStarted func(taskID string)) orchestrator.Callbacks {
	var taskID string
	publish := func(id string, f Frame) {
		if ctx.Err() == nil {
			s.Hub.Publish(id, f)
		}
	}
	return orchestrator.Callbacks{
		OnTaskStarted: func(id string) {
			taskID = id
			if onStarted != nil {
				onStarted(id)
			}
			publish(id, Frame{Type: "task_started", TaskID: id})
		},
		OnLog: func(entry agent.LogEntry) {
			publish(taskID, Frame{
				Type: "log", TaskID: taskID,
				Payload: map[string]any{"level": entry.Level, "message": entry.Message, "timestamp": entry.Timestamp},
			})
		},
		OnToolCall: func(call agent.ToolCallEvent) {
			publish(taskID, Frame{
				Type: "tool_call", TaskID: taskID,
				Payload: map[string]any{"toolName": call.ToolName, "input": call.Input, "error": call.Error, "durationMs": call.Duration.Milliseconds()},
			})
		},
		OnProgress: func(message string) {
			publish(taskID, Frame{Type: "progress", TaskID: taskID, Payload: map[string]any{"message": message}})
		},
		OnTaskComplete: func(id, summary string) {
			publish(id, Frame{Type: "task_completed", TaskID: id, Payload: map[string]any{"summary": summary}})
		},
		OnTaskError: func(id, errMsg string) {
			publish(id, Frame{Type: "task_error", TaskID: id, Payload: map[string]any{"error": errMsg}})
		},
	}
}

// runMessage executes one user message through the orchestrator with
// cancellation registered under the task id for its whole run.
func (s *Server) runMessage(ctx context.Context, message, userID string, onStarted func(taskID string)) (*orchestrator.ExecutionResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var startedID string
	cb := s.taskCallbacks(runCtx, func(taskID string) {
		startedID = taskID
		s.registerCancel(taskID, cancel)
		if onStarted != nil {
			onStarted(taskID)
		}
	})
	result, err := s.Orchestrator.HandleMessage(runCtx, message, userID, cb)
	if startedID != "" {
		s.unregisterCancel(startedID)
	}
	return result, err
}

// createTask implements POST /api/tasks.
func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message  string `json:"message"`
		Language string `json:"language,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	message := body.Message
	if body.Language != "" {
		message = fmt.Sprintf("%s\n\nRespond in %s.", message, body.Language)
	}

	result, err := s.runMessage(r.Context(), message, authedUser(r), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Simple queries and clarifications never persist a task row.
	taskID := result.TaskID
	if taskID == "" {
		taskID = "simple"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":   taskID,
		"status":   result.Status,
		"summary":  result.Summary,
		"duration": result.Duration.Milliseconds(),
		"error":    result.Error,
	})
}

// listTasks implements GET /api/tasks?status&limit&offset.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	phase := models.Phase(r.URL.Query().Get("status"))

	tasks, err := s.Core.ListTasksByUser(authedUser(r), phase, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
	})
}

// getTask implements GET /api/tasks/{taskID}; a task is only visible to
// the user that created it.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Core.GetTask(chi.URLParam(r, "taskID"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task.UserID != authedUser(r) {
		writeError(w, http.StatusForbidden, "task belongs to another user")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// cancelTaskHandler implements POST /api/tasks/{taskID}/cancel.
// Cancellation is cooperative: the run observes its context at the next
// check and marks the task failed; events stop flowing immediately.
func (s *Server) cancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.Core.GetTask(taskID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task.UserID != authedUser(r) {
		writeError(w, http.StatusForbidden, "task belongs to another user")
		return
	}
	if s.cancelTask(taskID) {
		s.Hub.Publish(taskID, Frame{Type: "cancelled", TaskID: taskID})
	}
	w.WriteHeader(http.StatusNoContent)
}

// getStats implements GET /api/stats. The memory block is a fixed
// placeholder: no recall store is wired into the server, so its
// counters are always zero.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	phases, err := s.Core.CountTasksByPhase()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totalJobs, enabledJobs, err := s.Jobs.CountJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	executionsToday, err := s.Jobs.CountExecutionsSince(midnight)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totalWorkflows, err := s.Workflows.CountWorkflows()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	total := 0
	for _, n := range phases {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": map[string]any{
			"total":     total,
			"completed": phases[models.PhaseCompleted],
			"failed":    phases[models.PhaseFailed],
			"running":   phases[models.PhaseExecuting],
		},
		"memory": map[string]any{"total": 0, "byType": map[string]int{}},
		"agents": map[string]any{
			"total":  len(s.Agents),
			"active": s.Scheduler.RunningCount(),
		},
		"scheduler": map[string]any{
			"totalJobs":       totalJobs,
			"enabledJobs":     enabledJobs,
			"executionsToday": executionsToday,
		},
		"workflows": map[string]any{"total": totalWorkflows},
	})
}
