package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/db"
	"github.com/taskforge/taskforge/internal/scheduler"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/migrations"
	"github.com/taskforge/taskforge/pkg/agent"
	"github.com/taskforge/taskforge/pkg/orchestrator"
	"github.com/taskforge/taskforge/pkg/provider"
	"github.com/taskforge/taskforge/pkg/tool"
	"github.com/taskforge/taskforge/pkg/workflow"
)

// newTestServer wires a full Server against temp sqlite stores and a
// scripted stub provider.
func newTestServer(t *testing.T, chat func(ctx context.Context, req provider.Request) (*provider.Response, error)) *Server {
	t.Helper()

	coreDB, err := db.Open(t.TempDir()+"/core.db", migrations.Core())
	require.NoError(t, err)
	schedDB, err := db.Open(t.TempDir()+"/scheduler.db", migrations.Scheduler())
	require.NoError(t, err)
	wfDB, err := db.Open(t.TempDir()+"/workflow.db", migrations.Workflow())
	require.NoError(t, err)
	t.Cleanup(func() {
		coreDB.Close()
		schedDB.Close()
		wfDB.Close()
	})

	core := store.NewCoreStore(coreDB)
	jobs := store.NewSchedulerStore(schedDB)
	workflows := store.NewWorkflowStore(wfDB)

	providers := provider.NewRegistry()
	providers.Register("stub", provider.NewStubProvider(chat), true)
	router := provider.NewModelRouter(providers, "stub")

	tools := tool.NewRegistry()
	agents := orchestrator.NewAgentRegistry()
	agents.Register(agent.Agent{ID: "default_research_agent", Name: "researcher"})

	cfg := orchestrator.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	orch := orchestrator.New(core, agents, tools, providers, router, cfg)

	engine := workflow.New(workflows, nil)
	sched := scheduler.New(jobs, scheduler.DefaultConfig(), nil, nil, scheduler.Callbacks{})

	infos := []AgentInfo{{ID: "default_research_agent", Name: "researcher", Status: "idle"}}
	return NewServer(core, jobs, workflows, orch, sched, engine, infos, NewAuthenticator("test-secret"))
}

func intentResponse(intentType string) *provider.Response {
	return &provider.Response{
		Content:    `{"type":"` + intentType + `","primaryGoal":"g","suggestedAgents":["default_research_agent"],"urgency":"normal"}`,
		StopReason: provider.StopEndTurn,
	}
}

// scriptedChat answers the intent classification first, then hands
// every later call to next.
func scriptedChat(intentType string, next func(req provider.Request) (*provider.Response, error)) func(ctx context.Context, req provider.Request) (*provider.Response, error) {
	calls := 0
	return func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		calls++
		if calls == 1 {
			return intentResponse(intentType), nil
		}
		return next(req)
	}
}

func authedRequest(t *testing.T, s *Server, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	token, err := s.Auth.Issue("user-1")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPIRejectsMissingBearer(t *testing.T) {
	s := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/tasks", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIssueTokenThenAuthenticate(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	w := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"userId":"user-1"}`)
	router.ServeHTTP(w, httptest.NewRequest("POST", "/auth/token", body))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresIn"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)
	assert.Greater(t, resp.ExpiresIn, 0)

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

// A conversational message completes without persisting any task.
func TestSimpleQueryPersistsNothing(t *testing.T) {
	s := newTestServer(t, scriptedChat("simple_query", func(req provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "Doing well, thanks!", StopReason: provider.StopEndTurn}, nil
	}))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, authedRequest(t, s, "POST", "/api/tasks", map[string]string{"message": "Hello, how are you?"}))

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "simple", resp["taskId"])
	assert.Equal(t, "completed", resp["status"])
	assert.NotEmpty(t, resp["summary"])

	tasks, err := s.Core.ListTasksByUser("user-1", "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

// A research request creates a task, a single-step plan targeting the
// research agent, and one step result.
func TestSingleStepResearchTask(t *testing.T) {
	planJSON := `{"steps":[{"id":"s1","name":"research","description":"Research quantum sensors","agentId":"default_research_agent","action":{"type":"research","params":{}}}],"errorHandling":{"default":"abort"},"estimates":{"confidence":0.8}}`
	calls := 0
	s := newTestServer(t, func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		calls++
		switch calls {
		case 1:
			return intentResponse("task"), nil
		case 2:
			return &provider.Response{Content: planJSON, StopReason: provider.StopEndTurn}, nil
		default:
			return &provider.Response{Content: "Quantum sensors use entanglement for precision.", StopReason: provider.StopEndTurn}, nil
		}
	})

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, authedRequest(t, s, "POST", "/api/tasks", map[string]string{"message": "Research quantum sensors"}))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "completed", resp["status"])
	assert.NotEmpty(t, resp["summary"])

	taskID, _ := resp["taskId"].(string)
	require.NotEmpty(t, taskID)

	task, err := s.Core.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, "completed", string(task.Status.Phase))

	plan, err := s.Core.GetPlan(taskID)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "default_research_agent", plan.Steps[0].AgentID)

	results, err := s.Core.GetStepResults(taskID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "success", string(results[0].Status))
}

func TestGetTaskOwnershipMismatchForbidden(t *testing.T) {
	s := newTestServer(t, scriptedChat("task", func(req provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "done", StopReason: provider.StopEndTurn}, nil
	}))
	router := s.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, s, "POST", "/api/tasks", map[string]string{"message": "Do a thing"}))
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	taskID := resp["taskId"].(string)

	// Another user's token gets 403.
	otherToken, err := s.Auth.Issue("user-2")
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/api/tasks/"+taskID, nil)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetUnknownTaskNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, authedRequest(t, s, "GET", "/api/tasks/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsShape(t *testing.T) {
	s := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, authedRequest(t, s, "GET", "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Contains(t, stats, "tasks")
	assert.Contains(t, stats, "scheduler")
	assert.Contains(t, stats, "workflows")
	assert.Contains(t, stats, "agents")
	assert.EqualValues(t, 1, stats["agents"]["total"])
}

func TestJobCRUDLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	create := map[string]any{
		"name":     "nightly report",
		"schedule": map[string]any{"kind": "cron", "expr": "0 2 * * *"},
		"config":   map[string]any{"kind": "webhook", "url": "http://example.com/hook"},
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, s, "POST", "/api/scheduler/jobs/", create))
	require.Equal(t, http.StatusCreated, w.Code)

	var job map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&job))
	jobID := job["id"].(string)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, s, "POST", "/api/scheduler/jobs/"+jobID+"/toggle", map[string]any{"enabled": false}))
	assert.Equal(t, http.StatusNoContent, w.Code)

	stored, err := s.Jobs.GetJob(jobID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, s, "PATCH", "/api/scheduler/jobs/"+jobID, map[string]any{"name": "renamed"}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, s, "DELETE", "/api/scheduler/jobs/"+jobID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, s, "GET", "/api/scheduler/jobs/"+jobID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateJobRejectsBadCron(t *testing.T) {
	s := newTestServer(t, nil)
	create := map[string]any{
		"name":     "broken",
		"schedule": map[string]any{"kind": "cron", "expr": "not a cron"},
		"config":   map[string]any{"kind": "webhook", "url": "http://example.com"},
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, authedRequest(t, s, "POST", "/api/scheduler/jobs/", create))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowCRUDAndExecute(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	create := map[string]any{
		"name": "triage",
		"nodes": []map[string]any{
			{"id": "start", "type": "start", "config": map[string]any{}},
			{"id": "decide", "type": "decision", "config": map[string]any{
				"conditions": []map[string]any{
					{"expr": "x > 0", "target": "a"},
					{"expr": "x < 0", "target": "b"},
				},
				"default": "c",
			}},
			{"id": "a", "type": "transform", "config": map[string]any{"operations": []any{}}},
			{"id": "b", "type": "transform", "config": map[string]any{"operations": []any{}}},
			{"id": "c", "type": "transform", "config": map[string]any{"operations": []any{}}},
			{"id": "end", "type": "end", "config": map[string]any{}},
		},
		"edges": []map[string]any{
			{"id": "e0", "source": "start", "target": "decide"},
			{"id": "e1", "source": "a", "target": "end"},
			{"id": "e2", "source": "b", "target": "end"},
			{"id": "e3", "source": "c", "target": "end"},
		},
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, s, "POST", "/api/workflows/", create))
	require.Equal(t, http.StatusCreated, w.Code)

	var def map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&def))
	wfID := def["id"].(string)

	for _, tc := range []struct {
		x    float64
		node string
	}{{5, "a"}, {-1, "b"}, {0, "c"}} {
		w = httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest(t, s, "POST", "/api/workflows/"+wfID+"/execute",
			map[string]any{"input": map[string]any{"x": tc.x}}))
		require.Equal(t, http.StatusOK, w.Code)

		var exec struct {
			Status         string                    `json:"status"`
			NodeExecutions map[string]map[string]any `json:"nodeExecutions"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&exec))
		assert.Equal(t, "completed", exec.Status)
		assert.Contains(t, exec.NodeExecutions, tc.node)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, s, "GET", "/api/workflows/"+wfID+"/executions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var execs []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&execs))
	assert.Len(t, execs, 3)
}

func TestCreateWorkflowWithoutStartRejected(t *testing.T) {
	s := newTestServer(t, nil)
	create := map[string]any{
		"name": "no start",
		"nodes": []map[string]any{
			{"id": "end", "type": "end", "config": map[string]any{}},
		},
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, authedRequest(t, s, "POST", "/api/workflows/", create))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowTemplatesListed(t *testing.T) {
	s := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, authedRequest(t, s, "GET", "/api/workflow-templates", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var templates []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&templates))
	assert.NotEmpty(t, templates)
}
