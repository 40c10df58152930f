package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/db"
	"github.com/taskforge/taskforge/internal/models"
	"github.com/taskforge/taskforge/migrations"
)

func newCoreStore(t *testing.T) *CoreStore {
	t.Helper()
	conn, err := db.Open(t.TempDir()+"/core.db", migrations.Core())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewCoreStore(conn)
}

func sampleTask(id, userID string) *models.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Task{
		ID:          id,
		UserID:      userID,
		Goal:        "research something",
		Context:     map[string]any{"lang": "en"},
		Constraints: []string{"budget<10"},
		Priority:    models.PriorityNormal,
		Status:      models.TaskStatus{Phase: models.PhasePlanning},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := newCoreStore(t)
	task := sampleTask("t1", "u1")
	deadline := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	task.Deadline = &deadline
	require.NoError(t, s.SaveTask(task))

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.UserID, got.UserID)
	assert.Equal(t, task.Goal, got.Goal)
	assert.Equal(t, task.Context, got.Context)
	assert.Equal(t, task.Constraints, got.Constraints)
	assert.Equal(t, task.Priority, got.Priority)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(deadline))
	assert.True(t, got.CreatedAt.Equal(task.CreatedAt))
}

func TestGetTaskMissingReturnsNotFound(t *testing.T) {
	s := newCoreStore(t)
	_, err := s.GetTask("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// A task in a terminal phase reads back identically across calls.
func TestTerminalTaskReadsAreStable(t *testing.T) {
	s := newCoreStore(t)
	require.NoError(t, s.SaveTask(sampleTask("t1", "u1")))
	require.NoError(t, s.UpdateTaskStatus("t1", models.PhaseCompleted, 1, ""))

	first, err := s.GetTask("t1")
	require.NoError(t, err)
	second, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestListTasksByUserNewestFirstWithPhaseFilter(t *testing.T) {
	s := newCoreStore(t)
	for i, id := range []string{"t1", "t2", "t3"} {
		task := sampleTask(id, "u1")
		task.CreatedAt = task.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.SaveTask(task))
	}
	require.NoError(t, s.SaveTask(sampleTask("other", "u2")))
	require.NoError(t, s.UpdateTaskStatus("t2", models.PhaseCompleted, 1, ""))

	all, err := s.ListTasksByUser("u1", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t3", all[0].ID)
	assert.Equal(t, "t1", all[2].ID)

	completed, err := s.ListTasksByUser("u1", models.PhaseCompleted, 0, 0)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "t2", completed[0].ID)
}

func TestGetPlanReturnsHighestVersion(t *testing.T) {
	s := newCoreStore(t)
	now := time.Now().UTC()
	for v := 1; v <= 3; v++ {
		require.NoError(t, s.SavePlan(&models.ExecutionPlan{
			ID: "p" + string(rune('0'+v)), TaskID: "t1", Version: v,
			Steps:         []models.PlanStep{{ID: "s1", AgentID: "a"}},
			ErrorHandling: models.ErrorHandling{Default: models.ErrorHandlingAbort},
			CreatedAt:     now,
		}))
	}
	plan, err := s.GetPlan("t1")
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Version)
	assert.Equal(t, models.ErrorHandlingAbort, plan.ErrorHandling.Default)
}

func TestStepResultsPreserveInsertionOrder(t *testing.T) {
	s := newCoreStore(t)
	now := time.Now().UTC()
	for _, stepID := range []string{"s3", "s1", "s2"} {
		require.NoError(t, s.SaveStepResult("t1", &models.StepResult{
			StepID: stepID, Status: models.StepSuccess,
			Output:    map[string]any{"summary": stepID},
			StartedAt: now, CompletedAt: now.Add(time.Second), Duration: time.Second,
		}))
	}
	results, err := s.GetStepResults("t1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "s3", results[0].StepID)
	assert.Equal(t, "s1", results[1].StepID)
	assert.Equal(t, "s2", results[2].StepID)
	assert.False(t, results[0].StartedAt.After(results[0].CompletedAt))
}

func TestCountTasksByPhase(t *testing.T) {
	s := newCoreStore(t)
	require.NoError(t, s.SaveTask(sampleTask("t1", "u1")))
	require.NoError(t, s.SaveTask(sampleTask("t2", "u1")))
	require.NoError(t, s.UpdateTaskStatus("t2", models.PhaseFailed, 0.5, "boom"))

	counts, err := s.CountTasksByPhase()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.PhasePlanning])
	assert.Equal(t, 1, counts[models.PhaseFailed])
}
