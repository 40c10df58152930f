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

func newSchedulerStore(t *testing.T) *SchedulerStore {
	t.Helper()
	conn, err := db.Open(t.TempDir()+"/scheduler.db", migrations.Scheduler())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSchedulerStore(conn)
}

func sampleJob(id string, enabled bool) *models.ScheduledJob {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.ScheduledJob{
		ID:       id,
		Name:     "job " + id,
		Schedule: models.Schedule{Kind: models.ScheduleCron, Expr: "*/5 * * * *"},
		Config:   models.JobConfig{Kind: models.JobWebhook, URL: "http://example.com"},
		Enabled:  enabled,
		Tags:     []string{"nightly"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := newSchedulerStore(t)
	job := sampleJob("j1", true)
	require.NoError(t, s.CreateJob(job))

	got, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, job.Schedule, got.Schedule)
	assert.Equal(t, job.Config.URL, got.Config.URL)
	assert.Equal(t, job.Tags, got.Tags)
	assert.True(t, got.Enabled)
}

func TestListJobsEnabledFilter(t *testing.T) {
	s := newSchedulerStore(t)
	require.NoError(t, s.CreateJob(sampleJob("j1", true)))
	require.NoError(t, s.CreateJob(sampleJob("j2", false)))

	enabled := true
	jobs, err := s.ListJobs(JobFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
}

func TestUpdateJobStampsUpdatedAt(t *testing.T) {
	s := newSchedulerStore(t)
	job := sampleJob("j1", true)
	require.NoError(t, s.CreateJob(job))

	job.Name = "renamed"
	require.NoError(t, s.UpdateJob(job))

	got, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.True(t, got.UpdatedAt.After(job.CreatedAt) || got.UpdatedAt.Equal(job.CreatedAt))
}

func TestEnableDisableDelete(t *testing.T) {
	s := newSchedulerStore(t)
	require.NoError(t, s.CreateJob(sampleJob("j1", true)))

	require.NoError(t, s.DisableJob("j1"))
	got, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, s.EnableJob("j1"))
	got, err = s.GetJob("j1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	require.NoError(t, s.DeleteJob("j1"))
	_, err = s.GetJob("j1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteJob("j1"), ErrNotFound)
}

// A terminal execution row carries completedAt and a duration equal to
// completedAt - startedAt.
func TestExecutionLifecycleFields(t *testing.T) {
	s := newSchedulerStore(t)
	require.NoError(t, s.CreateJob(sampleJob("j1", true)))

	scheduled := time.Now().UTC().Truncate(time.Millisecond)
	exec := &models.JobExecution{ID: "e1", JobID: "j1", Status: models.ExecPending, ScheduledAt: scheduled}
	require.NoError(t, s.InsertExecution(exec))

	started := scheduled.Add(time.Second)
	completed := started.Add(3 * time.Second)
	duration := completed.Sub(started)
	exec.Status = models.ExecCompleted
	exec.StartedAt = &started
	exec.CompletedAt = &completed
	exec.Duration = &duration
	exec.Result = map[string]any{"status": float64(200)}
	require.NoError(t, s.UpdateExecution(exec))

	execs, err := s.ListExecutions(ExecutionFilter{JobID: "j1"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	got := execs[0]
	assert.Equal(t, models.ExecCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Duration)
	assert.Equal(t, duration, *got.Duration)
	assert.Equal(t, got.CompletedAt.Sub(*got.StartedAt), *got.Duration)
}

func TestListExecutionsStatusFilter(t *testing.T) {
	s := newSchedulerStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.InsertExecution(&models.JobExecution{ID: "e1", JobID: "j1", Status: models.ExecFailed, ScheduledAt: now}))
	require.NoError(t, s.InsertExecution(&models.JobExecution{ID: "e2", JobID: "j1", Status: models.ExecCompleted, ScheduledAt: now}))

	failed, err := s.ListExecutions(ExecutionFilter{Status: models.ExecFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "e1", failed[0].ID)
}

func TestCounts(t *testing.T) {
	s := newSchedulerStore(t)
	require.NoError(t, s.CreateJob(sampleJob("j1", true)))
	require.NoError(t, s.CreateJob(sampleJob("j2", false)))
	require.NoError(t, s.InsertExecution(&models.JobExecution{
		ID: "e1", JobID: "j1", Status: models.ExecCompleted, ScheduledAt: time.Now().UTC(),
	}))

	total, enabled, err := s.CountJobs()
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, enabled)

	n, err := s.CountExecutionsSince(time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
