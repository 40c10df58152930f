package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/taskforge/taskforge/internal/models"
)

// SchedulerStore owns scheduled jobs and their executions.
type SchedulerStore struct {
	db *sql.DB
}

func NewSchedulerStore(db *sql.DB) *SchedulerStore { return &SchedulerStore{db: db} }

func (s *SchedulerStore) CreateJob(j *models.ScheduledJob) error {
	schedJSON, _ := json.Marshal(j.Schedule)
	cfgJSON, _ := json.Marshal(j.Config)
	tagsJSON, _ := json.Marshal(j.Tags)
	metaJSON, _ := json.Marshal(j.Metadata)
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, name, description, schedule, config, enabled, retries, retry_delay_ms, timeout_ms, tags, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Description, string(schedJSON), string(cfgJSON), j.Enabled, j.Retries,
		j.RetryDelayMS, j.TimeoutMS, string(tagsJSON), string(metaJSON),
		j.CreatedAt.UTC().Format(time.RFC3339Nano), j.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func scanJob(scan func(dest ...any) error) (*models.ScheduledJob, error) {
	var j models.ScheduledJob
	var schedJSON, cfgJSON, tagsJSON, metaJSON, createdAt, updatedAt string
	if err := scan(&j.ID, &j.Name, &j.Description, &schedJSON, &cfgJSON, &j.Enabled, &j.Retries,
		&j.RetryDelayMS, &j.TimeoutMS, &tagsJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(schedJSON), &j.Schedule)
	json.Unmarshal([]byte(cfgJSON), &j.Config)
	json.Unmarshal([]byte(tagsJSON), &j.Tags)
	json.Unmarshal([]byte(metaJSON), &j.Metadata)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &j, nil
}

func (s *SchedulerStore) GetJob(id string) (*models.ScheduledJob, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, schedule, config, enabled, retries, retry_delay_ms, timeout_ms, tags, metadata, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

// JobFilter narrows ListJobs; zero values mean "no filter".
type JobFilter struct {
	Enabled *bool
	Tag     string
}

// ListJobs returns jobs matching filter, newest-first.
func (s *SchedulerStore) ListJobs(filter JobFilter) ([]*models.ScheduledJob, error) {
	q := `SELECT id, name, description, schedule, config, enabled, retries, retry_delay_ms, timeout_ms, tags, metadata, created_at, updated_at FROM jobs WHERE 1=1`
	var args []any
	if filter.Enabled != nil {
		q += ` AND enabled = ?`
		args = append(args, *filter.Enabled)
	}
	if filter.Tag != "" {
		q += ` AND tags LIKE ?`
		args = append(args, "%\""+filter.Tag+"\"%")
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SchedulerStore) UpdateJob(j *models.ScheduledJob) error {
	schedJSON, _ := json.Marshal(j.Schedule)
	cfgJSON, _ := json.Marshal(j.Config)
	tagsJSON, _ := json.Marshal(j.Tags)
	metaJSON, _ := json.Marshal(j.Metadata)
	res, err := s.db.Exec(`
		UPDATE jobs SET name=?, description=?, schedule=?, config=?, enabled=?, retries=?, retry_delay_ms=?,
			timeout_ms=?, tags=?, metadata=?, updated_at=? WHERE id=?`,
		j.Name, j.Description, string(schedJSON), string(cfgJSON), j.Enabled, j.Retries, j.RetryDelayMS,
		j.TimeoutMS, string(tagsJSON), string(metaJSON), time.Now().UTC().Format(time.RFC3339Nano), j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SchedulerStore) DeleteJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SchedulerStore) setEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE jobs SET enabled=?, updated_at=? WHERE id=?`,
		enabled, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SchedulerStore) EnableJob(id string) error  { return s.setEnabled(id, true) }
func (s *SchedulerStore) DisableJob(id string) error { return s.setEnabled(id, false) }

func (s *SchedulerStore) InsertExecution(e *models.JobExecution) error {
	resultJSON, _ := json.Marshal(e.Result)
	var startedAt, completedAt sql.NullString
	if e.StartedAt != nil {
		startedAt = sql.NullString{String: e.StartedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if e.CompletedAt != nil {
		completedAt = sql.NullString{String: e.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	var durationMS sql.NullInt64
	if e.Duration != nil {
		durationMS = sql.NullInt64{Int64: e.Duration.Milliseconds(), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO executions (id, job_id, status, scheduled_at, started_at, completed_at, result, error, retry_count, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.Status, e.ScheduledAt.UTC().Format(time.RFC3339Nano), startedAt, completedAt,
		string(resultJSON), e.Error, e.RetryCount, durationMS)
	return err
}

func (s *SchedulerStore) UpdateExecution(e *models.JobExecution) error {
	resultJSON, _ := json.Marshal(e.Result)
	var startedAt, completedAt sql.NullString
	if e.StartedAt != nil {
		startedAt = sql.NullString{String: e.StartedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if e.CompletedAt != nil {
		completedAt = sql.NullString{String: e.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	var durationMS sql.NullInt64
	if e.Duration != nil {
		durationMS = sql.NullInt64{Int64: e.Duration.Milliseconds(), Valid: true}
	}
	res, err := s.db.Exec(`
		UPDATE executions SET status=?, started_at=?, completed_at=?, result=?, error=?, retry_count=?, duration_ms=?
		WHERE id=?`,
		e.Status, startedAt, completedAt, string(resultJSON), e.Error, e.RetryCount, durationMS, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	JobID  string
	Status models.JobExecutionStatus
	Limit  int
}

func (s *SchedulerStore) ListExecutions(filter ExecutionFilter) ([]*models.JobExecution, error) {
	q := `SELECT id, job_id, status, scheduled_at, started_at, completed_at, result, error, retry_count, duration_ms FROM executions WHERE 1=1`
	var args []any
	if filter.JobID != "" {
		q += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	q += ` ORDER BY scheduled_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.JobExecution
	for rows.Next() {
		var e models.JobExecution
		var scheduledAt string
		var startedAt, completedAt sql.NullString
		var resultJSON string
		var durationMS sql.NullInt64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Status, &scheduledAt, &startedAt, &completedAt,
			&resultJSON, &e.Error, &e.RetryCount, &durationMS); err != nil {
			return nil, err
		}
		e.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
		if startedAt.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
				e.StartedAt = &ts
			}
		}
		if completedAt.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
				e.CompletedAt = &ts
			}
		}
		if resultJSON != "" && resultJSON != "null" {
			json.Unmarshal([]byte(resultJSON), &e.Result)
		}
		if durationMS.Valid {
			d := time.Duration(durationMS.Int64) * time.Millisecond
			e.Duration = &d
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountJobs returns the total and enabled job counts.
func (s *SchedulerStore) CountJobs() (total, enabled int, err error) {
	err = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(enabled), 0) FROM jobs`).Scan(&total, &enabled)
	return total, enabled, err
}

// CountExecutionsSince counts executions scheduled at or after t.
func (s *SchedulerStore) CountExecutionsSince(t time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE scheduled_at >= ?`,
		t.UTC().Format(time.RFC3339Nano)).Scan(&n)
	return n, err
}
