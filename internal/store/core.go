// Package store is the persistence façade: three sqlite-backed
// stores (core, scheduler, workflow) written as raw SQL with JSON
// columns for the free-form fields, no ORM.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/models"
)

// CoreStore owns tasks, plans, step results and error logs.
type CoreStore struct {
	db *sql.DB
}

func NewCoreStore(db *sql.DB) *CoreStore { return &CoreStore{db: db} }

func (s *CoreStore) SaveTask(t *models.Task) error {
	ctxJSON, _ := json.Marshal(t.Context)
	constraintsJSON, _ := json.Marshal(t.Constraints)
	var deadline sql.NullString
	if t.Deadline != nil {
		deadline = sql.NullString{String: t.Deadline.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, user_id, goal, context, constraints, priority, deadline, phase, progress, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			context=excluded.context, constraints=excluded.constraints, priority=excluded.priority,
			deadline=excluded.deadline, phase=excluded.phase, progress=excluded.progress,
			error=excluded.error, updated_at=excluded.updated_at`,
		t.ID, t.UserID, t.Goal, string(ctxJSON), string(constraintsJSON), t.Priority, deadline,
		t.Status.Phase, t.Status.Progress, t.Error,
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *CoreStore) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT id, user_id, goal, context, constraints, priority, deadline, phase, progress, error, created_at, updated_at FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*models.Task, error) {
	var t models.Task
	var ctxJSON, constraintsJSON string
	var deadline, createdAt, updatedAt string
	var errStr sql.NullString
	var deadlineN sql.NullString
	if err := row.Scan(&t.ID, &t.UserID, &t.Goal, &ctxJSON, &constraintsJSON, &t.Priority, &deadlineN,
		&t.Status.Phase, &t.Status.Progress, &errStr, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = deadline
	json.Unmarshal([]byte(ctxJSON), &t.Context)
	json.Unmarshal([]byte(constraintsJSON), &t.Constraints)
	if errStr.Valid {
		t.Error = errStr.String
	}
	if deadlineN.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, deadlineN.String); err == nil {
			t.Deadline = &ts
		}
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

// UpdateTaskStatus mutates only the phase/progress/error/updatedAt
// columns and leaves every other column of the task untouched.
func (s *CoreStore) UpdateTaskStatus(id string, phase models.Phase, progress float64, errMsg string) error {
	res, err := s.db.Exec(`UPDATE tasks SET phase=?, progress=?, error=?, updated_at=? WHERE id=?`,
		phase, progress, errMsg, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasksByUser returns a user's tasks newest-first, optionally
// narrowed to one lifecycle phase.
func (s *CoreStore) ListTasksByUser(userID string, phase models.Phase, limit, offset int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, user_id, goal, context, constraints, priority, deadline, phase, progress, error, created_at, updated_at
		FROM tasks WHERE user_id = ?`
	args := []any{userID}
	if phase != "" {
		q += ` AND phase = ?`
		args = append(args, phase)
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		var t models.Task
		var ctxJSON, constraintsJSON string
		var deadlineN, errStr sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Goal, &ctxJSON, &constraintsJSON, &t.Priority, &deadlineN,
			&t.Status.Phase, &t.Status.Progress, &errStr, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(ctxJSON), &t.Context)
		json.Unmarshal([]byte(constraintsJSON), &t.Constraints)
		if errStr.Valid {
			t.Error = errStr.String
		}
		if deadlineN.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, deadlineN.String); err == nil {
				t.Deadline = &ts
			}
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *CoreStore) SavePlan(p *models.ExecutionPlan) error {
	stepsJSON, _ := json.Marshal(p.Steps)
	ehJSON, _ := json.Marshal(p.ErrorHandling)
	estJSON, _ := json.Marshal(p.Estimates)
	_, err := s.db.Exec(`
		INSERT INTO plans (id, task_id, version, steps, dependencies, error_handling, estimates, created_at)
		VALUES (?, ?, ?, ?, '[]', ?, ?, ?)`,
		p.ID, p.TaskID, p.Version, string(stepsJSON), string(ehJSON), string(estJSON),
		p.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// GetPlan returns the highest-version plan persisted for a task.
func (s *CoreStore) GetPlan(taskID string) (*models.ExecutionPlan, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, version, steps, error_handling, estimates, created_at
		FROM plans WHERE task_id = ? ORDER BY version DESC LIMIT 1`, taskID)
	var p models.ExecutionPlan
	var stepsJSON, ehJSON, estJSON, createdAt string
	if err := row.Scan(&p.ID, &p.TaskID, &p.Version, &stepsJSON, &ehJSON, &estJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	json.Unmarshal([]byte(stepsJSON), &p.Steps)
	json.Unmarshal([]byte(ehJSON), &p.ErrorHandling)
	json.Unmarshal([]byte(estJSON), &p.Estimates)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &p, nil
}

// SaveStepResult is append-only: every call inserts a new row, ordered
// by an auto-incrementing seq so GetStepResults preserves insertion
// order.
func (s *CoreStore) SaveStepResult(taskID string, r *models.StepResult) error {
	outputJSON, _ := json.Marshal(r.Output)
	var errJSON []byte
	if r.Error != nil {
		errJSON, _ = json.Marshal(r.Error)
	}
	logsJSON, _ := json.Marshal(r.Logs)
	toolCallsJSON, _ := json.Marshal(r.ToolCalls)

	var maxSeq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM step_results WHERE task_id = ?`, taskID).Scan(&maxSeq); err != nil {
		return err
	}
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	_, err := s.db.Exec(`
		INSERT INTO step_results (id, task_id, step_id, status, output, error, started_at, completed_at, duration_ms, cost, logs, tool_calls, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), taskID, r.StepID, r.Status, string(outputJSON), string(errJSON),
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.CompletedAt.UTC().Format(time.RFC3339Nano),
		r.Duration.Milliseconds(), r.Cost, string(logsJSON), string(toolCallsJSON), seq)
	return err
}

// GetStepResults returns a task's step results in insertion order.
func (s *CoreStore) GetStepResults(taskID string) ([]*models.StepResult, error) {
	rows, err := s.db.Query(`
		SELECT step_id, status, output, error, started_at, completed_at, duration_ms, cost, logs, tool_calls
		FROM step_results WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StepResult
	for rows.Next() {
		r := &models.StepResult{TaskID: taskID}
		var outputJSON, logsJSON, toolCallsJSON string
		var errJSON sql.NullString
		var startedAt, completedAt string
		var durationMS int64
		if err := rows.Scan(&r.StepID, &r.Status, &outputJSON, &errJSON, &startedAt, &completedAt,
			&durationMS, &r.Cost, &logsJSON, &toolCallsJSON); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(outputJSON), &r.Output)
		if errJSON.Valid && errJSON.String != "" {
			var se models.StepError
			json.Unmarshal([]byte(errJSON.String), &se)
			r.Error = &se
		}
		json.Unmarshal([]byte(logsJSON), &r.Logs)
		json.Unmarshal([]byte(toolCallsJSON), &r.ToolCalls)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		r.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogError records an unstructured failure against a task.
func (s *CoreStore) LogError(taskID, message, stack string) error {
	_, err := s.db.Exec(`INSERT INTO error_logs (id, task_id, message, stack, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), taskID, message, stack, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// CountTasksByPhase returns the number of tasks in each lifecycle
// phase, for the stats endpoint.
func (s *CoreStore) CountTasksByPhase() (map[models.Phase]int, error) {
	rows, err := s.db.Query(`SELECT phase, COUNT(*) FROM tasks GROUP BY phase`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.Phase]int)
	for rows.Next() {
		var phase models.Phase
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, err
		}
		out[phase] = n
	}
	return out, rows.Err()
}

// ErrNotFound is returned by single-row lookups that miss.
var ErrNotFound = fmt.Errorf("not found")
