package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/taskforge/taskforge/internal/models"
)

// WorkflowStore owns workflow definitions and their execution history:
// one row per execution, updated in place as the execution advances.
type WorkflowStore struct {
	db *sql.DB
}

func NewWorkflowStore(db *sql.DB) *WorkflowStore { return &WorkflowStore{db: db} }

func (s *WorkflowStore) CreateWorkflow(w *models.WorkflowDefinition) error {
	inputsJSON, _ := json.Marshal(w.Inputs)
	nodesJSON, _ := json.Marshal(w.Nodes)
	edgesJSON, _ := json.Marshal(w.Edges)
	varsJSON, _ := json.Marshal(w.Variables)
	metaJSON, _ := json.Marshal(w.Metadata)
	_, err := s.db.Exec(`
		INSERT INTO workflows (id, user_id, name, version, inputs, nodes, edges, variables, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Name, w.Version, string(inputsJSON), string(nodesJSON), string(edgesJSON),
		string(varsJSON), string(metaJSON), w.CreatedAt.UTC().Format(time.RFC3339Nano), w.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func scanWorkflow(scan func(dest ...any) error) (*models.WorkflowDefinition, error) {
	var w models.WorkflowDefinition
	var inputsJSON, nodesJSON, edgesJSON, varsJSON, metaJSON, createdAt, updatedAt string
	if err := scan(&w.ID, &w.UserID, &w.Name, &w.Version, &inputsJSON, &nodesJSON, &edgesJSON,
		&varsJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(inputsJSON), &w.Inputs)
	json.Unmarshal([]byte(nodesJSON), &w.Nodes)
	json.Unmarshal([]byte(edgesJSON), &w.Edges)
	json.Unmarshal([]byte(varsJSON), &w.Variables)
	json.Unmarshal([]byte(metaJSON), &w.Metadata)
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &w, nil
}

func (s *WorkflowStore) GetWorkflow(id string) (*models.WorkflowDefinition, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, name, version, inputs, nodes, edges, variables, metadata, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return w, err
}

// ListWorkflows returns a user's workflow definitions newest-first.
// An empty userID lists across all users (used by the scheduler's
// job-dispatch path, which has no caller identity of its own).
func (s *WorkflowStore) ListWorkflows(userID string) ([]*models.WorkflowDefinition, error) {
	q := `SELECT id, user_id, name, version, inputs, nodes, edges, variables, metadata, created_at, updated_at FROM workflows`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WorkflowDefinition
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *WorkflowStore) UpdateWorkflow(w *models.WorkflowDefinition) error {
	inputsJSON, _ := json.Marshal(w.Inputs)
	nodesJSON, _ := json.Marshal(w.Nodes)
	edgesJSON, _ := json.Marshal(w.Edges)
	varsJSON, _ := json.Marshal(w.Variables)
	metaJSON, _ := json.Marshal(w.Metadata)
	res, err := s.db.Exec(`
		UPDATE workflows SET name=?, version=?, inputs=?, nodes=?, edges=?, variables=?, metadata=?, updated_at=?
		WHERE id=?`,
		w.Name, w.Version, string(inputsJSON), string(nodesJSON), string(edgesJSON), string(varsJSON),
		string(metaJSON), time.Now().UTC().Format(time.RFC3339Nano), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *WorkflowStore) DeleteWorkflow(id string) error {
	res, err := s.db.Exec(`DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveExecution upserts a WorkflowExecution row; the workflow engine
// calls this after every node transition, so unlike step_results this
// table is mutable per execution id rather than append-only.
func (s *WorkflowStore) SaveExecution(e *models.WorkflowExecution) error {
	inputJSON, _ := json.Marshal(e.Input)
	outputJSON, _ := json.Marshal(e.Output)
	varsJSON, _ := json.Marshal(e.Variables)
	nodeExecJSON, _ := json.Marshal(e.NodeExecutions)
	currentNodesJSON, _ := json.Marshal(e.CurrentNodes)
	var completedAt sql.NullString
	if e.CompletedAt != nil {
		completedAt = sql.NullString{String: e.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO workflow_executions (id, workflow_id, status, input, output, variables, node_executions, current_nodes, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, output=excluded.output, variables=excluded.variables,
			node_executions=excluded.node_executions, current_nodes=excluded.current_nodes,
			error=excluded.error, updated_at=excluded.updated_at, completed_at=excluded.completed_at`,
		e.ID, e.WorkflowID, e.Status, string(inputJSON), string(outputJSON), string(varsJSON),
		string(nodeExecJSON), string(currentNodesJSON), e.Error,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.UpdatedAt.UTC().Format(time.RFC3339Nano), completedAt)
	return err
}

func (s *WorkflowStore) GetExecution(id string) (*models.WorkflowExecution, error) {
	row := s.db.QueryRow(`
		SELECT id, workflow_id, status, input, output, variables, node_executions, current_nodes, error, created_at, updated_at, completed_at
		FROM workflow_executions WHERE id = ?`, id)
	return scanExecution(row.Scan)
}

func scanExecution(scan func(dest ...any) error) (*models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	var inputJSON, outputJSON, varsJSON, nodeExecJSON, currentNodesJSON string
	var createdAt, updatedAt string
	var completedAt sql.NullString
	if err := scan(&e.ID, &e.WorkflowID, &e.Status, &inputJSON, &outputJSON, &varsJSON, &nodeExecJSON,
		&currentNodesJSON, &e.Error, &createdAt, &updatedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	json.Unmarshal([]byte(inputJSON), &e.Input)
	if outputJSON != "" && outputJSON != "null" {
		json.Unmarshal([]byte(outputJSON), &e.Output)
	}
	json.Unmarshal([]byte(varsJSON), &e.Variables)
	json.Unmarshal([]byte(nodeExecJSON), &e.NodeExecutions)
	json.Unmarshal([]byte(currentNodesJSON), &e.CurrentNodes)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			e.CompletedAt = &ts
		}
	}
	return &e, nil
}

// ListExecutions returns a workflow's executions newest-first.
func (s *WorkflowStore) ListExecutions(workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, workflow_id, status, input, output, variables, node_executions, current_nodes, error, created_at, updated_at, completed_at
		FROM workflow_executions WHERE workflow_id = ? ORDER BY created_at DESC LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountWorkflows returns the number of stored workflow definitions.
func (s *WorkflowStore) CountWorkflows() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM workflows`).Scan(&n)
	return n, err
}
