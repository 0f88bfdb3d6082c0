package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type WorkflowRun struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Stages      json.RawMessage `json:"stages"`
	Tasks       json.RawMessage `json:"tasks,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// SaveWorkflowRun inserts a run record. Task payloads are encrypted at rest
// when the store has a vault.
func (s *Store) SaveWorkflowRun(run *WorkflowRun) error {
	tasks := []byte(run.Tasks)
	var nonce []byte
	if s.vault != nil && len(tasks) > 0 {
		var err error
		tasks, nonce, err = s.vault.Encrypt(tasks)
		if err != nil {
			return fmt.Errorf("encrypt tasks: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO workflow_runs (id, name, status, stages, tasks, tasks_nonce) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.Status, string(run.Stages), tasks, nonce,
	)
	if err != nil {
		return fmt.Errorf("insert workflow run: %w", err)
	}
	return nil
}

// UpdateWorkflowRun records the run's terminal status and results.
func (s *Store) UpdateWorkflowRun(id, status string, results []byte) error {
	_, err := s.db.Exec(
		`UPDATE workflow_runs SET status = ?, results = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, nullableString(results), id,
	)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowRun(id string) (*WorkflowRun, error) {
	row := s.db.QueryRow(
		`SELECT id, name, status, stages, tasks, tasks_nonce, results, started_at, completed_at
		 FROM workflow_runs WHERE id = ?`, id)

	run, err := s.scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *Store) ListWorkflowRuns(limit int) ([]WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, name, status, stages, tasks, tasks_nonce, results, started_at, completed_at
		 FROM workflow_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []WorkflowRun
	for rows.Next() {
		run, err := s.scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteWorkflowRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM workflow_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanWorkflowRun(row rowScanner) (*WorkflowRun, error) {
	var run WorkflowRun
	var tasks, nonce []byte
	var results sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.Name, &run.Status, (*rawJSON)(&run.Stages),
		&tasks, &nonce, &results, &run.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if len(nonce) > 0 {
		if s.vault == nil {
			return nil, fmt.Errorf("run %s has encrypted tasks but no passphrase is configured", run.ID)
		}
		tasks, err = s.vault.Decrypt(tasks, nonce)
		if err != nil {
			return nil, fmt.Errorf("decrypt tasks for run %s: %w", run.ID, err)
		}
	}
	run.Tasks = tasks

	if results.Valid {
		run.Results = json.RawMessage(results.String)
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// rawJSON scans a TEXT column into json.RawMessage.
type rawJSON json.RawMessage

func (r *rawJSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = nil
	case string:
		*r = rawJSON(v)
	case []byte:
		*r = append((*r)[:0], v...)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	return nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
