package store

import (
	"database/sql"
	"fmt"
	"time"
)

type ScheduledWorkflow struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Definition string     `json:"definition"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (s *Store) SaveScheduledWorkflow(w *ScheduledWorkflow) error {
	if w.Status == "" {
		w.Status = "active"
	}
	_, err := s.db.Exec(
		`INSERT INTO scheduled_workflows (id, name, schedule, definition, status, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, schedule = excluded.schedule,
		   definition = excluded.definition, status = excluded.status,
		   next_run_at = excluded.next_run_at`,
		w.ID, w.Name, w.Schedule, w.Definition, w.Status, w.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("save scheduled workflow: %w", err)
	}
	return nil
}

// GetDueWorkflows returns active schedules whose next run is at or before now.
func (s *Store) GetDueWorkflows(now time.Time) ([]ScheduledWorkflow, error) {
	rows, err := s.db.Query(
		`SELECT id, name, schedule, definition, status, next_run_at, last_run_at,
		        last_status, last_error, created_at
		 FROM scheduled_workflows
		 WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("query due workflows: %w", err)
	}
	defer rows.Close()
	return scanScheduledWorkflows(rows)
}

func (s *Store) ListScheduledWorkflows() ([]ScheduledWorkflow, error) {
	rows, err := s.db.Query(
		`SELECT id, name, schedule, definition, status, next_run_at, last_run_at,
		        last_status, last_error, created_at
		 FROM scheduled_workflows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled workflows: %w", err)
	}
	defer rows.Close()
	return scanScheduledWorkflows(rows)
}

func (s *Store) GetScheduledWorkflow(id string) (*ScheduledWorkflow, error) {
	row := s.db.QueryRow(
		`SELECT id, name, schedule, definition, status, next_run_at, last_run_at,
		        last_status, last_error, created_at
		 FROM scheduled_workflows WHERE id = ?`, id)

	w, err := scanScheduledWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// UpdateScheduledRun records the outcome of one scheduled execution and the
// next due time; a nil next run leaves the schedule with nothing to fire.
func (s *Store) UpdateScheduledRun(id, lastStatus, lastError string, nextRun *time.Time) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_workflows
		 SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		 WHERE id = ?`,
		lastStatus, lastError, nextRun, id,
	)
	if err != nil {
		return fmt.Errorf("update scheduled run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduledStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_workflows SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update scheduled status: %w", err)
	}
	return nil
}

func (s *Store) DeleteScheduledWorkflow(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled workflow: %w", err)
	}
	return nil
}

func scanScheduledWorkflows(rows *sql.Rows) ([]ScheduledWorkflow, error) {
	var out []ScheduledWorkflow
	for rows.Next() {
		w, err := scanScheduledWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanScheduledWorkflow(row rowScanner) (*ScheduledWorkflow, error) {
	var w ScheduledWorkflow
	var nextRun, lastRun sql.NullTime
	var lastStatus, lastError sql.NullString

	err := row.Scan(&w.ID, &w.Name, &w.Schedule, &w.Definition, &w.Status,
		&nextRun, &lastRun, &lastStatus, &lastError, &w.CreatedAt)
	if err != nil {
		return nil, err
	}

	if nextRun.Valid {
		w.NextRunAt = &nextRun.Time
	}
	if lastRun.Valid {
		w.LastRunAt = &lastRun.Time
	}
	w.LastStatus = lastStatus.String
	w.LastError = lastError.String
	return &w, nil
}
