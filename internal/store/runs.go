package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run is the persisted record of one task invocation: the result
// surface callers query by task id.
type Run struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	ParentTask   string          `json:"parent_task,omitempty"`
	Topology     string          `json:"topology"`
	Task         string          `json:"task"`
	Status       string          `json:"status"`
	OutputKey    string          `json:"output_key,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	BranchErrors json.RawMessage `json:"branch_errors,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

const runColumns = `id, task_id, parent_task, topology, task, status, output_key, payload, branch_errors, started_at, completed_at`

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*Run, error) {
	r := &Run{}
	var parent, outputKey, payload, branchErrors *string
	err := scanner.Scan(&r.ID, &r.TaskID, &parent, &r.Topology, &r.Task, &r.Status,
		&outputKey, &payload, &branchErrors, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		r.ParentTask = *parent
	}
	if outputKey != nil {
		r.OutputKey = *outputKey
	}
	if payload != nil {
		r.Payload = json.RawMessage(*payload)
	}
	if branchErrors != nil {
		r.BranchErrors = json.RawMessage(*branchErrors)
	}
	return r, nil
}

func (s *Store) SaveRun(r *Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, task_id, parent_task, topology, task, status, output_key, payload, branch_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			output_key = excluded.output_key,
			payload = excluded.payload,
			branch_errors = excluded.branch_errors,
			completed_at = CASE WHEN excluded.status IN ('success', 'partial', 'error', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.TaskID, r.ParentTask, r.Topology, r.Task, r.Status, r.OutputKey, r.Payload, r.BranchErrors)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// GetRunByTask returns the most recent run for a task id.
func (s *Store) GetRunByTask(taskID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY started_at DESC LIMIT 1`, taskID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run by task: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns() ([]Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateRun(id, status, outputKey string, payload, branchErrors json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, output_key = ?, payload = ?, branch_errors = ?,
		    completed_at = CASE WHEN ? IN ('success', 'partial', 'error', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, outputKey, payload, branchErrors, status, id)
	return err
}

func (s *Store) DeleteRun(id string) error {
	if _, err := s.db.Exec(`DELETE FROM checkpoints WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete run checkpoints: %w", err)
	}
	_, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	return err
}
