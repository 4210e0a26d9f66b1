package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint records the pipeline state after a stage committed, so a
// run can be resumed without re-executing completed stages.
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	Stage     int             `json:"stage"`
	StageName string          `json:"stage_name"`
	State     json.RawMessage `json:"state"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (run_id, stage, stage_name, state, result)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage) DO UPDATE SET
			stage_name = excluded.stage_name,
			state = excluded.state,
			result = excluded.result`,
		cp.RunID, cp.Stage, cp.StageName, string(cp.State), string(cp.Result))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the highest-stage checkpoint for a run, or
// nil when none exists.
func (s *Store) LatestCheckpoint(runID string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT run_id, stage, stage_name, state, result, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY stage DESC LIMIT 1`, runID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(runID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT run_id, stage, stage_name, state, result, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY stage`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, *cp)
	}
	return cps, rows.Err()
}

func (s *Store) DeleteCheckpoints(runID string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE run_id = ?`, runID)
	return err
}

func scanCheckpoint(scanner interface {
	Scan(dest ...any) error
}) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var stateJSON, resultJSON string
	err := scanner.Scan(&cp.RunID, &cp.Stage, &cp.StageName, &stateJSON, &resultJSON, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.State = json.RawMessage(stateJSON)
	cp.Result = json.RawMessage(resultJSON)
	return cp, nil
}
