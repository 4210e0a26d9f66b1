package store

import (
	"database/sql"
	"fmt"
	"time"
)

// RecurringInvocation is a scheduled task submission: every time its
// schedule fires, the coordinator runs the configured task through the
// named topology.
type RecurringInvocation struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Topology   string     `json:"topology"`
	Schedule   string     `json:"schedule"`
	Task       string     `json:"task"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanRecurring(scanner interface {
	Scan(dest ...any) error
}) (*RecurringInvocation, error) {
	r := &RecurringInvocation{}
	var lastStatus, lastError *string
	err := scanner.Scan(&r.ID, &r.Name, &r.Topology, &r.Schedule, &r.Task, &r.Status,
		&r.NextRunAt, &r.LastRunAt, &lastStatus, &lastError, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		r.LastStatus = *lastStatus
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	return r, nil
}

const recurringColumns = `id, name, topology, schedule, task, status, next_run_at, last_run_at, last_status, last_error, created_at`

func (s *Store) SaveRecurring(r *RecurringInvocation) error {
	_, err := s.db.Exec(`
		INSERT INTO recurring (id, name, topology, schedule, task, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			topology = excluded.topology,
			schedule = excluded.schedule,
			task = excluded.task,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		r.ID, r.Name, r.Topology, r.Schedule, r.Task, r.Status, r.NextRunAt)
	if err != nil {
		return fmt.Errorf("save recurring invocation: %w", err)
	}
	return nil
}

func (s *Store) GetRecurring(id string) (*RecurringInvocation, error) {
	row := s.db.QueryRow(`SELECT `+recurringColumns+` FROM recurring WHERE id = ?`, id)
	r, err := scanRecurring(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recurring invocation: %w", err)
	}
	return r, nil
}

func (s *Store) ListRecurring() ([]RecurringInvocation, error) {
	rows, err := s.db.Query(`SELECT ` + recurringColumns + ` FROM recurring ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list recurring invocations: %w", err)
	}
	defer rows.Close()

	var out []RecurringInvocation
	for rows.Next() {
		r, err := scanRecurring(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring invocation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) GetDueRecurring(now time.Time) ([]RecurringInvocation, error) {
	rows, err := s.db.Query(`
		SELECT `+recurringColumns+`
		FROM recurring
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due recurring invocations: %w", err)
	}
	defer rows.Close()

	var out []RecurringInvocation
	for rows.Next() {
		r, err := scanRecurring(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring invocation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRecurringRun(id, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE recurring
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateRecurringStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE recurring SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteRecurring(id string) error {
	_, err := s.db.Exec(`DELETE FROM recurring WHERE id = ?`, id)
	return err
}
