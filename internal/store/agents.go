package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Agent is the persisted form of a registered agent descriptor.
type Agent struct {
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	Goal           string    `json:"goal,omitempty"`
	CapabilityTags []string  `json:"capability_tags,omitempty"`
	Tools          []string  `json:"tools,omitempty"`
	MaxIterations  int       `json:"max_iterations,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s *Store) SaveAgent(a *Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (name, role, goal, capability_tags, tools, max_iterations)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			role = excluded.role,
			goal = excluded.goal,
			capability_tags = excluded.capability_tags,
			tools = excluded.tools,
			max_iterations = excluded.max_iterations,
			updated_at = CURRENT_TIMESTAMP`,
		a.Name, a.Role, a.Goal, joinList(a.CapabilityTags), joinList(a.Tools), a.MaxIterations)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(name string) (*Agent, error) {
	row := s.db.QueryRow(`
		SELECT name, role, goal, capability_tags, tools, max_iterations, created_at, updated_at
		FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`
		SELECT name, role, goal, capability_tags, tools, max_iterations, created_at, updated_at
		FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// DeleteAgentsNotIn removes rows for agents no longer present in the
// registry sync set.
func (s *Store) DeleteAgentsNotIn(names []string) error {
	if len(names) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents`)
		return err
	}
	placeholders := strings.Repeat("?,", len(names))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	_, err := s.db.Exec(`DELETE FROM agents WHERE name NOT IN (`+placeholders+`)`, args...)
	return err
}

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var goal, tags, tools *string
	err := scanner.Scan(&a.Name, &a.Role, &goal, &tags, &tools, &a.MaxIterations, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if goal != nil {
		a.Goal = *goal
	}
	if tags != nil {
		a.CapabilityTags = splitList(*tags)
	}
	if tools != nil {
		a.Tools = splitList(*tools)
	}
	return a, nil
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
