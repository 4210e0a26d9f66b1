package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Secret is an encrypted credential (oracle API key, tool token)
// referenced from agent definitions as secret:name. Value and Nonce
// are ciphertext produced by the vault.
type Secret struct {
	Name      string    `json:"name"`
	Value     []byte    `json:"-"`
	Nonce     []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SaveSecret(sec *Secret) error {
	_, err := s.db.Exec(`
		INSERT INTO secrets (name, value, nonce)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			nonce = excluded.nonce,
			updated_at = CURRENT_TIMESTAMP`,
		sec.Name, sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecret(name string) (*Secret, error) {
	row := s.db.QueryRow(`
		SELECT name, value, nonce, created_at, updated_at
		FROM secrets WHERE name = ?`, name)
	sec := &Secret{}
	err := row.Scan(&sec.Name, &sec.Value, &sec.Nonce, &sec.CreatedAt, &sec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return sec, nil
}

func (s *Store) ListSecretNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *Store) DeleteSecret(name string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE name = ?`, name)
	return err
}
