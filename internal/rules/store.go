package rules

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"grimm.is/ferric/internal/ferr"
)

// Store persists rules in the shared service database. Rules are kept in an
// explicit position order; the engine always evaluates them in that order.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-open database. The rules table is created by the
// node cache schema, which owns the shared database file.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Add validates and appends a rule after the currently stored ones. The
// generated rule ID is returned on the stored copy.
func (s *Store) Add(rule Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, ferr.Validation("invalid rule: %v", err)
	}

	spec, err := json.Marshal(rule)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule: %w", err)
	}

	rule.ID = uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO rules (uuid, position, description, spec)
		 VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM rules), ?, ?)`,
		rule.ID, rule.Description, string(spec),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store rule: %w", err)
	}
	return &rule, nil
}

// Get returns one rule by ID.
func (s *Store) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`SELECT uuid, spec FROM rules WHERE uuid = ?`, id)
	return scanRule(row)
}

// List returns all rules in evaluation order.
func (s *Store) List() ([]Rule, error) {
	rows, err := s.db.Query(`SELECT uuid, spec FROM rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// Delete removes one rule.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM rules WHERE uuid = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferr.NotFound("no rule %s", id)
	}
	return nil
}

// Replace atomically swaps the full rule set for the given one, preserving
// the slice order as evaluation order. All rules are validated first; a
// validation failure leaves the stored set untouched.
func (s *Store) Replace(rules []Rule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return ferr.Validation("rule %d: %v", i, err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM rules`); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}
	for i, r := range rules {
		spec, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode rule %d: %w", i, err)
		}
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.Exec(
			`INSERT INTO rules (uuid, position, description, spec) VALUES (?, ?, ?, ?)`,
			id, i+1, r.Description, string(spec),
		)
		if err != nil {
			return fmt.Errorf("failed to store rule %d: %w", i, err)
		}
	}
	return tx.Commit()
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (*Rule, error) {
	var id, spec string
	if err := row.Scan(&id, &spec); err != nil {
		if err == sql.ErrNoRows {
			return nil, ferr.NotFound("no such rule")
		}
		return nil, fmt.Errorf("failed to read rule: %w", err)
	}
	var rule Rule
	if err := json.Unmarshal([]byte(spec), &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s: %w", id, err)
	}
	rule.ID = id
	return &rule, nil
}
