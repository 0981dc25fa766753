package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys
const uniqueViolation = "23505"

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
// Conditions, actions, triggers and schedule are stored as one JSONB definition.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// ruleDefinition is the JSONB payload of a stored rule
type ruleDefinition struct {
	Conditions    []Condition    `json:"conditions"`
	Actions       []Action       `json:"actions"`
	TriggerEvents []TriggerEvent `json:"triggerEvents"`
	Schedule      *Schedule      `json:"schedule,omitempty"`
}

const selectRuleColumns = `SELECT id, name, description, enabled, priority, definition, created_at, updated_at FROM automation_rules`

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(rule *Rule) error {
	def, err := marshalDefinition(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO automation_rules (id, name, description, enabled, priority, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rule.ID, rule.Name, rule.Description, rule.Enabled, rule.Priority, def, rule.CreatedAt, rule.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: rule with ID %s already exists", ErrRuleExists, rule.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(selectRuleColumns+` WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, &RuleNotFoundError{RuleID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns all rules in insertion order
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.query(selectRuleColumns + ` ORDER BY seq ASC`)
}

// ListEnabled returns enabled rules in insertion order
func (s *PostgresRuleStore) ListEnabled() ([]*Rule, error) {
	return s.query(selectRuleColumns + ` WHERE enabled = true ORDER BY seq ASC`)
}

func (s *PostgresRuleStore) query(q string) ([]*Rule, error) {
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule; created_at and seq are preserved
func (s *PostgresRuleStore) Update(rule *Rule) error {
	def, err := marshalDefinition(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()

	var createdAt time.Time
	err = s.db.QueryRow(`
		UPDATE automation_rules
		SET name = $1, description = $2, enabled = $3, priority = $4, definition = $5, updated_at = $6
		WHERE id = $7
		RETURNING created_at
	`, rule.Name, rule.Description, rule.Enabled, rule.Priority, def, rule.UpdatedAt, rule.ID).Scan(&createdAt)

	if err == sql.ErrNoRows {
		return &RuleNotFoundError{RuleID: rule.ID}
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rule.CreatedAt = createdAt
	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &RuleNotFoundError{RuleID: id}
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		rule Rule
		def  []byte
	)
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Description, &rule.Enabled, &rule.Priority,
		&def, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return nil, err
	}

	var d ruleDefinition
	if err := json.Unmarshal(def, &d); err != nil {
		return nil, fmt.Errorf("invalid definition for rule %s: %w", rule.ID, err)
	}
	rule.Conditions = d.Conditions
	rule.Actions = d.Actions
	rule.TriggerEvents = d.TriggerEvents
	rule.Schedule = d.Schedule
	return &rule, nil
}

func marshalDefinition(rule *Rule) ([]byte, error) {
	def, err := json.Marshal(ruleDefinition{
		Conditions:    rule.Conditions,
		Actions:       rule.Actions,
		TriggerEvents: rule.TriggerEvents,
		Schedule:      rule.Schedule,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule definition: %w", err)
	}
	return def, nil
}
