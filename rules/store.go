package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval.
// Implementations return copies; mutating a returned rule never changes stored state.
type RuleStore interface {
	// Add a new rule; fails with ErrRuleExists on duplicate IDs
	Add(rule *Rule) error

	// Get a rule by ID; fails with RuleNotFoundError
	Get(id string) (*Rule, error)

	// List all rules in insertion order
	List() ([]*Rule, error)

	// ListEnabled returns enabled rules in insertion order
	ListEnabled() ([]*Rule, error)

	// Update an existing rule, keeping its insertion position
	Update(rule *Rule) error

	// Delete a rule; fails with RuleNotFoundError
	Delete(id string) error
}

type storedRule struct {
	rule *Rule
	seq  uint64
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	rules   map[string]storedRule
	nextSeq uint64
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]storedRule),
		now:   time.Now,
	}
}

// Add adds a new rule to the store and sets its timestamps
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("%w: rule with ID %s already exists", ErrRuleExists, rule.ID)
	}

	now := s.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.nextSeq++
	s.rules[rule.ID] = storedRule{rule: rule.Clone(), seq: s.nextSeq}
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.rules[id]
	if !exists {
		return nil, &RuleNotFoundError{RuleID: id}
	}
	return stored.rule.Clone(), nil
}

// List returns all rules in insertion order
func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	return s.list(false), nil
}

// ListEnabled returns enabled rules in insertion order
func (s *InMemoryRuleStore) ListEnabled() ([]*Rule, error) {
	return s.list(true), nil
}

func (s *InMemoryRuleStore) list(enabledOnly bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := make([]storedRule, 0, len(s.rules))
	for _, sr := range s.rules {
		if enabledOnly && !sr.rule.Enabled {
			continue
		}
		stored = append(stored, sr)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].seq < stored[j].seq })

	out := make([]*Rule, len(stored))
	for i, sr := range stored {
		out[i] = sr.rule.Clone()
	}
	return out
}

// Update replaces an existing rule, preserving CreatedAt and insertion order
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return &RuleNotFoundError{RuleID: rule.ID}
	}

	rule.CreatedAt = existing.rule.CreatedAt
	rule.UpdatedAt = s.now()
	s.rules[rule.ID] = storedRule{rule: rule.Clone(), seq: existing.seq}
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return &RuleNotFoundError{RuleID: id}
	}

	delete(s.rules, id)
	return nil
}
