package rules

import (
	"sync"
	"time"
)

const (
	// DefaultRetention is how long executions are kept before cleanup removes them
	DefaultRetention = 24 * time.Hour

	// DefaultMaxExecutions bounds the log; the oldest entries are evicted first
	DefaultMaxExecutions = 10000
)

// ExecutionLog is the bounded, append-only record of past executions.
// Safe for concurrent appends and reads.
type ExecutionLog struct {
	mu         sync.RWMutex
	entries    map[string]*Execution
	order      []string
	maxEntries int
	retention  time.Duration
}

// NewExecutionLog creates a log. Non-positive arguments select the defaults.
func NewExecutionLog(retention time.Duration, maxEntries int) *ExecutionLog {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxExecutions
	}
	return &ExecutionLog{
		entries:    make(map[string]*Execution),
		maxEntries: maxEntries,
		retention:  retention,
	}
}

// Append records a finished execution, evicting the oldest entry when full
func (l *ExecutionLog) Append(e *Execution) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[e.ID]; !exists {
		l.order = append(l.order, e.ID)
	}
	l.entries[e.ID] = e.Clone()

	for len(l.order) > l.maxEntries {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.entries, oldest)
	}
}

// Get returns one execution by ID
func (l *ExecutionLog) Get(id string) (*Execution, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// List returns executions in append order; an empty ruleID returns all of them
func (l *ExecutionLog) List(ruleID string) []*Execution {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Execution, 0, len(l.order))
	for _, id := range l.order {
		e := l.entries[id]
		if ruleID != "" && e.RuleID != ruleID {
			continue
		}
		out = append(out, e.Clone())
	}
	return out
}

// Prune removes executions that started before now minus the retention window
func (l *ExecutionLog) Prune(now time.Time) int {
	cutoff := now.Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.order[:0]
	removed := 0
	for _, id := range l.order {
		if l.entries[id].StartTime.Before(cutoff) {
			delete(l.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return removed
}

// Len returns the number of stored executions
func (l *ExecutionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Retention returns the configured retention window
func (l *ExecutionLog) Retention() time.Duration {
	return l.retention
}
