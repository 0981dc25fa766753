package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Scheduler turns rule schedules into periodic scheduled trigger events.
// Each rule ID owns at most one live job.
type Scheduler struct {
	clock  Clock
	fire   func(ruleID string)
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]scheduledJob
}

type scheduledJob struct {
	handle TimerHandle
	period time.Duration
}

// NewScheduler creates a scheduler that calls fire with the owning rule ID on every tick
func NewScheduler(clock Clock, fire func(ruleID string), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:  clock,
		fire:   fire,
		logger: logger,
		jobs:   make(map[string]scheduledJob),
	}
}

// Register (re)creates the job for a rule. Any previous job for the same ID is
// cancelled first; disabled or unscheduled rules end up with no job.
func (s *Scheduler) Register(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(rule.ID)

	if !rule.Enabled || rule.Schedule == nil {
		return nil
	}

	period, err := rule.Schedule.Period()
	if err != nil {
		return fmt.Errorf("invalid schedule for rule %s: %w", rule.ID, err)
	}

	ruleID := rule.ID
	handle := s.clock.Schedule(period, func() {
		s.fire(ruleID)
	})
	s.jobs[ruleID] = scheduledJob{handle: handle, period: period}

	s.logger.Debug("schedule registered",
		slog.String("rule_id", ruleID),
		slog.Duration("period", period),
	)
	return nil
}

// Cancel stops the job for a rule, if any
func (s *Scheduler) Cancel(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(ruleID)
}

// CancelAll stops every job
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.jobs)
	for id := range s.jobs {
		s.cancelLocked(id)
	}
	return n
}

// Period returns the firing period of a rule's live job
func (s *Scheduler) Period(ruleID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[ruleID]
	return job.period, ok
}

// Jobs returns the rule IDs with a live job, sorted
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) cancelLocked(ruleID string) {
	job, ok := s.jobs[ruleID]
	if !ok {
		return
	}
	s.clock.Cancel(job.handle)
	delete(s.jobs, ruleID)
}
