package rules

import (
	"fmt"
	"strconv"
	"time"
)

// TriggerType identifies the kind of domain event a rule reacts to
type TriggerType string

const (
	TriggerTimerStarted  TriggerType = "timer_started"
	TriggerTimerStopped  TriggerType = "timer_stopped"
	TriggerTimerCritical TriggerType = "timer_critical"
	TriggerTimerLong     TriggerType = "timer_long"
	TriggerIssueUpdated  TriggerType = "issue_updated"
	TriggerUserAction    TriggerType = "user_action"
	TriggerScheduled     TriggerType = "scheduled"
)

// Valid reports whether t is one of the known trigger types
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTimerStarted, TriggerTimerStopped, TriggerTimerCritical, TriggerTimerLong,
		TriggerIssueUpdated, TriggerUserAction, TriggerScheduled:
		return true
	}
	return false
}

// ConditionType selects which part of the context a condition inspects
type ConditionType string

const (
	ConditionTimerDuration ConditionType = "timer_duration"
	ConditionTimerStatus   ConditionType = "timer_status"
	ConditionIssueState    ConditionType = "issue_state"
	ConditionUserRole      ConditionType = "user_role"
	ConditionProject       ConditionType = "project"
	ConditionTimeOfDay     ConditionType = "time_of_day"
	ConditionCustom        ConditionType = "custom"
	// ConditionExpression evaluates Value as a CEL boolean expression
	ConditionExpression ConditionType = "expression"
)

// Valid reports whether t is one of the known condition types
func (t ConditionType) Valid() bool {
	switch t {
	case ConditionTimerDuration, ConditionTimerStatus, ConditionIssueState, ConditionUserRole,
		ConditionProject, ConditionTimeOfDay, ConditionCustom, ConditionExpression:
		return true
	}
	return false
}

// Operator compares the resolved context value against a condition value
type Operator string

const (
	OpEquals       Operator = "equals"
	OpNotEquals    Operator = "not_equals"
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
	OpContains     Operator = "contains"
	OpMatchesRegex Operator = "matches_regex"
)

// Valid reports whether o is one of the known operators
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpMatchesRegex:
		return true
	}
	return false
}

// ActionType selects the handler that executes an action
type ActionType string

const (
	ActionSendNotification ActionType = "send_notification"
	ActionUpdateIssue      ActionType = "update_issue"
	ActionAddComment       ActionType = "add_comment"
	ActionAssignUser       ActionType = "assign_user"
	ActionLogTime          ActionType = "log_time"
	ActionRunCommand       ActionType = "run_command"
	ActionWebhook          ActionType = "webhook"
	ActionCustom           ActionType = "custom"
)

// Valid reports whether t is one of the known action types
func (t ActionType) Valid() bool {
	switch t {
	case ActionSendNotification, ActionUpdateIssue, ActionAddComment, ActionAssignUser,
		ActionLogTime, ActionRunCommand, ActionWebhook, ActionCustom:
		return true
	}
	return false
}

// ScheduleType selects how a schedule's firing period is derived
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
)

// ExecutionStatus is the lifecycle state of an Execution
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Rule is a named, prioritized bundle of conditions and actions bound to trigger events
type Rule struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled       bool           `json:"enabled" yaml:"enabled"`
	Priority      int            `json:"priority" yaml:"priority"`
	Conditions    []Condition    `json:"conditions" yaml:"conditions"`
	Actions       []Action       `json:"actions" yaml:"actions"`
	TriggerEvents []TriggerEvent `json:"triggerEvents" yaml:"triggerEvents"`
	Schedule      *Schedule      `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	CreatedAt     time.Time      `json:"createdAt" yaml:"-"`
	UpdatedAt     time.Time      `json:"updatedAt" yaml:"-"`
}

// Condition is a single predicate over the event context
type Condition struct {
	Type     ConditionType `json:"type" yaml:"type"`
	Operator Operator      `json:"operator" yaml:"operator"`
	Value    any           `json:"value" yaml:"value"`
	Field    string        `json:"field,omitempty" yaml:"field,omitempty"`
}

// Action is one unit of side-effecting work run when a rule's conditions hold
type Action struct {
	Type        ActionType     `json:"type" yaml:"type"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RetryPolicy *RetryPolicy   `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
}

// RetryPolicy bounds how often a failing action is re-attempted
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts" yaml:"maxAttempts"`
	DelayMs           int64   `json:"delayMs" yaml:"delayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`
}

// TriggerEvent is the typed occurrence that drives rule matching.
// Filters are carried but not matched on. RuleID is set only on events
// synthesized by the scheduler and restricts matching to the owning rule.
type TriggerEvent struct {
	Type    TriggerType    `json:"type" yaml:"type"`
	Filters map[string]any `json:"filters,omitempty" yaml:"filters,omitempty"`
	RuleID  string         `json:"ruleId,omitempty" yaml:"-"`
}

// Schedule configures periodic scheduled triggers for a rule
type Schedule struct {
	Type       ScheduleType `json:"type" yaml:"type"`
	Expression string       `json:"expression,omitempty" yaml:"expression,omitempty"`
	// Timezone is advisory; periods are measured in elapsed time
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Period returns the elapsed time between two firings
func (s Schedule) Period() (time.Duration, error) {
	switch s.Type {
	case ScheduleInterval:
		ms, err := strconv.ParseInt(s.Expression, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("interval expression %q is not a millisecond count: %w", s.Expression, err)
		}
		if ms <= 0 {
			return 0, fmt.Errorf("interval expression must be positive, got %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	case ScheduleDaily:
		return 24 * time.Hour, nil
	case ScheduleWeekly:
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown schedule type %q", s.Type)
	}
}

// ActionResult describes the outcome of one action within an execution
type ActionResult struct {
	Type     ActionType     `json:"type,omitempty"`
	Success  bool           `json:"success"`
	Attempts int            `json:"attempts,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// SkippedResultKey is the results slot filled when a rule's conditions do not hold
const SkippedResultKey = "skipped"

// Execution is the audit record of one rule run for one event
type Execution struct {
	ID           string                  `json:"id"`
	RuleID       string                  `json:"ruleId"`
	RuleName     string                  `json:"ruleName"`
	TriggerEvent TriggerEvent            `json:"triggerEvent"`
	Context      Context                 `json:"context"`
	StartTime    time.Time               `json:"startTime"`
	EndTime      *time.Time              `json:"endTime,omitempty"`
	Status       ExecutionStatus         `json:"status"`
	Error        string                  `json:"error,omitempty"`
	Skipped      bool                    `json:"skipped,omitempty"`
	Results      map[string]ActionResult `json:"results"`
}

// HasTrigger reports whether the rule listens for the given trigger type
func (r *Rule) HasTrigger(t TriggerType) bool {
	for _, te := range r.TriggerEvents {
		if te.Type == t {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate stored state
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	if r.Conditions != nil {
		c.Conditions = make([]Condition, len(r.Conditions))
		for i, cond := range r.Conditions {
			cond.Value = cloneValue(cond.Value)
			c.Conditions[i] = cond
		}
	}
	if r.Actions != nil {
		c.Actions = make([]Action, len(r.Actions))
		for i, a := range r.Actions {
			a.Parameters = cloneMap(a.Parameters)
			if a.RetryPolicy != nil {
				rp := *a.RetryPolicy
				a.RetryPolicy = &rp
			}
			c.Actions[i] = a
		}
	}
	if r.TriggerEvents != nil {
		c.TriggerEvents = make([]TriggerEvent, len(r.TriggerEvents))
		for i, te := range r.TriggerEvents {
			te.Filters = cloneMap(te.Filters)
			c.TriggerEvents[i] = te
		}
	}
	if r.Schedule != nil {
		s := *r.Schedule
		c.Schedule = &s
	}
	return &c
}

// Clone returns a deep copy of the execution record
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.TriggerEvent.Filters = cloneMap(e.TriggerEvent.Filters)
	c.Context = e.Context.Clone()
	if e.EndTime != nil {
		end := *e.EndTime
		c.EndTime = &end
	}
	c.Results = make(map[string]ActionResult, len(e.Results))
	for k, v := range e.Results {
		v.Output = cloneMap(v.Output)
		c.Results[k] = v
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
