package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRuleExists is returned when adding a rule whose ID is already registered
	ErrRuleExists = errors.New("rule already exists")

	// ErrInvalidRule is returned when a rule definition fails validation
	ErrInvalidRule = errors.New("invalid rule")

	// ErrInvalidEvent is returned by ProcessEvent for malformed trigger events
	ErrInvalidEvent = errors.New("invalid trigger event")

	// ErrInvalidContext is returned by ProcessEvent for malformed contexts
	ErrInvalidContext = errors.New("invalid context")

	// ErrCollaboratorUnavailable is returned when an action needs a collaborator that was not configured
	ErrCollaboratorUnavailable = errors.New("collaborator not configured")
)

// RuleNotFoundError is returned when a rule ID is not present in the store
type RuleNotFoundError struct {
	RuleID string
}

func (e *RuleNotFoundError) Error() string {
	return fmt.Sprintf("rule with ID %s not found", e.RuleID)
}

// IsRuleNotFound reports whether err is or wraps a RuleNotFoundError
func IsRuleNotFound(err error) bool {
	var nf *RuleNotFoundError
	return errors.As(err, &nf)
}

// MissingContextError is returned when an action runs without the context fields it needs
type MissingContextError struct {
	Action ActionType
	Fields []string
}

func (e *MissingContextError) Error() string {
	return fmt.Sprintf("action %s requires context %s", e.Action, strings.Join(e.Fields, ", "))
}

// ConditionEvaluationError describes a malformed condition. It never leaves the
// evaluator; it is logged and the condition evaluates to false.
type ConditionEvaluationError struct {
	Type     ConditionType
	Operator Operator
	Message  string
	Err      error
}

func (e *ConditionEvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("condition %s with operator %s: %s: %v", e.Type, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("condition %s with operator %s: %s", e.Type, e.Operator, e.Message)
}

func (e *ConditionEvaluationError) Unwrap() error {
	return e.Err
}

// ActionExecutionError wraps a collaborator failure for one action
type ActionExecutionError struct {
	Action   ActionType
	Attempts int
	Err      error
}

func (e *ActionExecutionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("action %s failed after %d attempts: %v", e.Action, e.Attempts, e.Err)
	}
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ActionExecutionError) Unwrap() error {
	return e.Err
}

// EngineError is an unexpected orchestration failure; it is the only error that
// marks an execution failed
type EngineError struct {
	RuleID string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error in rule %s: %v", e.RuleID, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
