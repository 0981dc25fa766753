package rules

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxIDLength     = 100
	maxNameLength   = 200
	maxConditions   = 50
	maxActions      = 50
	maxRetryAttempt = 10
)

var validRuleID = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.:-]*$`)

// ValidateRule checks a rule definition before it is stored.
// Every failure wraps ErrInvalidRule.
func ValidateRule(r *Rule) error {
	if r == nil {
		return fmt.Errorf("%w: rule is nil", ErrInvalidRule)
	}
	if err := validateRuleID(r.ID); err != nil {
		return fmt.Errorf("%w: invalid rule ID %q: %v", ErrInvalidRule, r.ID, err)
	}

	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: rule %s must have a name", ErrInvalidRule, r.ID)
	}
	// The name is stored untrimmed and the column limit counts characters
	if n := utf8.RuneCountInString(r.Name); n > maxNameLength {
		return fmt.Errorf("%w: rule name length %d exceeds maximum of %d characters", ErrInvalidRule, n, maxNameLength)
	}

	if len(r.TriggerEvents) == 0 {
		return fmt.Errorf("%w: rule %s must listen to at least one trigger event", ErrInvalidRule, r.ID)
	}
	for _, te := range r.TriggerEvents {
		if !te.Type.Valid() {
			return fmt.Errorf("%w: rule %s has unknown trigger type %q", ErrInvalidRule, r.ID, te.Type)
		}
	}

	if len(r.Conditions) > maxConditions {
		return fmt.Errorf("%w: rule %s has %d conditions, maximum allowed is %d", ErrInvalidRule, r.ID, len(r.Conditions), maxConditions)
	}
	for i, cond := range r.Conditions {
		if err := validateCondition(cond); err != nil {
			return fmt.Errorf("%w: rule %s condition %d: %v", ErrInvalidRule, r.ID, i, err)
		}
	}

	if len(r.Actions) > maxActions {
		return fmt.Errorf("%w: rule %s has %d actions, maximum allowed is %d", ErrInvalidRule, r.ID, len(r.Actions), maxActions)
	}
	for i, action := range r.Actions {
		if err := validateAction(action); err != nil {
			return fmt.Errorf("%w: rule %s action %d: %v", ErrInvalidRule, r.ID, i, err)
		}
	}

	if r.Schedule != nil {
		if _, err := r.Schedule.Period(); err != nil {
			return fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, r.ID, err)
		}
		if !r.HasTrigger(TriggerScheduled) {
			return fmt.Errorf("%w: rule %s has a schedule but does not listen to %s events", ErrInvalidRule, r.ID, TriggerScheduled)
		}
	}

	return nil
}

// validateRuleID checks length limits and the allowed character set
func validateRuleID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(id), maxIDLength)
	}
	if !validRuleID.MatchString(id) {
		return fmt.Errorf("must match pattern %s", validRuleID.String())
	}
	return nil
}

func validateCondition(c Condition) error {
	if !c.Type.Valid() {
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	if c.Type == ConditionExpression {
		if s, ok := c.Value.(string); !ok || strings.TrimSpace(s) == "" {
			return fmt.Errorf("expression condition requires a non-empty string value")
		}
		return nil
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if c.Type == ConditionCustom && c.Field == "" {
		return fmt.Errorf("custom condition requires a field")
	}
	if c.Operator == OpMatchesRegex {
		if _, err := regexp.Compile(coerceString(c.Value)); err != nil {
			return fmt.Errorf("invalid regex: %v", err)
		}
	}
	return nil
}

func validateAction(a Action) error {
	if !a.Type.Valid() {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if a.Type == ActionCustom {
		if name, _ := a.Parameters["handler"].(string); name == "" {
			return fmt.Errorf("custom action requires a handler parameter")
		}
	}
	if p := a.RetryPolicy; p != nil {
		if p.MaxAttempts < 1 || p.MaxAttempts > maxRetryAttempt {
			return fmt.Errorf("retry maxAttempts must be between 1 and %d, got %d", maxRetryAttempt, p.MaxAttempts)
		}
		if p.DelayMs < 0 {
			return fmt.Errorf("retry delayMs cannot be negative")
		}
		if p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1 {
			return fmt.Errorf("retry backoffMultiplier must be at least 1, got %g", p.BackoffMultiplier)
		}
	}
	return nil
}
