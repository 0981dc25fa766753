package rules

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnumValidity(t *testing.T) {
	if !TriggerTimerCritical.Valid() || TriggerType("nap").Valid() {
		t.Error("TriggerType.Valid() mismatch")
	}
	if !ConditionExpression.Valid() || ConditionType("mood").Valid() {
		t.Error("ConditionType.Valid() mismatch")
	}
	if !OpMatchesRegex.Valid() || Operator("like").Valid() {
		t.Error("Operator.Valid() mismatch")
	}
	if !ActionLogTime.Valid() || ActionType("email").Valid() {
		t.Error("ActionType.Valid() mismatch")
	}
}

// TestRuleJSONFieldNames verifies the wire names used by the HTTP API and stored definitions
func TestRuleJSONFieldNames(t *testing.T) {
	rule := validRule()
	rule.Actions[0].RetryPolicy = &RetryPolicy{MaxAttempts: 3, DelayMs: 500, BackoffMultiplier: 2}
	rule.Schedule = &Schedule{Type: ScheduleInterval, Expression: "60000"}

	data, err := json.Marshal(rule)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	for _, key := range []string{`"triggerEvents"`, `"retryPolicy"`, `"maxAttempts"`, `"delayMs"`, `"backoffMultiplier"`, `"createdAt"`, `"schedule"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("Expected %s in %s", key, data)
		}
	}

	var decoded Rule
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if decoded.Actions[0].RetryPolicy.MaxAttempts != 3 || decoded.Schedule.Expression != "60000" {
		t.Errorf("Decoded rule lost fields: %+v", decoded)
	}
}

func TestRuleHasTrigger(t *testing.T) {
	rule := &Rule{TriggerEvents: []TriggerEvent{{Type: TriggerTimerStarted}, {Type: TriggerScheduled}}}
	if !rule.HasTrigger(TriggerScheduled) {
		t.Error("Expected scheduled trigger")
	}
	if rule.HasTrigger(TriggerIssueUpdated) {
		t.Error("Did not expect issue_updated trigger")
	}
}

// TestRuleCloneIsDeep verifies a clone shares no mutable state with the original
func TestRuleCloneIsDeep(t *testing.T) {
	original := validRule()
	original.Conditions[0].Value = []any{"a", map[string]any{"k": "v"}}
	original.Actions[0].RetryPolicy = &RetryPolicy{MaxAttempts: 2}
	original.TriggerEvents[0].Filters = map[string]any{"project": "CORE"}
	original.Schedule = &Schedule{Type: ScheduleDaily}

	clone := original.Clone()
	clone.Conditions[0].Value.([]any)[1].(map[string]any)["k"] = "changed"
	clone.Actions[0].Parameters["message"] = "changed"
	clone.Actions[0].RetryPolicy.MaxAttempts = 9
	clone.TriggerEvents[0].Filters["project"] = "OTHER"
	clone.Schedule.Type = ScheduleWeekly

	if original.Conditions[0].Value.([]any)[1].(map[string]any)["k"] != "v" {
		t.Error("Condition value shared with clone")
	}
	if original.Actions[0].Parameters["message"] != "late" {
		t.Error("Action parameters shared with clone")
	}
	if original.Actions[0].RetryPolicy.MaxAttempts != 2 {
		t.Error("Retry policy shared with clone")
	}
	if original.TriggerEvents[0].Filters["project"] != "CORE" {
		t.Error("Trigger filters shared with clone")
	}
	if original.Schedule.Type != ScheduleDaily {
		t.Error("Schedule shared with clone")
	}

	var nilRule *Rule
	if nilRule.Clone() != nil {
		t.Error("Clone of nil rule should be nil")
	}
}

func TestExecutionClone(t *testing.T) {
	end := time.Now()
	e := &Execution{
		ID:      "e1",
		EndTime: &end,
		Context: Context{Issue: &IssueContext{Key: "CORE-1"}},
		Results: map[string]ActionResult{"webhook": {Output: map[string]any{"statusCode": 200}}},
	}

	c := e.Clone()
	*c.EndTime = end.Add(time.Hour)
	c.Context.Issue.Key = "CORE-2"
	c.Results["webhook"].Output["statusCode"] = 500

	if !e.EndTime.Equal(end) || e.Context.Issue.Key != "CORE-1" || e.Results["webhook"].Output["statusCode"] != 200 {
		t.Error("Execution clone shares state with the original")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&RuleNotFoundError{RuleID: "r1"}, "rule with ID r1 not found"},
		{&MissingContextError{Action: ActionLogTime, Fields: []string{"issue.id", "timer"}}, "action log_time requires context issue.id, timer"},
		{&ActionExecutionError{Action: ActionWebhook, Attempts: 1, Err: errTest}, "action webhook failed: boom"},
		{&ActionExecutionError{Action: ActionWebhook, Attempts: 3, Err: errTest}, "action webhook failed after 3 attempts: boom"},
		{&EngineError{RuleID: "r1", Err: errTest}, "engine error in rule r1: boom"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
