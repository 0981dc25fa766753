package rules

import (
	"fmt"
	"testing"
	"time"
)

func loggedExecution(id, ruleID string, start time.Time) *Execution {
	return &Execution{
		ID:        id,
		RuleID:    ruleID,
		StartTime: start,
		Status:    StatusCompleted,
		Results:   map[string]ActionResult{"webhook": {Success: true, Output: map[string]any{"statusCode": 200}}},
	}
}

func TestExecutionLogDefaults(t *testing.T) {
	log := NewExecutionLog(0, 0)
	if log.Retention() != DefaultRetention {
		t.Errorf("Retention() = %v, want %v", log.Retention(), DefaultRetention)
	}
	if log.maxEntries != DefaultMaxExecutions {
		t.Errorf("maxEntries = %d, want %d", log.maxEntries, DefaultMaxExecutions)
	}
}

func TestExecutionLogListAndGet(t *testing.T) {
	log := NewExecutionLog(time.Hour, 10)
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	log.Append(loggedExecution("e1", "a", start))
	log.Append(loggedExecution("e2", "b", start))
	log.Append(loggedExecution("e3", "a", start))

	if got := executionIDs(log.List("")); got != "e1,e2,e3" {
		t.Errorf("List(\"\") = %s, want e1,e2,e3", got)
	}
	if got := executionIDs(log.List("a")); got != "e1,e3" {
		t.Errorf("List(a) = %s, want e1,e3", got)
	}
	if got := log.List("unknown"); len(got) != 0 {
		t.Errorf("List(unknown) should be empty, got %d", len(got))
	}

	e, ok := log.Get("e2")
	if !ok || e.RuleID != "b" {
		t.Errorf("Get(e2) = %+v, %v", e, ok)
	}
	if _, ok := log.Get("nope"); ok {
		t.Error("Get(nope) should miss")
	}
}

func TestExecutionLogReturnsCopies(t *testing.T) {
	log := NewExecutionLog(time.Hour, 10)
	original := loggedExecution("e1", "a", time.Now())
	log.Append(original)

	original.Results["webhook"].Output["statusCode"] = 500
	got, _ := log.Get("e1")
	if got.Results["webhook"].Output["statusCode"] != 200 {
		t.Error("Appending must snapshot the execution")
	}

	got.Status = StatusFailed
	again, _ := log.Get("e1")
	if again.Status != StatusCompleted {
		t.Error("Returned executions must be copies")
	}
}

func TestExecutionLogEvictsOldest(t *testing.T) {
	log := NewExecutionLog(time.Hour, 3)
	start := time.Now()
	for i := 1; i <= 5; i++ {
		log.Append(loggedExecution(fmt.Sprintf("e%d", i), "a", start))
	}

	if log.Len() != 3 {
		t.Errorf("Len() = %d, want 3", log.Len())
	}
	if got := executionIDs(log.List("")); got != "e3,e4,e5" {
		t.Errorf("Expected the newest entries, got %s", got)
	}
}

func TestExecutionLogPrune(t *testing.T) {
	log := NewExecutionLog(time.Hour, 10)
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	log.Append(loggedExecution("old", "a", now.Add(-2*time.Hour)))
	log.Append(loggedExecution("edge", "a", now.Add(-time.Hour)))
	log.Append(loggedExecution("new", "a", now.Add(-time.Minute)))

	if n := log.Prune(now); n != 1 {
		t.Errorf("Prune() removed %d, want 1", n)
	}
	if got := executionIDs(log.List("")); got != "edge,new" {
		t.Errorf("Remaining = %s, want edge,new", got)
	}
	if n := log.Prune(now); n != 0 {
		t.Errorf("Second Prune() removed %d, want 0", n)
	}
}

func executionIDs(execs []*Execution) string {
	out := ""
	for i, e := range execs {
		if i > 0 {
			out += ","
		}
		out += e.ID
	}
	return out
}
