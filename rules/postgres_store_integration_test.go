//go:build integration
// +build integration

package rules_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/ruleautomation/rules"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a migrated connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "automation_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=automation_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_create_automation_rules.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

func integrationRule(id string, priority int) *rules.Rule {
	return &rules.Rule{
		ID:       id,
		Name:     "rule " + id,
		Enabled:  true,
		Priority: priority,
		Conditions: []rules.Condition{
			{Type: rules.ConditionTimerDuration, Operator: rules.OpGreaterThan, Value: 28800000},
		},
		Actions: []rules.Action{{
			Type:        rules.ActionSendNotification,
			Parameters:  map[string]any{"message": "Timer for ${issue.key} is long"},
			RetryPolicy: &rules.RetryPolicy{MaxAttempts: 3, DelayMs: 100, BackoffMultiplier: 2},
		}},
		TriggerEvents: []rules.TriggerEvent{{Type: rules.TriggerTimerLong}, {Type: rules.TriggerScheduled}},
		Schedule:      &rules.Schedule{Type: rules.ScheduleInterval, Expression: "60000"},
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)
	ruleID := uuid.New().String()

	if err := store.Add(integrationRule(ruleID, 1)); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	retrieved, err := store.Get(ruleID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "rule "+ruleID {
		t.Errorf("Expected name 'rule %s', got '%s'", ruleID, retrieved.Name)
	}
	if len(retrieved.Actions) != 1 || retrieved.Actions[0].RetryPolicy.MaxAttempts != 3 {
		t.Errorf("Actions not round-tripped: %+v", retrieved.Actions)
	}
	if retrieved.Schedule == nil || retrieved.Schedule.Expression != "60000" {
		t.Errorf("Schedule not round-tripped: %+v", retrieved.Schedule)
	}
	if len(retrieved.TriggerEvents) != 2 {
		t.Errorf("Expected 2 trigger events, got %d", len(retrieved.TriggerEvents))
	}

	retrieved.Enabled = false
	retrieved.Priority = 9
	if err := store.Update(retrieved); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}
	updated, err := store.Get(ruleID)
	if err != nil {
		t.Fatalf("Failed to get updated rule: %v", err)
	}
	if updated.Enabled || updated.Priority != 9 {
		t.Errorf("Update not applied: %+v", updated)
	}
	if !updated.CreatedAt.Equal(retrieved.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v vs %v", updated.CreatedAt, retrieved.CreatedAt)
	}

	if err := store.Delete(ruleID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := store.Get(ruleID); !rules.IsRuleNotFound(err) {
		t.Errorf("Expected RuleNotFoundError after delete, got %v", err)
	}
	if err := store.Delete(ruleID); !rules.IsRuleNotFound(err) {
		t.Errorf("Expected RuleNotFoundError deleting twice, got %v", err)
	}
}

func TestPostgresRuleStore_DuplicateAndMissing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)

	if err := store.Add(integrationRule("dup", 1)); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if err := store.Add(integrationRule("dup", 2)); !errors.Is(err, rules.ErrRuleExists) {
		t.Errorf("Expected ErrRuleExists, got %v", err)
	}
	if err := store.Update(integrationRule("missing", 1)); !rules.IsRuleNotFound(err) {
		t.Errorf("Expected RuleNotFoundError, got %v", err)
	}
}

func TestPostgresRuleStore_ListOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)
	for _, id := range []string{"c", "a", "b"} {
		if err := store.Add(integrationRule(id, 1)); err != nil {
			t.Fatalf("Failed to add rule %s: %v", id, err)
		}
	}

	disabled := integrationRule("a", 1)
	disabled.Enabled = false
	if err := store.Update(disabled); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}

	all, err := store.List()
	if err != nil {
		t.Fatalf("Failed to list rules: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[1].ID != "a" || all[2].ID != "b" {
		t.Errorf("Expected insertion order c,a,b, got %v", all)
	}

	enabled, err := store.ListEnabled()
	if err != nil {
		t.Fatalf("Failed to list enabled rules: %v", err)
	}
	if len(enabled) != 2 || enabled[0].ID != "c" || enabled[1].ID != "b" {
		t.Errorf("Expected enabled c,b, got %v", enabled)
	}
}

// TestPostgresRuleStore_EngineRestart verifies schedules are restored from the database
func TestPostgresRuleStore_EngineRestart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)
	engine, err := rules.NewEngine(rules.WithStore(store))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := engine.AddRule(integrationRule("persisted", 1)); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	engine.Cleanup()

	restarted, err := rules.NewEngine(rules.WithStore(rules.NewPostgresRuleStore(db)))
	if err != nil {
		t.Fatalf("Failed to restart engine: %v", err)
	}
	defer restarted.Cleanup()

	scheduled := restarted.ScheduledRules()
	if len(scheduled) != 1 || scheduled[0] != "persisted" {
		t.Errorf("Expected persisted rule to be rescheduled, got %v", scheduled)
	}

	exec, err := restarted.TestRule(context.Background(), "persisted", rules.Context{
		Timer: &rules.TimerContext{ElapsedMs: 1000},
	})
	if err != nil {
		t.Fatalf("TestRule() failed: %v", err)
	}
	if !exec.Skipped {
		t.Error("Expected short timer to skip the rule")
	}
}
