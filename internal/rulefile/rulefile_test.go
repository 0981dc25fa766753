package rulefile

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/ruleautomation/rules"
)

const overtimeYAML = `
rules:
  - id: overtime.warning
    name: Overtime warning
    enabled: true
    priority: 1
    triggerEvents:
      - type: timer_long
    conditions:
      - type: timer_duration
        operator: greater_than
        value: 28800000
    actions:
      - type: send_notification
        parameters:
          message: "Timer for ${issue.key} has exceeded 8 hours"
        retryPolicy:
          maxAttempts: 3
          delayMs: 500
          backoffMultiplier: 2
  - id: standup.reminder
    name: Standup reminder
    enabled: true
    triggerEvents:
      - type: scheduled
    schedule:
      type: daily
    actions:
      - type: send_notification
        parameters:
          message: standup
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newEngine(t *testing.T) *rules.Engine {
	t.Helper()
	en, err := rules.NewEngine(rules.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { en.Cleanup() })
	return en
}

func TestDecode(t *testing.T) {
	defs, err := Decode(strings.NewReader(overtimeYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	overtime := defs[0]
	assert.Equal(t, "overtime.warning", overtime.ID)
	assert.Equal(t, rules.TriggerTimerLong, overtime.TriggerEvents[0].Type)
	assert.Equal(t, 28800000, overtime.Conditions[0].Value)
	assert.Equal(t, 3, overtime.Actions[0].RetryPolicy.MaxAttempts)
	assert.Equal(t, rules.ScheduleDaily, defs[1].Schedule.Type)
}

func TestDecodeRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "rules:\n  - id: a\n    colour: red\n", "colour"},
		{"duplicate id", "rules:\n  - id: a\n  - id: a\n", "duplicate"},
		{"empty entry", "rules:\n  -\n", "empty"},
		{"not yaml", "rules: [", "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	writeFile(t, empty, "")
	defs, err := Load(empty)
	require.NoError(t, err)
	assert.Empty(t, defs)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestSyncerApply(t *testing.T) {
	en := newEngine(t)
	s := NewSyncer(en, nil)

	defs, err := Decode(strings.NewReader(overtimeYAML))
	require.NoError(t, err)

	res, err := s.Apply(defs)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Added: 2}, res)
	assert.Equal(t, []string{"overtime.warning", "standup.reminder"}, s.Owned())
	assert.Equal(t, []string{"standup.reminder"}, en.ScheduledRules())

	// Applying the same definitions again changes nothing
	defs, err = Decode(strings.NewReader(overtimeYAML))
	require.NoError(t, err)
	res, err = s.Apply(defs)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)

	// A rule created through the API is never removed by the file
	api := &rules.Rule{
		ID:            "api.rule",
		Name:          "From the API",
		Enabled:       true,
		TriggerEvents: []rules.TriggerEvent{{Type: rules.TriggerUserAction}},
	}
	require.NoError(t, en.AddRule(api))

	defs[0].Priority = 5
	res, err = s.Apply(defs[:1])
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Updated: 1, Removed: 1}, res)

	got, err := en.GetRule("overtime.warning")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Priority)

	_, err = en.GetRule("standup.reminder")
	assert.True(t, rules.IsRuleNotFound(err))
	assert.Empty(t, en.ScheduledRules())

	_, err = en.GetRule("api.rule")
	assert.NoError(t, err)
}

func TestSyncerApplyContinuesPastInvalidRules(t *testing.T) {
	en := newEngine(t)
	s := NewSyncer(en, nil)

	defs, err := Decode(strings.NewReader(overtimeYAML))
	require.NoError(t, err)
	defs = append([]*rules.Rule{{ID: "broken"}}, defs...)

	res, err := s.Apply(defs)
	require.Error(t, err)
	assert.ErrorIs(t, err, rules.ErrInvalidRule)
	assert.Equal(t, 2, res.Added)
	assert.NotContains(t, s.Owned(), "broken")
}

func TestSyncerApplyNeverClaimsExistingRules(t *testing.T) {
	en := newEngine(t)
	s := NewSyncer(en, nil)

	shared := func(priority int) *rules.Rule {
		return &rules.Rule{
			ID:            "shared",
			Name:          "Shared",
			Enabled:       true,
			Priority:      priority,
			TriggerEvents: []rules.TriggerEvent{{Type: rules.TriggerUserAction}},
		}
	}
	require.NoError(t, en.AddRule(shared(1)))

	res, err := s.Apply([]*rules.Rule{shared(9)})
	assert.ErrorIs(t, err, ErrNotOwned)
	assert.Equal(t, SyncResult{}, res)
	assert.Empty(t, s.Owned())

	got, err := en.GetRule("shared")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Priority)

	// An identical entry is skipped without being claimed
	res, err = s.Apply([]*rules.Rule{shared(1)})
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
	assert.Empty(t, s.Owned())

	res, err = s.Apply(nil)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
	_, err = en.GetRule("shared")
	assert.NoError(t, err, "rule created outside the file must survive")
}

func TestSameDefinitionIgnoresNumericRepresentation(t *testing.T) {
	defs, err := Decode(strings.NewReader(overtimeYAML))
	require.NoError(t, err)
	fromFile := defs[0]

	// Simulate a JSONB round trip, which decodes every number as float64
	raw, err := json.Marshal(fromFile)
	require.NoError(t, err)
	var stored rules.Rule
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.IsType(t, float64(0), stored.Conditions[0].Value)
	stored.UpdatedAt = time.Now()

	assert.True(t, sameDefinition(&stored, fromFile))

	stored.Priority = 2
	assert.False(t, sameDefinition(&stored, fromFile))
}

func TestSyncerWatchReloads(t *testing.T) {
	en := newEngine(t)
	s := NewSyncer(en, nil)
	s.Debounce = 20 * time.Millisecond

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, overtimeYAML)
	_, err := s.LoadAndApply(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, path) }()

	// Give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	// A broken edit keeps the current rules
	writeFile(t, path, "rules: [")
	time.Sleep(100 * time.Millisecond)
	rs, err := en.GetRules()
	require.NoError(t, err)
	assert.Len(t, rs, 2)

	first := strings.SplitN(overtimeYAML, "  - id: standup.reminder", 2)[0]
	writeFile(t, path, first)

	assert.Eventually(t, func() bool {
		_, err := en.GetRule("standup.reminder")
		return rules.IsRuleNotFound(err)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
