package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine matches trigger events to rules, evaluates their conditions, runs their
// actions and records every run in the execution log.
//
// Rules of one ProcessEvent call run sequentially in priority order and a
// failing rule never stops the rules after it. The store, cache, log and
// scheduler are safe for concurrent ProcessEvent calls.
type Engine struct {
	store      RuleStore
	cache      RulesCache
	conditions *ConditionEvaluator
	executor   *Executor
	scheduler  *Scheduler
	executions *ExecutionLog
	clock      Clock
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer

	// serializes rule mutations so store and schedule stay in step
	mu sync.Mutex
}

type engineOptions struct {
	store         RuleStore
	cache         RulesCache
	clock         Clock
	logger        *slog.Logger
	collab        Collaborators
	metrics       *Metrics
	retention     time.Duration
	maxExecutions int
	tracing       trace.TracerProvider
}

// Option configures an Engine
type Option func(*engineOptions)

// WithStore selects the rule store (default: InMemoryRuleStore)
func WithStore(store RuleStore) Option {
	return func(o *engineOptions) { o.store = store }
}

// WithCache selects the enabled-rule cache (default: InMemoryRulesCache)
func WithCache(cache RulesCache) Option {
	return func(o *engineOptions) { o.cache = cache }
}

// WithClock injects the time source and scheduler backend (default: SystemClock)
func WithClock(clock Clock) Option {
	return func(o *engineOptions) { o.clock = clock }
}

// WithLogger sets the structured logger (default: slog.Default())
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithCollaborators sets the external systems actions dispatch to
func WithCollaborators(c Collaborators) Option {
	return func(o *engineOptions) { o.collab = c }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithRetention sets how long executions are kept (default: 24h)
func WithRetention(d time.Duration) Option {
	return func(o *engineOptions) { o.retention = d }
}

// WithTracerProvider sets where execution spans go (default: the global provider)
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *engineOptions) { o.tracing = tp }
}

// WithMaxExecutions bounds the execution log (default: 10000)
func WithMaxExecutions(n int) Option {
	return func(o *engineOptions) { o.maxExecutions = n }
}

// NewEngine creates an engine. Rules already present in the store are
// validated and their schedules registered.
func NewEngine(opts ...Option) (*Engine, error) {
	o := engineOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = NewInMemoryRuleStore()
	}
	if o.cache == nil {
		o.cache = NewInMemoryRulesCache(DefaultCacheConfig())
	}
	if o.clock == nil {
		o.clock = NewSystemClock()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracing == nil {
		o.tracing = otel.GetTracerProvider()
	}

	conditions, err := NewConditionEvaluator(o.logger, o.clock.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to create condition evaluator: %w", err)
	}
	executor := NewExecutor(o.collab, o.logger)
	executor.now = o.clock.Now
	executor.tracer = o.tracing.Tracer("rules/actions")

	en := &Engine{
		store:      o.store,
		cache:      o.cache,
		conditions: conditions,
		executor:   executor,
		executions: NewExecutionLog(o.retention, o.maxExecutions),
		clock:      o.clock,
		logger:     o.logger,
		metrics:    o.metrics,
		tracer:     o.tracing.Tracer("rules/engine"),
	}
	en.scheduler = NewScheduler(o.clock, en.fireScheduled, o.logger)

	if err := en.loadExistingRules(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return en, nil
}

func (en *Engine) loadExistingRules() error {
	rules, err := en.store.List()
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if err := en.compileExpressions(rule); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
		}
		if err := en.scheduler.Register(rule); err != nil {
			return err
		}
	}
	en.cache.Invalidate()
	en.refreshGauges()
	return nil
}

// RegisterCustomAction registers the handler for custom actions naming it
func (en *Engine) RegisterCustomAction(name string, h CustomHandler) {
	en.executor.RegisterCustom(name, h)
}

// AddRule validates and stores a new rule and registers its schedule.
// Duplicate IDs are rejected with ErrRuleExists.
func (en *Engine) AddRule(r *Rule) error {
	if err := en.validate(r); err != nil {
		return err
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	if err := en.store.Add(r); err != nil {
		return err
	}
	en.cache.Invalidate()

	if err := en.scheduler.Register(r); err != nil {
		// Keep the store free of rules whose schedule could not be registered
		_ = en.store.Delete(r.ID)
		en.cache.Invalidate()
		return err
	}

	en.logger.Info("rule added", slog.String("rule_id", r.ID), slog.Bool("enabled", r.Enabled))
	en.refreshGauges()
	return nil
}

// RemoveRule deletes a rule and cancels its schedule. Removing an absent rule is not an error.
func (en *Engine) RemoveRule(ruleID string) error {
	en.mu.Lock()
	defer en.mu.Unlock()

	en.scheduler.Cancel(ruleID)
	if err := en.store.Delete(ruleID); err != nil {
		if IsRuleNotFound(err) {
			return nil
		}
		return err
	}
	en.cache.Invalidate()

	en.logger.Info("rule removed", slog.String("rule_id", ruleID))
	en.refreshGauges()
	return nil
}

// UpdateRule replaces an existing rule and re-registers its schedule.
// Fails with RuleNotFoundError if the rule does not exist.
func (en *Engine) UpdateRule(r *Rule) error {
	if err := en.validate(r); err != nil {
		return err
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	return en.updateLocked(r)
}

// EnableRule marks a rule enabled and restores its schedule
func (en *Engine) EnableRule(ruleID string) error {
	return en.setEnabled(ruleID, true)
}

// DisableRule marks a rule disabled and cancels its schedule. The rule stays stored.
func (en *Engine) DisableRule(ruleID string) error {
	return en.setEnabled(ruleID, false)
}

func (en *Engine) setEnabled(ruleID string, enabled bool) error {
	en.mu.Lock()
	defer en.mu.Unlock()

	rule, err := en.store.Get(ruleID)
	if err != nil {
		return err
	}
	rule.Enabled = enabled
	return en.updateLocked(rule)
}

func (en *Engine) updateLocked(r *Rule) error {
	if err := en.store.Update(r); err != nil {
		return err
	}
	en.cache.Invalidate()

	if err := en.scheduler.Register(r); err != nil {
		return err
	}

	en.logger.Info("rule updated", slog.String("rule_id", r.ID), slog.Bool("enabled", r.Enabled))
	en.refreshGauges()
	return nil
}

// GetRule returns a copy of one rule
func (en *Engine) GetRule(ruleID string) (*Rule, error) {
	return en.store.Get(ruleID)
}

// GetRules returns copies of all rules in insertion order
func (en *Engine) GetRules() ([]*Rule, error) {
	return en.store.List()
}

func (en *Engine) validate(r *Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if err := en.compileExpressions(r); err != nil {
		return fmt.Errorf("%w: rule validation failed: %v", ErrInvalidRule, err)
	}
	return nil
}

// compileExpressions checks that every expression condition compiles
func (en *Engine) compileExpressions(r *Rule) error {
	for _, cond := range r.Conditions {
		if cond.Type != ConditionExpression {
			continue
		}
		expr, _ := cond.Value.(string)
		if _, err := en.conditions.exprs.Compile(expr); err != nil {
			return err
		}
	}
	return nil
}

// enabledRules reads the enabled-rule snapshot, reloading it from the store on a miss
func (en *Engine) enabledRules() ([]*Rule, error) {
	if rules := en.cache.Get(); rules != nil {
		return rules, nil
	}
	// Read the generation first; a mutation landing during the store read
	// bumps it and the stale list is served to this call only
	gen := en.cache.Generation()
	rules, err := en.store.ListEnabled()
	if err != nil {
		return nil, err
	}
	en.cache.SetIfGeneration(gen, rules)
	return rules, nil
}

// ProcessEvent is the event ingress. It runs every enabled rule listening for
// event.Type, in ascending priority with ties kept in insertion order.
// Rule failures are recorded in their executions and logged; the returned error
// is reserved for malformed input and store failures.
func (en *Engine) ProcessEvent(ctx context.Context, event TriggerEvent, rctx Context) ([]*Execution, error) {
	if !event.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, event.Type)
	}
	if err := rctx.Validate(); err != nil {
		return nil, err
	}
	if rctx.Version == 0 {
		rctx.Version = ContextVersion
	}
	en.metrics.observeEvent(event.Type)

	candidates, err := en.enabledRules()
	if err != nil {
		return nil, fmt.Errorf("failed to load enabled rules: %w", err)
	}

	matched := make([]*Rule, 0, len(candidates))
	for _, rule := range candidates {
		if matchesEvent(rule, event) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})

	executions := make([]*Execution, 0, len(matched))
	for _, rule := range matched {
		exec, err := en.ExecuteRule(ctx, rule, event, rctx)
		if err != nil {
			en.logger.Error("rule execution failed",
				slog.String("event", "rule_failed"),
				slog.String("rule_id", rule.ID),
				slog.String("trigger", string(event.Type)),
				slog.Any("error", err),
			)
		}
		executions = append(executions, exec)
	}
	return executions, nil
}

func matchesEvent(rule *Rule, event TriggerEvent) bool {
	if !rule.Enabled || !rule.HasTrigger(event.Type) {
		return false
	}
	return event.RuleID == "" || event.RuleID == rule.ID
}

// ExecuteRule runs one rule for one event and records the execution.
// A false condition set completes the execution as skipped. Action failures are
// captured per action; only engine failures mark the execution failed, and those
// are also returned.
func (en *Engine) ExecuteRule(ctx context.Context, rule *Rule, event TriggerEvent, rctx Context) (*Execution, error) {
	ctx, span := en.tracer.Start(ctx, "rule.execute", trace.WithAttributes(
		attribute.String("rule.id", rule.ID),
		attribute.String("trigger.type", string(event.Type)),
	))
	defer span.End()

	exec := &Execution{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		TriggerEvent: TriggerEvent{Type: event.Type, Filters: cloneMap(event.Filters), RuleID: event.RuleID},
		Context:      rctx.Clone(),
		StartTime:    en.clock.Now(),
		Status:       StatusPending,
		Results:      make(map[string]ActionResult),
	}

	exec.Status = StatusRunning
	err := en.runRule(ctx, rule, exec, rctx)

	end := en.clock.Now()
	exec.EndTime = &end
	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		exec.Status = StatusCompleted
	}
	span.SetAttributes(attribute.String("execution.status", string(exec.Status)))

	en.executions.Append(exec)
	en.metrics.observeExecution(exec)
	en.refreshGauges()
	return exec, err
}

func (en *Engine) runRule(ctx context.Context, rule *Rule, exec *Execution, rctx Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EngineError{RuleID: rule.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if !en.conditions.EvaluateConditions(rule.Conditions, rctx) {
		exec.Skipped = true
		exec.Results[SkippedResultKey] = ActionResult{
			Success: true,
			Output:  map[string]any{"reason": "conditions not met"},
		}
		en.logger.Debug("rule skipped", slog.String("rule_id", rule.ID))
		return nil
	}

	for _, action := range rule.Actions {
		output, attempts, actionErr := en.executor.Execute(ctx, action, rctx)
		result := ActionResult{Type: action.Type, Attempts: attempts}
		if actionErr != nil {
			result.Error = actionErr.Error()
			en.logger.Warn("action failed",
				slog.String("event", "action_failed"),
				slog.String("rule_id", rule.ID),
				slog.String("action", string(action.Type)),
				slog.Any("error", actionErr),
			)
		} else {
			result.Success = true
			result.Output = output
		}
		// Same-typed actions share a slot; the last one wins
		exec.Results[string(action.Type)] = result
		en.metrics.observeAction(action.Type, actionErr)
	}
	return nil
}

// TestRule runs one rule against ctx regardless of its enabled flag and triggers.
// Engine errors are returned alongside the failed execution.
func (en *Engine) TestRule(ctx context.Context, ruleID string, rctx Context) (*Execution, error) {
	rule, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}
	if err := rctx.Validate(); err != nil {
		return nil, err
	}
	if rctx.Version == 0 {
		rctx.Version = ContextVersion
	}
	event := TriggerEvent{Type: TriggerUserAction, Filters: map[string]any{"test": true}}
	return en.ExecuteRule(ctx, rule, event, rctx)
}

// GetExecutions returns recorded executions; an empty ruleID returns all
func (en *Engine) GetExecutions(ruleID string) []*Execution {
	return en.executions.List(ruleID)
}

// GetExecution returns one recorded execution
func (en *Engine) GetExecution(id string) (*Execution, bool) {
	return en.executions.Get(id)
}

// CleanupResult reports what Cleanup removed
type CleanupResult struct {
	RemovedExecutions int `json:"removedExecutions"`
	CancelledJobs     int `json:"cancelledJobs"`
}

// Cleanup removes executions older than the retention window and cancels every
// schedule job. It is the engine's teardown.
func (en *Engine) Cleanup() CleanupResult {
	res := CleanupResult{
		RemovedExecutions: en.executions.Prune(en.clock.Now()),
		CancelledJobs:     en.scheduler.CancelAll(),
	}
	en.logger.Info("engine cleanup",
		slog.Int("removed_executions", res.RemovedExecutions),
		slog.Int("cancelled_jobs", res.CancelledJobs),
	)
	en.refreshGauges()
	return res
}

// PruneExecutions applies the retention window without touching schedules
func (en *Engine) PruneExecutions() int {
	n := en.executions.Prune(en.clock.Now())
	en.refreshGauges()
	return n
}

// StartJanitor prunes expired executions every interval until ctx is done
func (en *Engine) StartJanitor(ctx context.Context, every time.Duration) {
	handle := en.clock.Schedule(every, func() {
		if n := en.PruneExecutions(); n > 0 {
			en.logger.Debug("pruned executions", slog.Int("removed", n))
		}
	})
	go func() {
		<-ctx.Done()
		en.clock.Cancel(handle)
	}()
}

// ScheduledRules returns the IDs of rules with a live schedule job
func (en *Engine) ScheduledRules() []string {
	return en.scheduler.Jobs()
}

// CacheStats exposes the enabled-rule cache counters
func (en *Engine) CacheStats() CacheStats {
	return en.cache.Stats()
}

// fireScheduled handles a schedule tick. Ticks for rules that are gone or
// disabled cancel their job instead of dispatching; a failed lookup skips
// the tick only.
func (en *Engine) fireScheduled(ruleID string) {
	rule, err := en.store.Get(ruleID)
	if err != nil && !IsRuleNotFound(err) {
		// The rule may still exist; keep the job and retry on the next tick
		en.logger.Error("scheduled rule lookup failed", slog.String("rule_id", ruleID), slog.Any("error", err))
		return
	}
	if err != nil || !rule.Enabled {
		en.scheduler.Cancel(ruleID)
		return
	}

	event := TriggerEvent{Type: TriggerScheduled, RuleID: ruleID}
	rctx := Context{Version: ContextVersion, Current: &CurrentContext{Time: en.clock.Now()}}
	if _, err := en.ProcessEvent(context.Background(), event, rctx); err != nil {
		en.logger.Error("scheduled dispatch failed", slog.String("rule_id", ruleID), slog.Any("error", err))
	}
}

func (en *Engine) refreshGauges() {
	if en.metrics == nil {
		return
	}
	en.metrics.setGauges(len(en.scheduler.Jobs()), en.executions.Len())
}
