package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const regexCacheSize = 256

// ConditionEvaluator evaluates a rule's AND-combined conditions against a context.
// It never returns errors: malformed conditions are logged and evaluate to false.
type ConditionEvaluator struct {
	logger  *slog.Logger
	now     func() time.Time
	regexes *lru.Cache[string, *regexp.Regexp]
	exprs   *expressionCompiler
}

// NewConditionEvaluator creates an evaluator. now supplies the instant used by
// time_of_day conditions when the context carries no current time.
func NewConditionEvaluator(logger *slog.Logger, now func() time.Time) (*ConditionEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	regexes, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create regex cache: %w", err)
	}
	exprs, err := newExpressionCompiler()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{
		logger:  logger,
		now:     now,
		regexes: regexes,
		exprs:   exprs,
	}, nil
}

// EvaluateConditions returns true when every condition holds, stopping at the first false.
// An empty list holds.
func (ev *ConditionEvaluator) EvaluateConditions(conditions []Condition, rctx Context) bool {
	if len(conditions) == 0 {
		return true
	}
	tree := rctx.Map()
	for _, cond := range conditions {
		if !ev.evaluateWithTree(cond, rctx, tree) {
			return false
		}
	}
	return true
}

// EvaluateCondition evaluates a single condition
func (ev *ConditionEvaluator) EvaluateCondition(cond Condition, rctx Context) bool {
	return ev.evaluateWithTree(cond, rctx, rctx.Map())
}

func (ev *ConditionEvaluator) evaluateWithTree(cond Condition, rctx Context, tree map[string]any) bool {
	matched, err := ev.evaluate(cond, rctx, tree)
	if err != nil {
		ev.logger.Warn("condition evaluated as false",
			slog.String("event", "condition_invalid"),
			slog.String("type", string(cond.Type)),
			slog.String("operator", string(cond.Operator)),
			slog.Any("error", err),
		)
		return false
	}
	return matched
}

func (ev *ConditionEvaluator) evaluate(cond Condition, rctx Context, tree map[string]any) (bool, error) {
	var (
		actual any
		found  bool
	)

	switch cond.Type {
	case ConditionTimerDuration:
		actual, found = LookupPath(tree, "timer.elapsedMs")
	case ConditionTimerStatus:
		actual, found = LookupPath(tree, "timer.status")
	case ConditionIssueState:
		actual, found = LookupPath(tree, "issue.state")
	case ConditionUserRole:
		actual, found = LookupPath(tree, "user.role")
	case ConditionProject:
		actual, found = LookupPath(tree, "issue.projectShortName")
	case ConditionTimeOfDay:
		at := ev.now()
		if rctx.Current != nil && !rctx.Current.Time.IsZero() {
			at = rctx.Current.Time
		}
		actual, found = at.Local().Hour(), true
	case ConditionCustom:
		if cond.Field == "" {
			return false, &ConditionEvaluationError{Type: cond.Type, Operator: cond.Operator, Message: "custom condition requires a field"}
		}
		actual, found = LookupPath(tree, cond.Field)
	case ConditionExpression:
		expr, ok := cond.Value.(string)
		if !ok || expr == "" {
			return false, &ConditionEvaluationError{Type: cond.Type, Message: "expression condition requires a string value"}
		}
		matched, err := ev.exprs.Eval(expr, tree)
		if err != nil {
			return false, &ConditionEvaluationError{Type: cond.Type, Message: "expression evaluation failed", Err: err}
		}
		return matched, nil
	default:
		return false, &ConditionEvaluationError{Type: cond.Type, Operator: cond.Operator, Message: "unknown condition type"}
	}

	if !found {
		actual = nil
	}
	return ev.applyOperator(cond, actual)
}

func (ev *ConditionEvaluator) applyOperator(cond Condition, actual any) (bool, error) {
	switch cond.Operator {
	case OpEquals:
		return strictEqual(actual, cond.Value), nil
	case OpNotEquals:
		return !strictEqual(actual, cond.Value), nil
	case OpGreaterThan:
		a, b, ok := numericPair(actual, cond.Value)
		return ok && a > b, nil
	case OpLessThan:
		a, b, ok := numericPair(actual, cond.Value)
		return ok && a < b, nil
	case OpContains:
		return strings.Contains(coerceString(actual), coerceString(cond.Value)), nil
	case OpMatchesRegex:
		pattern := coerceString(cond.Value)
		re, err := ev.compileRegex(pattern)
		if err != nil {
			return false, &ConditionEvaluationError{Type: cond.Type, Operator: cond.Operator, Message: "invalid regex", Err: err}
		}
		return re.MatchString(coerceString(actual)), nil
	default:
		return false, &ConditionEvaluationError{Type: cond.Type, Operator: cond.Operator, Message: "unknown operator"}
	}
}

func (ev *ConditionEvaluator) compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := ev.regexes.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}
	ev.regexes.Add(pattern, re)
	return re, nil
}

// strictEqual compares without cross-type coercion; numbers compare by value
// regardless of their Go representation
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aIsNum := toFloat64(a)
	bn, bIsNum := toFloat64(b)
	if aIsNum || bIsNum {
		return aIsNum && bIsNum && an == bn
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

func numericPair(a, b any) (float64, float64, bool) {
	an, ok := toNumber(a)
	if !ok {
		return 0, 0, false
	}
	bn, ok := toNumber(b)
	if !ok {
		return 0, 0, false
	}
	return an, bn, true
}

// toNumber accepts numeric values and numeric strings; NaN is rejected
func toNumber(v any) (float64, bool) {
	if f, ok := toFloat64(v); ok {
		return f, !math.IsNaN(f)
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func coerceString(v any) string {
	if v == nil {
		return ""
	}
	return stringify(v)
}
