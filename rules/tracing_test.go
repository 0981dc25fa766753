package rules

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// TestExecutionSpans verifies one rule span per execution with a child span per action
func TestExecutionSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	en := newTestEngine(t, WithTracerProvider(tp))
	en.notifier.err = errTest
	mustAdd(t, en, overtimeRule())

	if _, err := en.ProcessEvent(context.Background(), TriggerEvent{Type: TriggerTimerLong}, overtimeContext(32400000)); err != nil {
		t.Fatalf("ProcessEvent() failed: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}

	action, rule := spans[0], spans[1]
	if rule.Name() != "rule.execute" || action.Name() != "action.execute" {
		t.Fatalf("Unexpected span names %q, %q", rule.Name(), action.Name())
	}
	if action.Parent().SpanID() != rule.SpanContext().SpanID() {
		t.Error("Action span should be a child of the rule span")
	}
	if v, ok := spanAttr(rule, "rule.id"); !ok || v.AsString() != "overtime" {
		t.Errorf("Expected rule.id attribute, got %v", v)
	}
	if v, ok := spanAttr(rule, "execution.status"); !ok || v.AsString() != string(StatusCompleted) {
		t.Errorf("Action failures keep the execution completed, got %v", v)
	}
	if action.Status().Code != codes.Error {
		t.Errorf("Expected failed action span, got %v", action.Status())
	}
}
