package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Type alias for slog.Level for easier usage
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug // -4
	LevelInfo    = slog.LevelInfo  // 0
	LevelWarning = slog.LevelWarn  // 4
	LevelError   = slog.LevelError // 8
	LevelFatal   = slog.Level(12)  // 12
)

// Event attribute values the engine attaches to failure logs
const (
	EventRuleFailed       = "rule_failed"
	EventActionFailed     = "action_failed"
	EventConditionInvalid = "condition_invalid"
)

var (
	Logger          *slog.Logger
	errorSampleRate atomic.Int32
	programLevel    = new(slog.LevelVar)
	shutdownFunc    func(context.Context) error // nil unless OTEL is enabled
)

// Counters for the metrics endpoint, incremented regardless of sampling
var (
	TotalErrors       atomic.Int64
	TotalWarnings     atomic.Int64
	RuleFailures      atomic.Int64
	ActionFailures    atomic.Int64
	ConditionWarnings atomic.Int64
	Total5xxErrors    atomic.Int64
	Total4xxErrors    atomic.Int64
	Total400Errors    atomic.Int64
	Total404Errors    atomic.Int64
	Total409Errors    atomic.Int64
)

// Options configures Setup
type Options struct {
	Level string

	// ErrorSampleRate logs 1 out of every N warnings and errors; 1 logs all
	ErrorSampleRate int

	OTELEnabled bool
	ServiceName string

	// Output receives JSON logs (default: stdout)
	Output io.Writer
}

func init() {
	programLevel.Set(slog.LevelInfo)
	errorSampleRate.Store(1)
	setupJSONLogging(os.Stdout)
}

// Setup configures the package logger and installs it as slog's default.
// When OTEL is requested but cannot be set up, JSON logging is used instead.
func Setup(ctx context.Context, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil && opts.Level != "" {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	programLevel.Set(level)

	rate := opts.ErrorSampleRate
	if rate < 1 {
		rate = 1
	}
	errorSampleRate.Store(int32(rate))

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	if !opts.OTELEnabled {
		setupJSONLogging(out)
		return Logger, nil
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "rule-automation"
	}
	shutdown, err := setupOTELLogging(ctx, serviceName)
	if err != nil {
		setupJSONLogging(out)
		return Logger, fmt.Errorf("failed to setup OTEL logging, falling back to JSON: %w", err)
	}
	shutdownFunc = shutdown
	return Logger, nil
}

// setupJSONLogging configures JSON logging to w
func setupJSONLogging(w io.Writer) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: programLevel})
	Logger = slog.New(&countingHandler{handler: handler})
	slog.SetDefault(Logger)
}

// setupOTELLogging configures OpenTelemetry logging
func setupOTELLogging(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	// Bridge slog → OTel
	otelHandler := otelslog.NewHandler(
		serviceName,
		otelslog.WithLoggerProvider(loggerProvider),
	)

	Logger = slog.New(&countingHandler{handler: &levelHandler{
		level:   programLevel,
		handler: otelHandler,
	}})
	slog.SetDefault(Logger)

	return loggerProvider.Shutdown, nil
}

// levelHandler wraps a handler to filter by level
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// countingHandler increments the failure counters for every warning and error
// and samples their output. Lower levels pass through untouched.
type countingHandler struct {
	handler slog.Handler
}

func (h *countingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// Warnings and errors are always counted, even when filtered out
	return level >= slog.LevelWarn || h.handler.Enabled(ctx, level)
}

func (h *countingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < slog.LevelWarn {
		return h.handler.Handle(ctx, r)
	}

	if r.Level >= slog.LevelError {
		TotalErrors.Add(1)
	} else {
		TotalWarnings.Add(1)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "event" {
			return true
		}
		switch a.Value.String() {
		case EventRuleFailed:
			RuleFailures.Add(1)
		case EventActionFailed:
			ActionFailures.Add(1)
		case EventConditionInvalid:
			ConditionWarnings.Add(1)
		}
		return false
	})

	if !h.handler.Enabled(ctx, r.Level) || !shouldSample() {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

func (h *countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &countingHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *countingHandler) WithGroup(name string) slog.Handler {
	return &countingHandler{handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTEL exporter; a no-op for JSON logging.
// Call this during application shutdown
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel sets the minimum log level for the logger
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a string level name to slog.Level
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (defaulting to INFO)", levelStr)
	}
}

// shouldSample returns true if we should log this message (1 out of every N)
func shouldSample() bool {
	rate := errorSampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// Info logs an info-level message
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs a warning; output is sampled, counters are not
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

// Error logs an error; output is sampled, counters are not
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

// Fatal logs a fatal-level message and exits
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	if shutdownFunc != nil {
		_ = shutdownFunc(context.Background())
	}
	os.Exit(1)
}

// ErrorHttp5xx increments the server error counters
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx increments the client error counters
func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)

	switch status {
	case 400:
		Total400Errors.Add(1)
	case 404:
		Total404Errors.Add(1)
	case 409:
		Total409Errors.Add(1)
	}
}

// RegisterMetrics exposes the counters as Prometheus counters on reg
func RegisterMetrics(reg prometheus.Registerer) error {
	counters := []struct {
		name, help string
		v          *atomic.Int64
	}{
		{"log_errors_total", "Error-level log records, before sampling.", &TotalErrors},
		{"log_warnings_total", "Warning-level log records, before sampling.", &TotalWarnings},
		{"rule_failures_total", "Rule executions that ended with an engine error.", &RuleFailures},
		{"action_failures_total", "Actions that failed after their retries.", &ActionFailures},
		{"condition_warnings_total", "Malformed conditions evaluated as false.", &ConditionWarnings},
		{"http_5xx_total", "API responses with a 5xx status.", &Total5xxErrors},
		{"http_4xx_total", "API responses with a 4xx status.", &Total4xxErrors},
	}
	for _, c := range counters {
		v := c.v
		err := reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "rule_automation",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(v.Load()) }))
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", c.name, err)
		}
	}
	return nil
}
