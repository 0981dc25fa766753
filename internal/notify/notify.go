// Package notify provides the delivery sinks for send_notification actions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/liamcoop/ruleautomation/rules"
)

// LogNotifier writes notifications to the structured log
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log sink
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Send logs n at a level derived from n.Level
func (l *LogNotifier) Send(ctx context.Context, n rules.Notification) error {
	level := slog.LevelInfo
	switch n.Level {
	case "warning", "warn":
		level = slog.LevelWarn
	case "error", "critical":
		level = slog.LevelError
	}
	l.logger.LogAttrs(ctx, level, n.Message,
		slog.String("title", n.Title),
		slog.String("level", n.Level),
		slog.Any("recipients", n.Recipients),
		slog.Any("data", n.Data),
	)
	return nil
}

// WebhookNotifier posts notifications as JSON to a fixed URL
type WebhookNotifier struct {
	url    string
	caller rules.HTTPCaller
}

// NewWebhookNotifier creates a sink posting to url through caller
func NewWebhookNotifier(url string, caller rules.HTTPCaller) *WebhookNotifier {
	return &WebhookNotifier{url: url, caller: caller}
}

// Send posts n
func (w *WebhookNotifier) Send(ctx context.Context, n rules.Notification) error {
	if _, err := w.caller.Call(ctx, w.url, "POST", n); err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	return nil
}

// MultiNotifier delivers to every sink. Every sink is attempted; the joined
// errors of the failing ones are returned.
type MultiNotifier []rules.Notifier

// Send fans n out to all sinks
func (m MultiNotifier) Send(ctx context.Context, n rules.Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
