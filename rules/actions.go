package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notification is what a send_notification action hands to the Notifier
type Notification struct {
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Level      string         `json:"level"`
	Recipients []string       `json:"recipients,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notifier delivers notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// WorkItem is a time entry logged against an issue
type WorkItem struct {
	Minutes     int64     `json:"minutes"`
	Description string    `json:"description,omitempty"`
	Type        string    `json:"type,omitempty"`
	Date        time.Time `json:"date"`
}

// IssueTracker is the issue tracker client used by issue actions.
// Calls may fail on permission or network errors.
type IssueTracker interface {
	UpdateIssue(ctx context.Context, issueID string, fields map[string]any) error
	AddComment(ctx context.Context, issueID, text string) error
	AssignUser(ctx context.Context, issueID, login string) error
	LogTime(ctx context.Context, issueID string, item WorkItem) error
}

// CommandRunner runs a command line and returns its output
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// HTTPResponse is the part of an HTTP reply recorded in action results
type HTTPResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body,omitempty"`
}

// HTTPCaller performs webhook calls. Timeouts belong to the implementation.
type HTTPCaller interface {
	Call(ctx context.Context, url, method string, payload any) (*HTTPResponse, error)
}

// CustomHandler implements a named custom action
type CustomHandler func(ctx context.Context, params map[string]any, rctx Context) (map[string]any, error)

// Collaborators groups the external dependencies actions dispatch to.
// A nil collaborator makes the actions that need it fail.
type Collaborators struct {
	Notifier Notifier
	Tracker  IssueTracker
	Runner   CommandRunner
	HTTP     HTTPCaller
}

// Executor runs single actions against the configured collaborators
type Executor struct {
	collab Collaborators
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu     sync.RWMutex
	custom map[string]CustomHandler
}

// NewExecutor creates an action executor
func NewExecutor(collab Collaborators, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		collab: collab,
		logger: logger,
		tracer: otel.Tracer("rules/actions"),
		now:    time.Now,
		custom: make(map[string]CustomHandler),
	}
}

// RegisterCustom registers the handler invoked by custom actions whose
// "handler" parameter equals name
func (x *Executor) RegisterCustom(name string, h CustomHandler) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.custom[name] = h
}

// Execute runs one action, applying its retry policy. The returned output is
// the action's result descriptor; attempts counts handler invocations.
func (x *Executor) Execute(ctx context.Context, action Action, rctx Context) (map[string]any, int, error) {
	ctx, span := x.tracer.Start(ctx, "action.execute", trace.WithAttributes(
		attribute.String("action.type", string(action.Type)),
	))
	defer span.End()

	vars := rctx.Map()
	var (
		output   map[string]any
		attempts int
	)
	err := runWithRetry(ctx, action.RetryPolicy, func() error {
		attempts++
		out, err := x.dispatch(ctx, action, rctx, vars)
		if err != nil {
			var missing *MissingContextError
			if errors.As(err, &missing) {
				return permanent(err)
			}
			if attempts > 1 || action.RetryPolicy != nil {
				x.logger.Debug("action attempt failed",
					slog.String("action", string(action.Type)),
					slog.Int("attempt", attempts),
					slog.Any("error", err),
				)
			}
			return err
		}
		output = out
		return nil
	})
	span.SetAttributes(attribute.Int("action.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var missing *MissingContextError
		if errors.As(err, &missing) {
			return nil, attempts, err
		}
		var aee *ActionExecutionError
		if errors.As(err, &aee) {
			aee.Attempts = attempts
			return nil, attempts, aee
		}
		return nil, attempts, &ActionExecutionError{Action: action.Type, Attempts: attempts, Err: err}
	}
	return output, attempts, nil
}

func (x *Executor) dispatch(ctx context.Context, action Action, rctx Context, vars map[string]any) (map[string]any, error) {
	params, _ := InterpolateValue(action.Parameters, vars).(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	switch action.Type {
	case ActionSendNotification:
		return x.sendNotification(ctx, params)
	case ActionUpdateIssue:
		return x.updateIssue(ctx, params, rctx)
	case ActionAddComment:
		return x.addComment(ctx, params, rctx)
	case ActionAssignUser:
		return x.assignUser(ctx, params, rctx)
	case ActionLogTime:
		return x.logTime(ctx, params, rctx)
	case ActionRunCommand:
		return x.runCommand(ctx, params)
	case ActionWebhook:
		return x.webhook(ctx, params, vars)
	case ActionCustom:
		return x.runCustom(ctx, params, rctx)
	default:
		return nil, fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (x *Executor) sendNotification(ctx context.Context, params map[string]any) (map[string]any, error) {
	if x.collab.Notifier == nil {
		return nil, fmt.Errorf("notifier: %w", ErrCollaboratorUnavailable)
	}
	n := Notification{
		Title:      stringParam(params, "title", "Automation rule"),
		Message:    stringParam(params, "message", ""),
		Level:      stringParam(params, "level", "info"),
		Recipients: stringSliceParam(params, "recipients"),
	}
	if data, ok := params["data"].(map[string]any); ok {
		n.Data = data
	}
	if n.Message == "" {
		return nil, errors.New("send_notification requires a message parameter")
	}
	if err := x.collab.Notifier.Send(ctx, n); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true, "message": n.Message}, nil
}

func (x *Executor) updateIssue(ctx context.Context, params map[string]any, rctx Context) (map[string]any, error) {
	issueID, err := requireIssue(ActionUpdateIssue, rctx)
	if err != nil {
		return nil, err
	}
	if x.collab.Tracker == nil {
		return nil, fmt.Errorf("issue tracker: %w", ErrCollaboratorUnavailable)
	}
	fields, ok := params["fields"].(map[string]any)
	if !ok {
		fields = params
	}
	if len(fields) == 0 {
		return nil, errors.New("update_issue requires at least one field")
	}
	if err := x.collab.Tracker.UpdateIssue(ctx, issueID, fields); err != nil {
		return nil, err
	}
	updated := make([]any, 0, len(fields))
	for k := range fields {
		updated = append(updated, k)
	}
	return map[string]any{"issueId": issueID, "updatedFields": updated}, nil
}

func (x *Executor) addComment(ctx context.Context, params map[string]any, rctx Context) (map[string]any, error) {
	issueID, err := requireIssue(ActionAddComment, rctx)
	if err != nil {
		return nil, err
	}
	if x.collab.Tracker == nil {
		return nil, fmt.Errorf("issue tracker: %w", ErrCollaboratorUnavailable)
	}
	text := stringParam(params, "text", stringParam(params, "comment", ""))
	if text == "" {
		return nil, errors.New("add_comment requires a text parameter")
	}
	if err := x.collab.Tracker.AddComment(ctx, issueID, text); err != nil {
		return nil, err
	}
	return map[string]any{"issueId": issueID, "commentAdded": true}, nil
}

func (x *Executor) assignUser(ctx context.Context, params map[string]any, rctx Context) (map[string]any, error) {
	issueID, err := requireIssue(ActionAssignUser, rctx)
	if err != nil {
		return nil, err
	}
	if x.collab.Tracker == nil {
		return nil, fmt.Errorf("issue tracker: %w", ErrCollaboratorUnavailable)
	}
	login := stringParam(params, "assignee", stringParam(params, "user", ""))
	if login == "" {
		return nil, errors.New("assign_user requires an assignee parameter")
	}
	if err := x.collab.Tracker.AssignUser(ctx, issueID, login); err != nil {
		return nil, err
	}
	return map[string]any{"issueId": issueID, "assignee": login}, nil
}

func (x *Executor) logTime(ctx context.Context, params map[string]any, rctx Context) (map[string]any, error) {
	var missing []string
	if rctx.Issue == nil || rctx.Issue.ID == "" {
		missing = append(missing, "issue.id")
	}
	if rctx.Timer == nil {
		missing = append(missing, "timer")
	}
	if len(missing) > 0 {
		return nil, &MissingContextError{Action: ActionLogTime, Fields: missing}
	}
	if x.collab.Tracker == nil {
		return nil, fmt.Errorf("issue tracker: %w", ErrCollaboratorUnavailable)
	}

	// Default to the tracked time, rounded up to whole minutes
	minutes := int64(math.Ceil(float64(rctx.Timer.ElapsedMs) / float64(time.Minute/time.Millisecond)))
	if v, ok := toNumber(params["minutes"]); ok {
		minutes = int64(v)
	}
	if minutes <= 0 {
		return nil, errors.New("log_time requires a positive duration")
	}
	item := WorkItem{
		Minutes:     minutes,
		Description: stringParam(params, "description", ""),
		Type:        stringParam(params, "workType", ""),
		Date:        x.now(),
	}
	if err := x.collab.Tracker.LogTime(ctx, rctx.Issue.ID, item); err != nil {
		return nil, err
	}
	return map[string]any{"issueId": rctx.Issue.ID, "minutes": minutes}, nil
}

func (x *Executor) runCommand(ctx context.Context, params map[string]any) (map[string]any, error) {
	if x.collab.Runner == nil {
		return nil, fmt.Errorf("command runner: %w", ErrCollaboratorUnavailable)
	}
	command := stringParam(params, "command", "")
	if command == "" {
		return nil, errors.New("run_command requires a command parameter")
	}
	output, err := x.collab.Runner.Run(ctx, command)
	if err != nil {
		return nil, err
	}
	return map[string]any{"command": command, "output": output}, nil
}

func (x *Executor) webhook(ctx context.Context, params map[string]any, vars map[string]any) (map[string]any, error) {
	if x.collab.HTTP == nil {
		return nil, fmt.Errorf("http client: %w", ErrCollaboratorUnavailable)
	}
	url := stringParam(params, "url", "")
	if url == "" {
		return nil, errors.New("webhook requires a url parameter")
	}
	method := stringParam(params, "method", "POST")
	payload, ok := params["payload"]
	if !ok {
		payload = vars
	}
	resp, err := x.collab.HTTP.Call(ctx, url, method, payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "method": method, "statusCode": resp.StatusCode}, nil
}

func (x *Executor) runCustom(ctx context.Context, params map[string]any, rctx Context) (map[string]any, error) {
	name := stringParam(params, "handler", "")
	x.mu.RLock()
	h, ok := x.custom[name]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no custom handler registered for %q", name)
	}
	out, err := h(ctx, params, rctx.Clone())
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	out["handler"] = name
	return out, nil
}

func requireIssue(action ActionType, rctx Context) (string, error) {
	if rctx.Issue == nil || rctx.Issue.ID == "" {
		return "", &MissingContextError{Action: action, Fields: []string{"issue.id"}}
	}
	return rctx.Issue.ID, nil
}

func stringParam(params map[string]any, key, fallback string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return fallback
		}
		return s
	}
	return stringify(v)
}

func stringSliceParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, coerceString(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
