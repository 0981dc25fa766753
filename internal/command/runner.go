// Package command runs the shell-free command lines of run_command actions.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liamcoop/ruleautomation/rules"
)

var (
	ErrEmptyCommand     = errors.New("empty command")
	ErrNotAllowed       = errors.New("command not in allowlist")
	ErrCommandExecution = errors.New("command execution failed")
)

// maxOutputBytes bounds the output kept for action results
const maxOutputBytes = 16 * 1024

// Runner implements rules.CommandRunner. Command lines are split with shell
// quoting rules but never passed to a shell.
type Runner struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	timeout time.Duration
	allowed map[string]bool
}

var _ rules.CommandRunner = (*Runner)(nil)

// NewRunner creates a runner. An empty allowlist permits every program.
func NewRunner(timeout time.Duration, allowlist []string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowlist))
	for _, name := range allowlist {
		if name = strings.TrimSpace(name); name != "" {
			allowed[name] = true
		}
	}
	return &Runner{
		tracer:  otel.Tracer("command-runner"),
		logger:  logger,
		timeout: timeout,
		allowed: allowed,
	}
}

// Run executes command and returns its combined output
func (r *Runner) Run(ctx context.Context, command string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "run_command", trace.WithAttributes(
		attribute.String("command", command),
	))
	defer span.End()

	args, err := shellwords.Parse(command)
	if err != nil {
		return "", fmt.Errorf("failed to parse command: %w", err)
	}
	if len(args) == 0 {
		return "", ErrEmptyCommand
	}
	if len(r.allowed) > 0 && !r.allowed[args[0]] && !r.allowed[filepath.Base(args[0])] {
		return "", fmt.Errorf("%w: %s", ErrNotAllowed, args[0])
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()

	//nolint:gosec // G204: program and arguments come from rule definitions and the allowlist.
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	output := out.String()
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes]
	}

	logger := r.logger.With(slog.String("command", args[0]), slog.Duration("duration", time.Since(start)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.DebugContext(ctx, "command failed", slog.Any("error", err))
		return output, fmt.Errorf("%w: %w", ErrCommandExecution, err)
	}

	logger.DebugContext(ctx, "command executed successfully")
	return output, nil
}
