package command

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX utilities")
	}
}

func TestRunQuotedArguments(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(time.Second, nil, nil)

	out, err := r.Run(context.Background(), `echo "Timer for CORE-1" 'by Ana'`)
	require.NoError(t, err)
	assert.Equal(t, "Timer for CORE-1 by Ana\n", out)
}

func TestRunNoShellExpansion(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(time.Second, nil, nil)

	out, err := r.Run(context.Background(), `echo "a; rm -rf /"`)
	require.NoError(t, err)
	assert.Equal(t, "a; rm -rf /\n", out)
}

func TestRunAllowlist(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(time.Second, []string{"echo"}, nil)

	_, err := r.Run(context.Background(), "echo allowed")
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "/bin/echo allowed by base name")
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "ls /")
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestRunEmptyAndMalformed(t *testing.T) {
	r := NewRunner(time.Second, nil, nil)

	_, err := r.Run(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = r.Run(context.Background(), `echo "unterminated`)
	assert.Error(t, err)
}

func TestRunFailureKeepsOutput(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(time.Second, nil, nil)

	out, err := r.Run(context.Background(), `sh -c "echo oops >&2; exit 3"`)
	assert.ErrorIs(t, err, ErrCommandExecution)
	assert.Equal(t, "oops\n", out)
}

func TestRunTimeout(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(50*time.Millisecond, nil, nil)

	start := time.Now()
	_, err := r.Run(context.Background(), "sleep 5")
	assert.ErrorIs(t, err, ErrCommandExecution)
	assert.Less(t, time.Since(start), 4*time.Second)
}
