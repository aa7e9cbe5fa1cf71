package commands

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/kairos/errors"
	"github.com/teranos/kairos/pulse/async"
)

func shellJob(t *testing.T, args ShellArgs) *async.Job {
	t.Helper()
	payload, err := json.Marshal(args)
	require.NoError(t, err)
	return &async.Job{ID: "shell-test", HandlerName: ShellHandlerName, Payload: payload}
}

func TestShellHandler_Runs(t *testing.T) {
	dir := t.TempDir()
	h := NewShellHandler(time.Second)
	assert.Equal(t, "shell.exec", h.Name())

	err := h.Execute(context.Background(), shellJob(t, ShellArgs{
		Command: `sh -c 'echo "$GREETING" > out.txt'`,
		Dir:     dir,
		Env:     []string{"GREETING=hello kairos"},
	}))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello kairos\n", string(data))
}

func TestShellHandler_Failures(t *testing.T) {
	h := NewShellHandler(time.Second)
	ctx := context.Background()

	t.Run("non-zero exit is retryable", func(t *testing.T) {
		err := h.Execute(ctx, shellJob(t, ShellArgs{Command: `sh -c 'echo disk full; exit 3'`}))
		require.Error(t, err)
		assert.False(t, errors.Is(err, async.ErrPermanent))
		assert.Contains(t, errors.FlattenDetails(err), "disk full")
	})

	t.Run("empty command is permanent", func(t *testing.T) {
		err := h.Execute(ctx, shellJob(t, ShellArgs{Command: "   "}))
		assert.True(t, errors.Is(err, async.ErrPermanent))
	})

	t.Run("missing payload is permanent", func(t *testing.T) {
		err := h.Execute(ctx, &async.Job{ID: "shell-empty", HandlerName: ShellHandlerName})
		assert.True(t, errors.Is(err, async.ErrPermanent))
	})

	t.Run("unbalanced quotes are permanent", func(t *testing.T) {
		err := h.Execute(ctx, shellJob(t, ShellArgs{Command: `echo 'oops`}))
		assert.True(t, errors.Is(err, async.ErrPermanent))
	})

	t.Run("unknown binary is permanent", func(t *testing.T) {
		err := h.Execute(ctx, shellJob(t, ShellArgs{Command: "kairos-no-such-binary --flag"}))
		assert.True(t, errors.Is(err, async.ErrPermanent))
	})
}

func TestShellHandler_Cancellation(t *testing.T) {
	h := NewShellHandler(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := h.Execute(ctx, shellJob(t, ShellArgs{Command: "sleep 5"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "ok", truncateOutput("  ok\n"))
	long := make([]byte, maxShellOutput+10)
	for i := range long {
		long[i] = 'x'
	}
	out := truncateOutput(string(long))
	assert.Len(t, out, maxShellOutput+len("... (truncated)"))
}
