package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/kairos/errors"
)

func TestHandlerRegistry(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(NewHandlerFunc("report.build", func(context.Context, *Job) error { return nil }))
	registry.Register(NewHandlerFunc("email.send", func(context.Context, *Job) error { return nil }))

	assert.True(t, registry.Has("report.build"))
	assert.False(t, registry.Has("report.destroy"))
	assert.Nil(t, registry.Get("report.destroy"))
	assert.Equal(t, []string{"email.send", "report.build"}, registry.Names())

	assert.Panics(t, func() {
		registry.Register(NewHandlerFunc("email.send", func(context.Context, *Job) error { return nil }))
	})
}

func TestRegistryExecutor(t *testing.T) {
	registry := NewHandlerRegistry()
	var ran string
	registry.Register(NewHandlerFunc("report.build", func(ctx context.Context, job *Job) error {
		ran = job.ID
		return nil
	}))

	t.Run("routes by handler name", func(t *testing.T) {
		exec := NewRegistryExecutor(registry, nil)
		require.NoError(t, exec.Execute(context.Background(), &Job{ID: "r1", HandlerName: "report.build"}))
		assert.Equal(t, "r1", ran)
	})

	t.Run("unknown handler", func(t *testing.T) {
		exec := NewRegistryExecutor(registry, nil)
		err := exec.Execute(context.Background(), &Job{ID: "r2", HandlerName: "report.destroy"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "report.destroy")
		assert.Contains(t, errors.FlattenHints(err), "report.build")
	})

	t.Run("missing handler name", func(t *testing.T) {
		exec := NewRegistryExecutor(registry, nil)
		err := exec.Execute(context.Background(), &Job{ID: "r3"})
		assert.Error(t, err)
	})

	t.Run("fallback", func(t *testing.T) {
		var fellBack bool
		fallback := NewHandlerFunc("*", func(ctx context.Context, job *Job) error {
			fellBack = true
			return nil
		})
		exec := NewRegistryExecutor(registry, fallback)
		require.NoError(t, exec.Execute(context.Background(), &Job{ID: "r4", HandlerName: "legacy.task"}))
		assert.True(t, fellBack)
	})
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"timeout", errors.Wrap(errors.ErrTimeout, "job x"), ErrorCodeTimeout, true},
		{"cancelled", errors.Wrap(errors.ErrCancelled, "job x"), ErrorCodeCancelled, false},
		{"permanent", Permanent(errors.New("bad input")), ErrorCodePermanent, false},
		{"panic", errors.Mark(errors.New("boom"), errPanic), ErrorCodePanic, true},
		{"plain", errors.New("flaky"), ErrorCodeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := ClassifyError(tt.err)
			assert.Equal(t, tt.code, ec.Code)
			assert.Equal(t, tt.retryable, ec.Retryable)
		})
	}

	assert.Nil(t, Permanent(nil))
}
