package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := Logger
			defer func() { Logger = prev; JSONOutput = false }()

			require.NoError(t, Initialize(tt.jsonOutput))
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
		})
	}
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(-1))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.Equal(t, "Info (-v)", LevelName(1))
}

func TestPulseHelpersAttachSymbol(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger
	Logger = zap.New(core).Sugar()
	defer func() { Logger = prev }()

	PulseInfow("Job claimed", FieldJobID, "JB01")
	DBInfow("Migration applied", "version", "001")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "꩜", entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "JB01", entries[0].ContextMap()[FieldJobID])
	assert.Equal(t, "⊔", entries[1].ContextMap()[FieldSymbol])
}

func TestLoggerFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	ctx := WithComponent(WithJobID(context.Background(), "JB42"), "worker")
	LoggerFromContext(ctx, base).Infow("running")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "JB42", fields[FieldJobID])
	assert.Equal(t, "worker", fields[FieldComponent])

	// No context fields returns the base logger untouched
	assert.Same(t, base, LoggerFromContext(context.Background(), base))
}
