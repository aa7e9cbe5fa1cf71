package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across kairos.
const (
	// Identity
	FieldJobID     = "job_id"
	FieldParentID  = "parent_id"
	FieldWorkerID  = "worker_id"
	FieldClaimedBy = "claimed_by"

	// Components
	FieldComponent = "component"
	FieldHandler   = "handler"

	// Job lifecycle
	FieldState    = "state"
	FieldFrom     = "from"
	FieldTo       = "to"
	FieldAttempt  = "attempt"
	FieldNextFire = "next_fire_at"
	FieldRule     = "rule"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldDelay      = "delay"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Files
	FieldPath = "path"

	FieldSymbol = "symbol" // kairos symbol (꩜, ✿, ❀, ⊔)
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}
	return fields
}

// LoggerFromContext returns a logger carrying the job_id/component found in ctx.
// Handlers use this so their output can be correlated with the job that ran them.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
func ComponentLogger(component string) *zap.SugaredLogger {
	return Logger.Named(component)
}
