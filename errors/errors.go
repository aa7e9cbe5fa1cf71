// Package errors provides error handling for kairos.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details and hints that survive wrapping
//
// It also defines the scheduling error taxonomy. Call sites wrap the
// sentinels so errors.Is keeps working after context is added:
//
//	return errors.Wrapf(errors.ErrNotFound, "job %s", id)
//
//	if errors.Is(err, errors.ErrInvalidTransition) {
//	    // job was left unchanged
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails

	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Scheduling error taxonomy.
var (
	// ErrNotFound indicates the job id is unknown to the store
	ErrNotFound = New("not found")

	// ErrInvalidTransition indicates the job's current state does not permit
	// the requested transition. The job is left unchanged.
	ErrInvalidTransition = New("invalid state transition")

	// ErrDuplicateID indicates a job id collision on create
	ErrDuplicateID = New("duplicate job id")

	// ErrTimeout indicates a job payload exceeded its execution timeout
	ErrTimeout = New("job execution timed out")

	// ErrInvalidRule indicates a malformed recurrence rule
	ErrInvalidRule = New("invalid recurrence rule")

	// ErrCyclicContinuation indicates a continuation whose parent chain
	// leads back to the child
	ErrCyclicContinuation = New("cyclic continuation")

	// ErrCancelled indicates a job was cancelled explicitly
	ErrCancelled = New("job cancelled")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidTransitionError checks if an error is or wraps ErrInvalidTransition.
func IsInvalidTransitionError(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidTransitionError creates an invalid-transition error with from/to details.
func NewInvalidTransitionError(id string, from, to string) error {
	err := Wrapf(ErrInvalidTransition, "job %s: %s -> %s", id, from, to)
	err = WithDetailf(err, "Job ID: %s", id)
	err = WithDetailf(err, "Current state: %s", from)
	return WithDetailf(err, "Requested state: %s", to)
}

// NewInvalidRuleError creates an invalid-rule error carrying the offending rule.
func NewInvalidRuleError(rule string, cause error) error {
	var err error
	if cause != nil {
		err = Wrapf(Mark(cause, ErrInvalidRule), "invalid recurrence rule %q", rule)
	} else {
		err = Wrapf(ErrInvalidRule, "%q", rule)
	}
	return WithHint(err, `use "every <N> <seconds|minutes|hours|days>" or a 5-field cron expression like "*/5 * * * *"`)
}
