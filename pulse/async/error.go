package async

import (
	"github.com/teranos/kairos/errors"
)

// ErrPermanent marks a payload error that no retry can fix
var ErrPermanent = errors.New("permanent failure")

// errPanic marks errors recovered from a panicking payload
var errPanic = errors.New("payload panicked")

// Permanent marks err so the job gives up without using its remaining attempts.
// Handlers return it for bad input and other failures that would repeat.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// ErrorCode represents the classification of an attempt failure
type ErrorCode string

const (
	ErrorCodeTimeout   ErrorCode = "timeout"
	ErrorCodeCancelled ErrorCode = "cancelled"
	ErrorCodePanic     ErrorCode = "panic"
	ErrorCodePermanent ErrorCode = "permanent"
	ErrorCodeUnknown   ErrorCode = "unknown"
)

// ErrorContext provides structured information about an attempt failure
type ErrorContext struct {
	Code      ErrorCode
	Message   string
	Retryable bool // false skips the retry policy
}

// ClassifyError categorizes an attempt failure by its marks
func ClassifyError(err error) ErrorContext {
	if err == nil {
		return ErrorContext{Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ec := ErrorContext{Message: err.Error(), Retryable: true}
	switch {
	case errors.Is(err, errors.ErrCancelled):
		ec.Code = ErrorCodeCancelled
		ec.Retryable = false
	case errors.Is(err, ErrPermanent):
		ec.Code = ErrorCodePermanent
		ec.Retryable = false
	case errors.Is(err, errors.ErrTimeout):
		ec.Code = ErrorCodeTimeout
	case errors.Is(err, errPanic):
		ec.Code = ErrorCodePanic
	default:
		ec.Code = ErrorCodeUnknown
	}
	return ec
}
