package saga

import (
	"context"
	"errors"

	"memberhub/internal/apperrors"
)

// Error marks a creator failure with an explicit retry classification.
type Error struct {
	Err       error
	retryable bool
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Retryable marks err as transient.
func Retryable(err error) error {
	return &Error{Err: err, retryable: true}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return &Error{Err: err, retryable: false}
}

// Classify reports whether a creator failure may be retried. Timeouts and
// unclassified transport failures are transient; validation and conflict
// errors are not.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	var se *Error
	if errors.As(err, &se) {
		return se.retryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	switch apperrors.GetCode(err) {
	case apperrors.CodeUnknown:
		return true
	case apperrors.CodeValidation, apperrors.CodeConflict, apperrors.CodeEntityCreationFailed:
		return false
	default:
		return apperrors.IsRecoverable(err)
	}
}
