package apperrors

import (
	"errors"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain is the error domain attached to gRPC error details.
const Domain = "memberhub.registration"

// Error is the domain error type carried across the orchestrator boundary.
type Error struct {
	Code        Code
	Message     string
	Recoverable bool
	// EntityType is set for entity-creation failures so clients can target a retry.
	EntityType string
	Metadata   map[string]string
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a non-recoverable domain error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Recoverable creates a domain error the caller may retry.
func Recoverable(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Recoverable: true}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// ForEntity returns a copy of e scoped to an entity type.
func (e *Error) ForEntity(entityType string) *Error {
	cp := *e
	cp.EntityType = entityType
	return &cp
}

// WithRecoverable returns a copy of e with the recoverable flag set.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	cp := *e
	cp.Recoverable = recoverable
	return &cp
}

// GetCode extracts the error code from any error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsRecoverable reports whether err is a domain error marked recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// ToGRPCStatus converts the error to a gRPC status with errdetails.
func (e *Error) ToGRPCStatus() error {
	grpcCode := e.Code.GRPCCode()
	st := status.New(grpcCode, e.Error())

	metadata := map[string]string{
		"kind":        e.Code.Kind(),
		"recoverable": strconv.FormatBool(e.Recoverable),
	}
	if e.EntityType != "" {
		metadata["entity_type"] = e.EntityType
	}
	for k, v := range e.Metadata {
		metadata[k] = v
	}

	withDetails, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(e.Code),
		Domain:   Domain,
		Metadata: metadata,
	})
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// HandleError converts any error into a gRPC status error.
func HandleError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.ToGRPCStatus()
	}
	return status.Error(codes.Internal, "an unexpected error occurred")
}
