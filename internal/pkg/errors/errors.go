// Package errors provides custom error types and error handling utilities.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes.
const (
	// Input errors.
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMalformedQrelsLine = "MALFORMED_QRELS_LINE"
	CodeEmptyQuerySet      = "EMPTY_QUERY_SET"

	// Engine and runtime errors.
	CodeIndexUnavailable = "INDEX_UNAVAILABLE"
	CodeSearchFailed     = "SEARCH_FAILED"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL_ERROR"
)

// Detail keys used across packages.
const (
	DetailStage   = "stage"
	DetailQueryID = "query_id"
	DetailLine    = "line"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Fatal reports whether an error with this code must abort an evaluation run.
func (e *AppError) Fatal() bool {
	switch e.Code {
	case CodeMalformedQrelsLine, CodeNotFound:
		return false
	default:
		return true
	}
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Convenience constructors.

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// NotFoundError creates a not found error.
func NotFoundError(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// IndexUnavailableError creates an error for a missing or unreachable index.
func IndexUnavailableError(index string, err error) *AppError {
	return Wrap(CodeIndexUnavailable, fmt.Sprintf("index %q is unavailable", index), err)
}

// SearchFailedError creates an error for a failed ranker call.
func SearchFailedError(message string, err error) *AppError {
	return Wrap(CodeSearchFailed, message, err)
}

// EmptyQuerySetError creates the error returned when there is nothing to evaluate.
func EmptyQuerySetError() *AppError {
	return New(CodeEmptyQuerySet, "query set is empty")
}

// MalformedQrelsLineError describes a qrels line that was skipped.
func MalformedQrelsLineError(lineNo int, line string, err error) *AppError {
	return Wrap(CodeMalformedQrelsLine, fmt.Sprintf("malformed qrels line %d: %q", lineNo, line), err).
		WithDetail(DetailLine, fmt.Sprintf("%d", lineNo))
}

// InternalError creates an internal error.
func InternalError(message string, err error) *AppError {
	return Wrap(CodeInternal, message, err)
}

// TimeoutError creates a timeout error for a specific operation.
func TimeoutError(operation string, err error) *AppError {
	message := "operation timed out"
	if operation != "" {
		message = fmt.Sprintf("%s timed out", operation)
	}
	return Wrap(CodeTimeout, message, err)
}

// ServiceUnavailableError creates a service unavailable error.
func ServiceUnavailableError(service string, err error) *AppError {
	message := "service unavailable"
	if service != "" {
		message = fmt.Sprintf("%s is unavailable", service)
	}
	return Wrap(CodeUnavailable, message, err)
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsNotFound checks if error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsValidation checks if error is a validation error.
func IsValidation(err error) bool {
	return HasCode(err, CodeValidation)
}

// IsFatal reports whether err must abort an evaluation run. Errors without
// an AppError in their chain are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := As(err); ok {
		return appErr.Fatal()
	}
	return true
}

// IsIndexUnavailable checks if error is an index availability error.
func IsIndexUnavailable(err error) bool {
	return HasCode(err, CodeIndexUnavailable)
}

// Stage returns the pipeline stage recorded on the outermost AppError, if any.
func Stage(err error) string {
	if appErr, ok := As(err); ok && appErr.Details != nil {
		return appErr.Details[DetailStage]
	}
	return ""
}
