// Package errdefs defines the error taxonomy shared by all serverbox
// components. Every failure that crosses a package boundary is wrapped
// into an *Error carrying one of the Code constants below; the API layer
// maps codes to HTTP statuses.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for API responses and programmatic handling.
type Code string

const (
	CodeInvalidConfig        Code = "INVALID_CONFIG"
	CodeMissingAuth          Code = "MISSING_AUTH"
	CodeMissingDaytonaAPIKey Code = "MISSING_DAYTONA_API_KEY"
	CodeInstanceNotFound     Code = "INSTANCE_NOT_FOUND"
	CodeInstanceNotRunning   Code = "INSTANCE_NOT_RUNNING"
	CodeSandboxNotFound      Code = "SANDBOX_NOT_FOUND"
	CodeCreateFailed         Code = "CREATE_FAILED"
	CodeBootstrapFailed      Code = "BOOTSTRAP_FAILED"
	CodeHealthCheckFailed    Code = "HEALTH_CHECK_FAILED"
	CodeDaytonaAPIError      Code = "DAYTONA_API_ERROR"
	CodeStoreError           Code = "STORE_ERROR"
	CodeUnsupported          Code = "UNSUPPORTED_OPERATION"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without a cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil cause is allowed.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the classification of err, or "" if err is not classified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err is classified as code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to the response status used by the API layer.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInstanceNotFound:
		return http.StatusNotFound
	case CodeInstanceNotRunning:
		return http.StatusConflict
	case CodeInvalidConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Details returns the cause message for the "details" response field,
// or "" when there is no cause.
func Details(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Cause != nil {
		return e.Cause.Error()
	}
	return ""
}
