// Package errors provides custom error types for the prochub application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodeCommandNotAllowed = "COMMAND_NOT_ALLOWED"
	ErrCodeCwdNotAllowed     = "CWD_NOT_ALLOWED"
	ErrCodeServiceBusy       = "SERVICE_BUSY"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeSpawnFailed       = "SPAWN_FAILED"
	ErrCodeIoError           = "IO_ERROR"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// AlreadyExists creates a new duplicate-id error for a resource.
func AlreadyExists(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyExists,
		Message:    fmt.Sprintf("%s with id '%s' already exists", resource, id),
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidArgument creates a new invalid argument error.
func InvalidArgument(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidArgument,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// CommandNotAllowed creates a policy rejection for a command.
func CommandNotAllowed(command string) *AppError {
	return &AppError{
		Code:       ErrCodeCommandNotAllowed,
		Message:    fmt.Sprintf("command '%s' is not in the allow-list", command),
		HTTPStatus: http.StatusForbidden,
	}
}

// CwdNotAllowed creates a policy rejection for a working directory.
func CwdNotAllowed(cwd string) *AppError {
	return &AppError{
		Code:       ErrCodeCwdNotAllowed,
		Message:    fmt.Sprintf("working directory '%s' is not under an allowed prefix", cwd),
		HTTPStatus: http.StatusForbidden,
	}
}

// ServiceBusy creates an error for operations that require a stopped service.
func ServiceBusy(id string, state string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceBusy,
		Message:    fmt.Sprintf("service '%s' is %s", id, state),
		HTTPStatus: http.StatusConflict,
	}
}

// IllegalTransition creates an error for a state transition that is not permitted.
func IllegalTransition(id string, from string, op string) *AppError {
	return &AppError{
		Code:       ErrCodeIllegalTransition,
		Message:    fmt.Sprintf("cannot %s service '%s' while %s", op, id, from),
		HTTPStatus: http.StatusConflict,
	}
}

// PermissionDenied creates an error for a caller lacking the required capability.
func PermissionDenied(message string) *AppError {
	return &AppError{
		Code:       ErrCodePermissionDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// SpawnFailed creates an error for an OS exec failure with a wrapped cause.
func SpawnFailed(id string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnFailed,
		Message:    fmt.Sprintf("failed to spawn service '%s'", id),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IoError creates an error for a PTY or persistence I/O failure.
func IoError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeIoError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsAppError extracts an AppError from err, or wraps err as an internal error.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error(), err)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsPermissionDenied checks if the error is a permission denied error.
func IsPermissionDenied(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodePermissionDenied
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
