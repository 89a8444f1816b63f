// Package apperrors provides the error taxonomy used across hAIvemind's
// orchestration core: every error that crosses a component boundary is
// classified so callers can decide whether to retry, escalate, or abort.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Class identifies which of the orchestrator's error categories an error
// belongs to, independent of its HTTP rendering.
type Class string

const (
	// ClassUser marks a request the caller must fix before retrying
	// (bad prompt, unknown project slug, malformed plan).
	ClassUser Class = "USER"

	// ClassTransientAgent marks a single agent attempt failing in a way
	// that retrying the same task, possibly at a higher tier, may resolve.
	ClassTransientAgent Class = "TRANSIENT_AGENT"

	// ClassFatalTask marks a task that has exhausted its retry budget and
	// cannot proceed on its own; dependents are blocked.
	ClassFatalTask Class = "FATAL_TASK"

	// ClassFatalSession marks a failure that invalidates the whole session
	// (checkpoint corruption, workspace loss).
	ClassFatalSession Class = "FATAL_SESSION"

	// ClassAdmissionRejected marks a task turned away by admission control
	// before it ever ran (concurrency ceiling, cost ceiling).
	ClassAdmissionRejected Class = "ADMISSION_REJECTED"

	// ClassInfrastructure marks a failure in hAIvemind's own plumbing
	// (disk, event bus, subprocess launch) rather than in agent work.
	ClassInfrastructure Class = "INFRASTRUCTURE"
)

// Error codes as constants.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeAgentFailed        = "AGENT_FAILED"
	ErrCodeTaskFailed         = "TASK_FAILED"
	ErrCodeSessionCorrupt     = "SESSION_CORRUPT"
	ErrCodeAdmissionRejected  = "ADMISSION_REJECTED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Class      Class  `json:"class"`
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

// NotFound creates a user-class not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Class:      ClassUser,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a user-class bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Class:      ClassUser,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a user-class validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Class:      ClassUser,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a user-class conflict error, e.g. a session already
// holding the workspace lock a new session asked for.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Class:      ClassUser,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// AgentFailed creates a transient-agent-class error wrapping an agent
// subprocess failure (nonzero exit, timeout, crash). Callers use this to
// decide whether the task runner should retry at an escalated tier.
func AgentFailed(agentID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentFailed,
		Class:      ClassTransientAgent,
		Message:    fmt.Sprintf("agent '%s' failed", agentID),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// TaskFailed creates a fatal-task-class error for a task that has
// exhausted its retry budget.
func TaskFailed(taskID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTaskFailed,
		Class:      ClassFatalTask,
		Message:    fmt.Sprintf("task '%s' exhausted its retry budget", taskID),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SessionCorrupt creates a fatal-session-class error for a session whose
// checkpoint or workspace state can no longer be trusted.
func SessionCorrupt(sessionID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSessionCorrupt,
		Class:      ClassFatalSession,
		Message:    fmt.Sprintf("session '%s' checkpoint is unrecoverable", sessionID),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AdmissionRejected creates an admission-rejected-class error for a task
// turned away before it ran.
func AdmissionRejected(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeAdmissionRejected,
		Class:      ClassAdmissionRejected,
		Message:    reason,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// InternalError creates an infrastructure-class error with a wrapped
// underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Class:      ClassInfrastructure,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ServiceUnavailable creates an infrastructure-class error for a
// dependency that cannot currently be reached.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Class:      ClassInfrastructure,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an
// AppError. If err is already an AppError its class and code are preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Class:      appErr.Class,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Class:      ClassInfrastructure,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ClassOf returns the Class of err, or ClassInfrastructure if err is not
// an AppError.
func ClassOf(err error) Class {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Class
	}
	return ClassInfrastructure
}

// IsRetryable reports whether the task runner should retry the task that
// produced err, possibly at an escalated tier.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransientAgent
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
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
