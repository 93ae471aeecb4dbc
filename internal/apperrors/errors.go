// internal/apperrors/errors.go
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/javajoker/imi-licensing/internal/models"
)

// ErrorType classifies failures raised by the licensing core.
type ErrorType string

const (
	ErrTypeValidation            ErrorType = "VALIDATION"
	ErrTypeConflict              ErrorType = "CONFLICT"
	ErrTypePermission            ErrorType = "PERMISSION"
	ErrTypeStateTransition       ErrorType = "STATE_TRANSITION"
	ErrTypeNotFound              ErrorType = "NOT_FOUND"
	ErrTypeIdempotencyInProgress ErrorType = "IDEMPOTENCY_IN_PROGRESS"
	ErrTypeInternal              ErrorType = "INTERNAL"
)

// AppError is the error returned by every core operation that fails hard.
type AppError struct {
	Type      ErrorType
	Code      string
	Message   string
	Messages  []string
	Conflicts []models.Conflict
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := e.Message
	if len(e.Messages) > 0 {
		msg = msg + ": " + strings.Join(e.Messages, "; ")
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

// Unwrap allows errors.Is and errors.As to work with AppError
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewValidation reports user-correctable input problems.
func NewValidation(message string, messages ...string) *AppError {
	return &AppError{Type: ErrTypeValidation, Code: "VALIDATION_FAILED", Message: message, Messages: messages}
}

// NewConflict carries the structured conflict list alongside the human messages.
func NewConflict(message string, conflicts []models.Conflict, messages ...string) *AppError {
	return &AppError{
		Type:      ErrTypeConflict,
		Code:      "LICENSE_CONFLICT",
		Message:   message,
		Messages:  messages,
		Conflicts: conflicts,
	}
}

// NewPermission reports that the actor lacks the relationship required for the action.
func NewPermission(format string, args ...interface{}) *AppError {
	return &AppError{Type: ErrTypePermission, Code: "FORBIDDEN", Message: fmt.Sprintf(format, args...)}
}

// NewStateTransition reports an illegal edge or an unmet per-state requirement.
func NewStateTransition(format string, args ...interface{}) *AppError {
	return &AppError{Type: ErrTypeStateTransition, Code: "INVALID_STATE_TRANSITION", Message: fmt.Sprintf(format, args...)}
}

// NewNotFound reports a missing or logically deleted resource.
func NewNotFound(resource string, id interface{}) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Code:    strings.ToUpper(resource) + "_NOT_FOUND",
		Message: fmt.Sprintf("%s %v not found", resource, id),
	}
}

// NewIdempotencyInProgress reports a duplicate request still being processed.
func NewIdempotencyInProgress(key string) *AppError {
	return &AppError{
		Type:    ErrTypeIdempotencyInProgress,
		Code:    "IDEMPOTENCY_IN_PROGRESS",
		Message: fmt.Sprintf("request with idempotency key %q is still processing", key),
	}
}

// Wrap marks an unexpected failure from a collaborator.
func Wrap(err error, format string, args ...interface{}) *AppError {
	return &AppError{Type: ErrTypeInternal, Code: "INTERNAL_ERROR", Message: fmt.Sprintf(format, args...), Cause: err}
}

// As returns the AppError in err's chain, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType reports whether err carries an AppError of type t.
func IsType(err error, t ErrorType) bool {
	appErr, ok := As(err)
	return ok && appErr.Type == t
}

// HTTPStatus maps an error onto the response status used by the HTTP layer.
func HTTPStatus(err error) int {
	appErr, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch appErr.Type {
	case ErrTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrTypeConflict, ErrTypeIdempotencyInProgress:
		return http.StatusConflict
	case ErrTypePermission:
		return http.StatusForbidden
	case ErrTypeStateTransition:
		return http.StatusConflict
	case ErrTypeNotFound:
		return http.StatusNotFound
	case ErrTypeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
