// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrProvider       = errors.New("provider error")
	ErrTimeout        = errors.New("timeout")
	ErrInfrastructure = errors.New("infrastructure unavailable")
	ErrInternal       = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "job_type", "model")
	Resource string // For not found/conflict (e.g., "job", "dataset")
	Op       string // Operation that failed (e.g., "provider.getStatus")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// InvalidTransition creates a validation error for a rejected status change.
func InvalidTransition(jobID, current, next string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  fmt.Sprintf("invalid state transition from %s to %s for job %s", current, next, jobID),
		Resource: "job",
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Provider creates a transient provider query error. Workers retry these
// within their iteration budget; they are never fatal by themselves.
func Provider(op string, cause error) error {
	return &Error{
		Sentinel: ErrProvider,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Timeout creates an error for an exhausted polling budget.
func Timeout(message string) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  message,
	}
}

// Infrastructure creates an error for unavailable infrastructure (broker,
// pub/sub). Callers degrade rather than fail on these.
func Infrastructure(op string, cause error) error {
	return &Error{
		Sentinel: ErrInfrastructure,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
