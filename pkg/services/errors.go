// Package services provides the application layer coordinating aggregates,
// persistence, and event publication.
package services

import (
	"errors"
	"fmt"

	"github.com/flowlinehq/flowline/pkg/models"
	"github.com/flowlinehq/flowline/pkg/persistence"
)

// Business logic errors. These indicate client errors (4xx responses).
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSortField = errors.New("invalid sort field")
	ErrInvalidSortOrder = errors.New("invalid sort order")
	ErrInvalidFormData  = errors.New("invalid form data")

	// Missing resources (404 Not Found).
	ErrInstanceNotFound = persistence.ErrInstanceNotFound
	ErrTaskNotFound     = persistence.ErrTaskNotFound

	// Concurrency conflicts that exhausted the retry budget (409 Conflict).
	ErrConflict = errors.New("conflicting concurrent update")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidSortOrder) ||
		errors.Is(err, ErrInvalidFormData)
}

// IsNotFound checks if an error indicates a missing instance or task.
func IsNotFound(err error) bool {
	return errors.Is(err, persistence.ErrInstanceNotFound) ||
		errors.Is(err, persistence.ErrTaskNotFound)
}

// IsConflict checks if an error is an illegal state transition or an
// unresolved concurrent update, both of which map to HTTP 409.
func IsConflict(err error) bool {
	return models.IsInvalidTransition(err) || errors.Is(err, ErrConflict)
}

// IsPermissionDenied checks if an error means the acting user may not touch
// the task (HTTP 403).
func IsPermissionDenied(err error) bool {
	return models.IsPermissionDenied(err)
}
