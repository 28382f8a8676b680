// Package models defines the workflow runtime aggregates and their state machines.
package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is the sentinel every illegal status transition matches.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTaskNotAssignedToUser indicates the acting user is not the task's recorded assignee.
	ErrTaskNotAssignedToUser = errors.New("task is not assigned to this user")
)

// TransitionError reports an aggregate method invoked from a disallowed status.
type TransitionError struct {
	Msg string
}

func (e *TransitionError) Error() string {
	return e.Msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func newTransitionError(format string, args ...any) *TransitionError {
	return &TransitionError{Msg: fmt.Sprintf(format, args...)}
}

// IsInvalidTransition checks if an error was raised by an aggregate rejecting a transition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsPermissionDenied checks if an error indicates an assignee/actor mismatch.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrTaskNotAssignedToUser)
}
