package common

import (
	"errors"
	"fmt"
)

var (
	// validation
	ErrValidation = errors.New("validation error")

	// upload phases
	ErrTransfer       = errors.New("transfer failed")
	ErrCommit         = errors.New("commit failed")
	ErrCancelled      = errors.New("upload cancelled")
	ErrNotCancellable = errors.New("upload is no longer cancellable")
	ErrTaskFinished   = errors.New("upload task already finished")
	ErrTaskNotFound   = errors.New("upload task not found")
	ErrTaskActive     = errors.New("upload task still running")

	// access url resolution
	ErrResolution   = errors.New("url resolution failed")
	ErrAccessDenied = errors.New("access denied")

	// collaborators
	ErrObjectNotFound = errors.New("object not found")
	ErrRecordNotFound = errors.New("record not found")

	// deletion
	ErrDeletionPartial = errors.New("deletion partially applied")
	ErrDeletionFailed  = errors.New("deletion failed")

	// live handles
	ErrClosed     = errors.New("closed")
	ErrNotStarted = errors.New("not started")
)

// Phase names the step of an operation at which a failure happened.
type Phase string

const (
	PhaseSelect   Phase = "select"
	PhaseTransfer Phase = "transfer"
	PhaseCommit   Phase = "commit"
	PhaseResolve  Phase = "resolve"
	PhaseDelete   Phase = "delete"
)

// InvalidPredicateError is returned when a filter condition cannot be built.
type InvalidPredicateError struct {
	Field    string
	Operator string
	Reason   string
}

func (e *InvalidPredicateError) Error() string {
	return fmt.Sprintf("invalid predicate %s %s: %s", e.Field, e.Operator, e.Reason)
}

func (e *InvalidPredicateError) Is(target error) bool {
	return target == ErrValidation
}

// PhaseError reports a terminal upload failure together with the phase it
// happened in and the storage key involved.
type PhaseError struct {
	Phase Phase
	Key   string
	Cause error
}

func (e *PhaseError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Phase, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Key, e.Cause)
}

func (e *PhaseError) Unwrap() error {
	return e.Cause
}

func (e *PhaseError) Is(target error) bool {
	switch e.Phase {
	case PhaseTransfer:
		return target == ErrTransfer
	case PhaseCommit:
		return target == ErrCommit
	case PhaseResolve:
		return target == ErrResolution
	}
	return false
}

// ResolutionError is a non-authorization failure to resolve one key.
type ResolutionError struct {
	Key   string
	Cause error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Key, e.Cause)
}

func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolution
}
