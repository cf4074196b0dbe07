package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for errors.Is checks across package boundaries
var (
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("state transition conflict")
	ErrNotFound        = errors.New("job not found")
	ErrNotYetAvailable = errors.New("result not yet available")
	ErrAlreadyTerminal = errors.New("job already terminal")
)

// ValidationError rejects a structurally invalid submission before anything
// is persisted
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a field-scoped validation failure
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError reports a compare-and-swap transition that lost a race.
// Callers treat it as a benign skip, not a failure.
type ConflictError struct {
	JobID    uuid.UUID
	Expected JobStatus
	Actual   JobStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: expected status %s, found %s", e.JobID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// AlreadyTerminalError reports a cancellation against a finished job
type AlreadyTerminalError struct {
	JobID  uuid.UUID
	Status JobStatus
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("job %s is already %s", e.JobID, e.Status)
}

func (e *AlreadyTerminalError) Unwrap() error { return ErrAlreadyTerminal }
