// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
	"strings"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a flow was not found by the given alias.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowRunNotFound indicates a flow run was not found by the given identifier.
	ErrFlowRunNotFound = errors.New("flow run not found")

	// ErrStepRunNotFound indicates a step run was not found by the given identifier.
	ErrStepRunNotFound = errors.New("step run not found")

	// ErrInvalidID indicates an identifier that cannot be used as a storage key.
	ErrInvalidID = errors.New("invalid identifier")
)

// FlowError wraps flow-related errors with additional context.
type FlowError struct {
	Op    string // Operation being performed (e.g., "FlowByAlias", "SaveFlow")
	Alias string // Flow alias
	Err   error  // Underlying error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.Alias, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for flow errors.
func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a new flow error with context.
func NewFlowError(op, alias string, err error) *FlowError {
	return &FlowError{Op: op, Alias: alias, Err: err}
}

// RunError wraps flow run and step run errors with additional context.
type RunError struct {
	Op    string
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsFlowRunNotFound checks if an error indicates a flow run was not found.
func IsFlowRunNotFound(err error) bool {
	return errors.Is(err, ErrFlowRunNotFound)
}

// IsStepRunNotFound checks if an error indicates a step run was not found.
func IsStepRunNotFound(err error) bool {
	return errors.Is(err, ErrStepRunNotFound)
}

// ValidateID rejects identifiers that are unsafe as file names or keys.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\:") {
		return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidID, id)
	}

	return nil
}
