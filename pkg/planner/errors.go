package planner

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateStep      = errors.New("duplicate step id")
	ErrDuplicateFollower  = errors.New("two steps declare the same run-after step")
	ErrUnknownPredecessor = errors.New("run-after step is not part of the flow")
	ErrSelfFollower       = errors.New("step cannot run after itself")
)

// PlanningError reports a step configuration that can never be planned.
type PlanningError struct {
	StepID  string // Offending step
	Related string // Other step involved, if any
	Err     error
}

func (e *PlanningError) Error() string {
	if e.Related != "" {
		return fmt.Sprintf("invalid step %s (with %s): %v", e.StepID, e.Related, e.Err)
	}

	return fmt.Sprintf("invalid step %s: %v", e.StepID, e.Err)
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}

// Waiting describes a step the planner could not place.
type Waiting struct {
	StepID string
	Name   string
	On     []string // IDs of the steps it still waits for
	Reason string
}

// UnorderableStepsError reports a dependency cycle among the remaining steps.
type UnorderableStepsError struct {
	Waiting []Waiting
}

func (e *UnorderableStepsError) Error() string {
	parts := make([]string, 0, len(e.Waiting))
	for _, w := range e.Waiting {
		parts = append(parts, fmt.Sprintf("%s waits on %s (%s)", w.StepID, strings.Join(w.On, ", "), w.Reason))
	}

	return "cannot order steps: " + strings.Join(parts, "; ")
}

// StepIDs returns the IDs of every unplaced step.
func (e *UnorderableStepsError) StepIDs() []string {
	ids := make([]string, 0, len(e.Waiting))
	for _, w := range e.Waiting {
		ids = append(ids, w.StepID)
	}

	return ids
}

// IsPlanningError checks if an error is a step configuration error.
func IsPlanningError(err error) bool {
	var target *PlanningError

	return errors.As(err, &target)
}

// IsUnorderable checks if an error reports a dependency cycle.
func IsUnorderable(err error) bool {
	var target *UnorderableStepsError

	return errors.As(err, &target)
}
