package workflow

import (
	"errors"
	"fmt"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/google/uuid"
)

var (
	// ErrCancelled is recorded when the consumer stops pulling progress
	// before the flow run ends.
	ErrCancelled = errors.New("flow run cancelled")

	ErrStepPanicked = errors.New("step panicked")
)

// CodeStepFailed classifies step failures that carry no code of their own.
const CodeStepFailed = "STEP_FAILED"

// StepExecutionError is the single error kind a failed step surfaces at flow
// level. ErrorID is the reference printed in the progress stream and stored
// with the step run.
type StepExecutionError struct {
	StepID    string
	StepRunID string
	ErrorID   string
	Code      string
	Err       error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step '%s' failed: %v", e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

func (e *StepExecutionError) Reference() string {
	return e.ErrorID
}

// NewStepExecutionError wraps a step failure. An error that already is a
// StepExecutionError is returned as is; a protocol.StepError keeps its code.
func NewStepExecutionError(stepID, stepRunID string, err error) *StepExecutionError {
	var existing *StepExecutionError
	if errors.As(err, &existing) {
		return existing
	}

	code := CodeStepFailed

	var stepErr *protocol.StepError
	if errors.As(err, &stepErr) {
		code = stepErr.Code
	}

	return &StepExecutionError{
		StepID:    stepID,
		StepRunID: stepRunID,
		ErrorID:   uuid.New().String(),
		Code:      code,
		Err:       err,
	}
}

// LedgerWriteError reports a run record that could not be written. It is
// logged and never fails a flow.
type LedgerWriteError struct {
	Op    string
	RunID string
	Err   error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.RunID, e.Err)
}

func (e *LedgerWriteError) Unwrap() error {
	return e.Err
}

func IsStepExecutionError(err error) bool {
	var target *StepExecutionError

	return errors.As(err, &target)
}

func IsLedgerWriteError(err error) bool {
	var target *LedgerWriteError

	return errors.As(err, &target)
}

// IsCancelled checks if a flow or step run ended because nobody pulled its
// progress anymore.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// errorRef returns the reference id carried by err, if any.
func errorRef(err error) string {
	var target *StepExecutionError
	if errors.As(err, &target) {
		return target.ErrorID
	}

	return ""
}
