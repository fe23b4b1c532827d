package protocol

import (
	"errors"
	"fmt"
)

// StepError is a failure a step classified itself. The orchestrator keeps its
// code instead of reporting a generic execution failure.
type StepError struct {
	Code    string
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a classified step failure.
func NewStepError(code, message string, err error) *StepError {
	return &StepError{Code: code, Message: message, Err: err}
}

// Common step error codes.
const (
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeUpstream      = "UPSTREAM_ERROR"
	CodeIO            = "IO_ERROR"
)

// IsStepError checks if an error was classified by a step.
func IsStepError(err error) bool {
	var target *StepError

	return errors.As(err, &target)
}

// ErrStopped is returned by a step when Progress reported that the consumer
// stopped pulling.
var ErrStopped = errors.New("progress consumer stopped")
