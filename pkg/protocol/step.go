// Package protocol defines the contract every pluggable step prototype satisfies.
package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/notes"
	"github.com/dukex/stepflow/pkg/result"
)

// Progress hands one human-readable line to the consumer of the flow. It
// returns false once the consumer stopped pulling; the step must then return
// promptly without emitting more lines.
type Progress func(line string) bool

// Printf formats and emits a progress line.
func (p Progress) Printf(format string, args ...any) bool {
	return p(fmt.Sprintf(format, args...))
}

// StepInput carries everything a step needs for one run.
type StepInput struct {
	FlowRunID string
	StepRunID string
	Step      *models.StepDefinition

	// Previous is the result of the step that ran right before in this flow
	// run, or nil when it failed, was skipped or does not exist.
	Previous *result.StepResult

	// LastSuccessful is the result of the last successful run of this same
	// step, used to continue incrementally. Nil on the first run.
	LastSuccessful *result.StepResult

	Params map[string]string
	Notes  notes.Recorder
	Logger *slog.Logger
}

// Param returns a flow parameter or the fallback.
func (in StepInput) Param(name, fallback string) string {
	if v, ok := in.Params[name]; ok {
		return v
	}

	return fallback
}

// Step is one configured instance of a prototype.
type Step interface {
	Run(ctx context.Context, input StepInput, progress Progress) (*result.StepResult, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc func(ctx context.Context, input StepInput, progress Progress) (*result.StepResult, error)

func (f StepFunc) Run(ctx context.Context, input StepInput, progress Progress) (*result.StepResult, error) {
	return f(ctx, input, progress)
}

// StepFactory creates step instances and provides metadata about the prototype.
type StepFactory interface {
	// Create creates a new step instance with the given configuration
	Create(config map[string]any, logger *slog.Logger) (Step, error)

	// ID returns the prototype identifier referenced by step definitions
	ID() string

	// Name returns the human-readable name for this prototype
	Name() string

	// Description returns a description of what this prototype does
	Description() string

	// Schema returns the JSON schema for configuring this prototype
	Schema() map[string]any
}
