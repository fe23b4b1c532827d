// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"io"
	"log/slog"
	"sync"

	stepflowlog "github.com/dukex/stepflow/pkg/log"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/google/uuid"
)

// CreateTestStep creates a step definition with default values that can be overridden.
func CreateTestStep(overrides ...func(*models.StepDefinition)) *models.StepDefinition {
	step := &models.StepDefinition{
		ID:        uuid.New().String(),
		FlowID:    "flow-test",
		Name:      "Test Step",
		Prototype: "log",
		Config:    map[string]any{"message": "test", "level": "info"},
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// WithPrototype sets the step prototype and its configuration.
func WithPrototype(prototype string, config map[string]any) func(*models.StepDefinition) {
	return func(s *models.StepDefinition) {
		s.Prototype = prototype
		s.Config = config
	}
}

// WithTypes sets the entity types the step reads and writes.
func WithTypes(from, to string) func(*models.StepDefinition) {
	return func(s *models.StepDefinition) {
		s.FromType = from
		s.ToType = to
	}
}

// CreateTestFlow creates a flow holding the given steps.
func CreateTestFlow(alias string, steps ...*models.StepDefinition) *models.Flow {
	flow := &models.Flow{
		ID:    "flow-" + alias,
		Alias: alias,
		Name:  alias,
		Steps: steps,
	}

	for i, step := range steps {
		step.FlowID = flow.ID
		step.Level = i
	}

	return flow
}

// Notes records every note taken.
type Notes struct {
	mu    sync.Mutex
	Taken []models.Note
}

func (n *Notes) Take(note models.Note) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.Taken = append(n.Taken, note)
}

// Lines collects progress lines. Limit > 0 makes Progress report a stop once
// that many lines were emitted.
type Lines struct {
	Lines []string
	Limit int
}

func (l *Lines) Progress() protocol.Progress {
	return func(line string) bool {
		l.Lines = append(l.Lines, line)

		return l.Limit == 0 || len(l.Lines) < l.Limit
	}
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return stepflowlog.New(io.Discard, "error")
}

// StepInput builds the input of a step run.
func StepInput(step *models.StepDefinition, previous, last *result.StepResult, notes *Notes) protocol.StepInput {
	return protocol.StepInput{
		FlowRunID:      "flow-run-test",
		StepRunID:      "step-run-test",
		Step:           step,
		Previous:       previous,
		LastSuccessful: last,
		Params:         map[string]string{},
		Notes:          notes,
		Logger:         Logger(),
	}
}
