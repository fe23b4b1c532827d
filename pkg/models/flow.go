// Package models defines the core domain models for step-based data flows
package models

import (
	"slices"
	"time"
)

// Flow is a named collection of step definitions.
type Flow struct {
	ID          string            `json:"id"                 yaml:"id"                 validate:"required"`
	Alias       string            `json:"alias"              yaml:"alias"              validate:"required,min=1"`
	Name        string            `json:"name"               yaml:"name"               validate:"required,min=1"`
	Description string            `json:"description"        yaml:"description"`
	Schedule    string            `json:"schedule,omitempty" yaml:"schedule,omitempty"` // Cron expression, optional
	Steps       []*StepDefinition `json:"steps"              yaml:"steps"              validate:"dive"`
}

// StepDefinition describes one step of a flow. It is read-only while a flow runs.
type StepDefinition struct {
	ID              string         `json:"id"                        yaml:"id"                 validate:"required"`
	FlowID          string         `json:"flow_id"                   yaml:"-"`
	Name            string         `json:"name"                      yaml:"name"               validate:"required,min=1"`
	FromType        string         `json:"from_object,omitempty"     yaml:"from_object"` // Empty means no upstream dependency
	ToType          string         `json:"to_object,omitempty"       yaml:"to_object"`   // Empty means the step produces nothing
	Prototype       string         `json:"prototype"                 yaml:"prototype"          validate:"required"`
	Config          map[string]any `json:"config,omitempty"          yaml:"config"`
	Disabled        bool           `json:"disabled"                  yaml:"disabled"`
	StopFlowOnError bool           `json:"stop_flow_on_error"        yaml:"stop_flow_on_error"`
	RunAfterStepID  string         `json:"run_after_step,omitempty"  yaml:"run_after_step"`
	TimeoutSeconds  int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"    validate:"gte=0"`
	Level           int            `json:"level"                     yaml:"level"`
}

// HasUpstream reports whether the step reads a type produced by other steps.
func (s *StepDefinition) HasUpstream() bool {
	return s.FromType != ""
}

// Timeout returns the advisory execution budget, zero when none is set.
func (s *StepDefinition) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// SortByLevel orders step rows by their level hint, keeping load order for ties.
func SortByLevel(steps []*StepDefinition) []*StepDefinition {
	sorted := slices.Clone(steps)
	slices.SortStableFunc(sorted, func(a, b *StepDefinition) int {
		return a.Level - b.Level
	})

	return sorted
}

// Step returns the step with the given ID, or nil.
func (f *Flow) Step(id string) *StepDefinition {
	for _, step := range f.Steps {
		if step.ID == id {
			return step
		}
	}

	return nil
}
