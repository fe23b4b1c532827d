// Package persistence provides the storage abstraction for flow definitions,
// run records and notes.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/result"
)

type Persistence interface {
	FlowRepository() FlowRepository
	RunLedger() RunLedger
	NoteRepository() NoteRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowRepository stores flow definitions together with their steps.
type FlowRepository interface {
	// Flows returns every stored flow ordered by alias.
	Flows(ctx context.Context) ([]*models.Flow, error)

	// FlowByAlias returns the flow with its steps sorted by level, or
	// ErrFlowNotFound.
	FlowByAlias(ctx context.Context, alias string) (*models.Flow, error)

	// SaveFlow creates or replaces a flow and all of its steps.
	SaveFlow(ctx context.Context, flow *models.Flow) error

	DeleteFlow(ctx context.Context, alias string) error
}

// RunLedger records flow runs and step runs.
type RunLedger interface {
	CreateFlowRun(ctx context.Context, run *models.FlowRun) error
	FinishFlowRun(ctx context.Context, runID string, status models.FlowRunStatus, end time.Time, message string) error
	FlowRunByID(ctx context.Context, runID string) (*models.FlowRun, error)

	// FlowRunsByFlow returns the newest runs of a flow first. A limit of zero
	// or less returns every run.
	FlowRunsByFlow(ctx context.Context, flowID string, limit int) ([]*models.FlowRun, error)

	// CreateStepRun persists a new step run before the step executes. Runs of
	// disabled steps are stored already finished.
	CreateStepRun(
		ctx context.Context,
		step *models.StepDefinition,
		flowRunID string,
		position int,
		lastResult *result.StepResult,
		diagnostics map[string]any,
	) (*models.StepRun, error)

	UpdateStepRunSuccess(ctx context.Context, run *models.StepRun, end time.Time, output string, res *result.StepResult) error
	UpdateStepRunError(ctx context.Context, run *models.StepRun, end time.Time, output string, cause error) error

	// FindLastSuccessfulRun returns the result of the newest successful,
	// non-invalidated run of the step, or nil when there is none.
	FindLastSuccessfulRun(ctx context.Context, stepID string) (*result.StepResult, error)

	// StepRunsByFlowRun returns the step runs of a flow run ordered by position.
	StepRunsByFlowRun(ctx context.Context, flowRunID string) ([]*models.StepRun, error)

	// InvalidateStepRuns marks every run of the step invalidated so the next
	// run starts from scratch. It returns the number of affected runs.
	InvalidateStepRuns(ctx context.Context, stepID string) (int, error)
}

// NoteRepository stores note batches.
type NoteRepository interface {
	// SaveNotes writes the whole batch or nothing.
	SaveNotes(ctx context.Context, notes []models.Note) error

	// NotesByFlowRun returns the notes of a flow run in commit order.
	NotesByFlowRun(ctx context.Context, flowRunID string) ([]models.Note, error)
}
