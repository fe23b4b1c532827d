package persistence

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/google/uuid"
)

// Referenced is implemented by errors carrying a reference id for
// out-of-band lookup.
type Referenced interface {
	Reference() string
}

// NewStepRun builds the record stored when a step begins. Backends persist it
// as is.
func NewStepRun(
	step *models.StepDefinition,
	flowRunID string,
	position int,
	lastResult *result.StepResult,
	diagnostics map[string]any,
	now time.Time,
) *models.StepRun {
	run := &models.StepRun{
		ID:             uuid.New().String(),
		StepID:         step.ID,
		FlowID:         step.FlowID,
		FlowRunID:      flowRunID,
		Position:       position,
		TimeoutSeconds: step.TimeoutSeconds,
		Status:         models.StepRunStatusRunning,
		StartTime:      now,
		Incremental:    lastResult.IsIncremental(),
		Diagnostics:    diagnostics,
	}

	if lastResult != nil {
		prev := lastResult.StepRunID()
		run.PreviousStepRunID = &prev
	}

	if value, ok := lastResult.IncrementValue(); ok {
		run.IncrementValue = &value
	}

	if step.Disabled {
		end := now
		run.Status = models.StepRunStatusDisabled
		run.EndTime = &end
	}

	return run
}

// CompleteSuccess marks the run successful with the given result.
func CompleteSuccess(run *models.StepRun, end time.Time, output string, res *result.StepResult) error {
	payload, err := res.WithStepRunID(run.ID).Serialize()
	if err != nil {
		return err
	}

	run.Status = models.StepRunStatusSuccess
	run.EndTime = &end
	run.Output = output
	run.ResultPayload = payload
	run.Incremental = res.IsIncremental()
	run.IncrementValue = nil
	run.ErrorMessage = ""
	run.ErrorID = ""

	if value, ok := res.IncrementValue(); ok {
		run.IncrementValue = &value
	}

	return nil
}

// CompleteError marks the run failed. The error reference, when the cause
// carries one, becomes the run's error id.
func CompleteError(run *models.StepRun, end time.Time, output string, cause error) {
	run.Status = models.StepRunStatusError
	run.EndTime = &end
	run.Output = output
	run.ResultPayload = ""

	if cause != nil {
		run.ErrorMessage = cause.Error()
	}

	var ref Referenced
	if errors.As(cause, &ref) {
		run.ErrorID = ref.Reference()
	}
}

// LastSuccessful picks the newest successful, non-invalidated run.
func LastSuccessful(runs []*models.StepRun) *models.StepRun {
	var last *models.StepRun

	for _, run := range runs {
		if !run.Success() || run.Invalidated {
			continue
		}

		if last == nil || run.StartTime.After(last.StartTime) {
			last = run
		}
	}

	return last
}

// ResultOf rebuilds the continuation state stored in a step run.
func ResultOf(run *models.StepRun) (*result.StepResult, error) {
	if run == nil {
		return nil, nil
	}

	res, err := result.Parse(run.ID, run.ResultPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to read result of step run %s: %w", run.ID, err)
	}

	return res, nil
}

// SortStepRuns orders step runs by position, then start time.
func SortStepRuns(runs []*models.StepRun) {
	slices.SortStableFunc(runs, func(a, b *models.StepRun) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}

		return a.StartTime.Compare(b.StartTime)
	})
}

// SortFlowRuns orders flow runs newest first and applies the limit.
func SortFlowRuns(runs []*models.FlowRun, limit int) []*models.FlowRun {
	slices.SortStableFunc(runs, func(a, b *models.FlowRun) int {
		return b.StartTime.Compare(a.StartTime)
	})

	if limit > 0 && len(runs) > limit {
		return runs[:limit]
	}

	return runs
}
