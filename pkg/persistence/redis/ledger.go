package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/result"
	goredis "github.com/redis/go-redis/v9"
)

func flowRunKey(id string) string {
	return keyPrefix + "flow_run:" + id
}

func flowRunsIndexKey(flowID string) string {
	return keyPrefix + "flow:" + flowID + ":runs"
}

func stepRunKey(id string) string {
	return keyPrefix + "step_run:" + id
}

func flowRunStepsKey(flowRunID string) string {
	return keyPrefix + "flow_run:" + flowRunID + ":step_runs"
}

func stepRunsIndexKey(stepID string) string {
	return keyPrefix + "step:" + stepID + ":runs"
}

// RunLedger stores run records as JSON values indexed by sorted sets scored
// with the start time in microseconds.
type RunLedger struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func (l *RunLedger) CreateFlowRun(ctx context.Context, run *models.FlowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal flow run: %w", err)
	}

	_, err = l.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, flowRunKey(run.ID), data, 0)
		pipe.ZAdd(ctx, flowRunsIndexKey(run.FlowID), goredis.Z{Score: score(run.StartTime), Member: run.ID})

		return nil
	})
	if err != nil {
		return persistence.NewRunError("CreateFlowRun", run.ID, err)
	}

	return nil
}

func (l *RunLedger) FinishFlowRun(ctx context.Context, runID string, status models.FlowRunStatus, end time.Time, message string) error {
	run, err := l.FlowRunByID(ctx, runID)
	if err != nil {
		return err
	}

	run.Status = status
	run.EndTime = &end
	run.ErrorMessage = message

	return l.replace(ctx, "FinishFlowRun", flowRunKey(runID), runID, run, persistence.ErrFlowRunNotFound)
}

func (l *RunLedger) FlowRunByID(ctx context.Context, runID string) (*models.FlowRun, error) {
	var run models.FlowRun

	found, err := getJSON(ctx, l.client, flowRunKey(runID), &run)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRunError("FlowRunByID", runID, persistence.ErrFlowRunNotFound)
	}

	return &run, nil
}

func (l *RunLedger) FlowRunsByFlow(ctx context.Context, flowID string, limit int) ([]*models.FlowRun, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := l.client.ZRevRange(ctx, flowRunsIndexKey(flowID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs of flow %s: %w", flowID, err)
	}

	runs := make([]*models.FlowRun, 0, len(ids))

	for _, id := range ids {
		run, err := l.FlowRunByID(ctx, id)
		if persistence.IsFlowRunNotFound(err) {
			l.logger.WarnContext(ctx, "dangling flow run index entry", "flow_run_id", id)

			continue
		}

		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (l *RunLedger) CreateStepRun(
	ctx context.Context,
	step *models.StepDefinition,
	flowRunID string,
	position int,
	lastResult *result.StepResult,
	diagnostics map[string]any,
) (*models.StepRun, error) {
	run := persistence.NewStepRun(step, flowRunID, position, lastResult, diagnostics, time.Now().UTC())

	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step run: %w", err)
	}

	_, err = l.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, stepRunKey(run.ID), data, 0)
		pipe.RPush(ctx, flowRunStepsKey(flowRunID), run.ID)
		pipe.ZAdd(ctx, stepRunsIndexKey(step.ID), goredis.Z{Score: score(run.StartTime), Member: run.ID})

		return nil
	})
	if err != nil {
		return nil, persistence.NewRunError("CreateStepRun", run.ID, err)
	}

	return run, nil
}

func (l *RunLedger) UpdateStepRunSuccess(ctx context.Context, run *models.StepRun, end time.Time, output string, res *result.StepResult) error {
	updated := *run
	if err := persistence.CompleteSuccess(&updated, end, output, res); err != nil {
		return err
	}

	if err := l.replace(ctx, "UpdateStepRun", stepRunKey(run.ID), run.ID, &updated, persistence.ErrStepRunNotFound); err != nil {
		return err
	}

	*run = updated

	return nil
}

func (l *RunLedger) UpdateStepRunError(ctx context.Context, run *models.StepRun, end time.Time, output string, cause error) error {
	updated := *run
	persistence.CompleteError(&updated, end, output, cause)

	if err := l.replace(ctx, "UpdateStepRun", stepRunKey(run.ID), run.ID, &updated, persistence.ErrStepRunNotFound); err != nil {
		return err
	}

	*run = updated

	return nil
}

// replace overwrites an existing record only.
func (l *RunLedger) replace(ctx context.Context, op, key, id string, v any, notFound error) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	ok, err := l.client.SetXX(ctx, key, data, 0).Result()
	if err != nil {
		return persistence.NewRunError(op, id, err)
	}

	if !ok {
		return persistence.NewRunError(op, id, notFound)
	}

	return nil
}

func (l *RunLedger) FindLastSuccessfulRun(ctx context.Context, stepID string) (*result.StepResult, error) {
	runs, err := l.stepRunsOf(ctx, stepID)
	if err != nil {
		return nil, err
	}

	return persistence.ResultOf(persistence.LastSuccessful(runs))
}

func (l *RunLedger) StepRunsByFlowRun(ctx context.Context, flowRunID string) ([]*models.StepRun, error) {
	ids, err := l.client.LRange(ctx, flowRunStepsKey(flowRunID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list step runs of %s: %w", flowRunID, err)
	}

	runs, err := l.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	persistence.SortStepRuns(runs)

	return runs, nil
}

func (l *RunLedger) InvalidateStepRuns(ctx context.Context, stepID string) (int, error) {
	runs, err := l.stepRunsOf(ctx, stepID)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, run := range runs {
		if run.Invalidated {
			continue
		}

		run.Invalidated = true

		if err := l.replace(ctx, "InvalidateStepRuns", stepRunKey(run.ID), run.ID, run, persistence.ErrStepRunNotFound); err != nil {
			return count, err
		}

		count++
	}

	return count, nil
}

func (l *RunLedger) stepRunsOf(ctx context.Context, stepID string) ([]*models.StepRun, error) {
	ids, err := l.client.ZRange(ctx, stepRunsIndexKey(stepID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs of step %s: %w", stepID, err)
	}

	return l.load(ctx, ids)
}

func (l *RunLedger) load(ctx context.Context, ids []string) ([]*models.StepRun, error) {
	runs := make([]*models.StepRun, 0, len(ids))

	for _, id := range ids {
		var run models.StepRun

		found, err := getJSON(ctx, l.client, stepRunKey(id), &run)
		if err != nil {
			return nil, err
		}

		if !found {
			l.logger.WarnContext(ctx, "dangling step run index entry", "step_run_id", id)

			continue
		}

		runs = append(runs, &run)
	}

	return runs, nil
}
