package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/result"
)

// RunLedger keeps flow runs in flow_runs/<id>.json and step runs in
// step_runs/<flow run id>/<step run id>.json.
type RunLedger struct {
	root string
	mu   *sync.RWMutex
}

func (rl *RunLedger) flowRunPath(id string) string {
	return filepath.Join(rl.root, "flow_runs", id+".json")
}

func (rl *RunLedger) stepRunPath(run *models.StepRun) string {
	return filepath.Join(rl.root, "step_runs", run.FlowRunID, run.ID+".json")
}

func (rl *RunLedger) CreateFlowRun(_ context.Context, run *models.FlowRun) error {
	if err := persistence.ValidateID(run.ID); err != nil {
		return persistence.NewRunError("CreateFlowRun", run.ID, err)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	return writeJSON(rl.flowRunPath(run.ID), run)
}

func (rl *RunLedger) FinishFlowRun(_ context.Context, runID string, status models.FlowRunStatus, end time.Time, message string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	run, err := rl.flowRun(runID)
	if err != nil {
		return err
	}

	run.Status = status
	run.EndTime = &end
	run.ErrorMessage = message

	return writeJSON(rl.flowRunPath(runID), run)
}

func (rl *RunLedger) FlowRunByID(_ context.Context, runID string) (*models.FlowRun, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return rl.flowRun(runID)
}

func (rl *RunLedger) flowRun(runID string) (*models.FlowRun, error) {
	if err := persistence.ValidateID(runID); err != nil {
		return nil, persistence.NewRunError("FlowRunByID", runID, err)
	}

	var run models.FlowRun

	found, err := readJSON(rl.flowRunPath(runID), &run)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRunError("FlowRunByID", runID, persistence.ErrFlowRunNotFound)
	}

	return &run, nil
}

func (rl *RunLedger) FlowRunsByFlow(_ context.Context, flowID string, limit int) ([]*models.FlowRun, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	files, err := fs.Glob(os.DirFS(rl.root), "flow_runs/*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list flow runs: %w", err)
	}

	runs := make([]*models.FlowRun, 0)

	for _, file := range files {
		var run models.FlowRun

		if _, err := readJSON(filepath.Join(rl.root, file), &run); err != nil {
			return nil, err
		}

		if run.FlowID == flowID {
			runs = append(runs, &run)
		}
	}

	return persistence.SortFlowRuns(runs, limit), nil
}

func (rl *RunLedger) CreateStepRun(
	_ context.Context,
	step *models.StepDefinition,
	flowRunID string,
	position int,
	lastResult *result.StepResult,
	diagnostics map[string]any,
) (*models.StepRun, error) {
	if err := persistence.ValidateID(flowRunID); err != nil {
		return nil, persistence.NewRunError("CreateStepRun", flowRunID, err)
	}

	run := persistence.NewStepRun(step, flowRunID, position, lastResult, diagnostics, time.Now().UTC())

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if err := writeJSON(rl.stepRunPath(run), run); err != nil {
		return nil, err
	}

	return run, nil
}

func (rl *RunLedger) UpdateStepRunSuccess(_ context.Context, run *models.StepRun, end time.Time, output string, res *result.StepResult) error {
	updated := *run
	if err := persistence.CompleteSuccess(&updated, end, output, res); err != nil {
		return err
	}

	if err := rl.replaceStepRun(&updated); err != nil {
		return err
	}

	*run = updated

	return nil
}

func (rl *RunLedger) UpdateStepRunError(_ context.Context, run *models.StepRun, end time.Time, output string, cause error) error {
	updated := *run
	persistence.CompleteError(&updated, end, output, cause)

	if err := rl.replaceStepRun(&updated); err != nil {
		return err
	}

	*run = updated

	return nil
}

func (rl *RunLedger) replaceStepRun(run *models.StepRun) error {
	if err := persistence.ValidateID(run.ID); err != nil {
		return persistence.NewRunError("UpdateStepRun", run.ID, err)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	path := rl.stepRunPath(run)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return persistence.NewRunError("UpdateStepRun", run.ID, persistence.ErrStepRunNotFound)
	}

	return writeJSON(path, run)
}

func (rl *RunLedger) FindLastSuccessfulRun(_ context.Context, stepID string) (*result.StepResult, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	runs, err := rl.stepRuns("*", func(run *models.StepRun) bool { return run.StepID == stepID })
	if err != nil {
		return nil, err
	}

	return persistence.ResultOf(persistence.LastSuccessful(runs))
}

func (rl *RunLedger) StepRunsByFlowRun(_ context.Context, flowRunID string) ([]*models.StepRun, error) {
	if err := persistence.ValidateID(flowRunID); err != nil {
		return nil, persistence.NewRunError("StepRunsByFlowRun", flowRunID, err)
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	runs, err := rl.stepRuns(flowRunID, nil)
	if err != nil {
		return nil, err
	}

	persistence.SortStepRuns(runs)

	return runs, nil
}

func (rl *RunLedger) InvalidateStepRuns(_ context.Context, stepID string) (int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	runs, err := rl.stepRuns("*", func(run *models.StepRun) bool {
		return run.StepID == stepID && !run.Invalidated
	})
	if err != nil {
		return 0, err
	}

	for i, run := range runs {
		run.Invalidated = true

		if err := writeJSON(rl.stepRunPath(run), run); err != nil {
			return i, err
		}
	}

	return len(runs), nil
}

// stepRuns reads the step runs under step_runs/<dir>; dir may be a glob.
func (rl *RunLedger) stepRuns(dir string, keep func(*models.StepRun) bool) ([]*models.StepRun, error) {
	files, err := fs.Glob(os.DirFS(rl.root), "step_runs/"+dir+"/*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list step runs: %w", err)
	}

	runs := make([]*models.StepRun, 0, len(files))

	for _, file := range files {
		var run models.StepRun

		if _, err := readJSON(filepath.Join(rl.root, file), &run); err != nil {
			return nil, err
		}

		if keep == nil || keep(&run) {
			runs = append(runs, &run)
		}
	}

	return runs, nil
}
