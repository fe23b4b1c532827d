package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/result"
)

// RunLedger handles flow run and step run records.
type RunLedger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunLedger creates a new run ledger.
func NewRunLedger(db *sql.DB, logger *slog.Logger) *RunLedger {
	return &RunLedger{db: db, logger: logger}
}

const stepRunColumns = `
	id, step_id, flow_id, flow_run_id, position, timeout_seconds, status,
	start_time, end_time, output, result_payload, incremental, increment_value,
	previous_step_run_id, error_message, error_id, diagnostics, invalidated
`

func (l *RunLedger) CreateFlowRun(ctx context.Context, run *models.FlowRun) error {
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
		INSERT INTO flow_runs (id, flow_id, flow_alias, status, params, start_time, end_time, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = l.db.ExecContext(ctx, query,
		run.ID, run.FlowID, run.FlowAlias, run.Status, paramsJSON, run.StartTime, run.EndTime, run.ErrorMessage)
	if err != nil {
		return persistence.NewRunError("CreateFlowRun", run.ID, err)
	}

	return nil
}

func (l *RunLedger) FinishFlowRun(ctx context.Context, runID string, status models.FlowRunStatus, end time.Time, message string) error {
	query := `UPDATE flow_runs SET status = $2, end_time = $3, error_message = $4 WHERE id = $1`

	res, err := l.db.ExecContext(ctx, query, runID, status, end, message)
	if err != nil {
		return persistence.NewRunError("FinishFlowRun", runID, err)
	}

	return expectOneRow(res, "FinishFlowRun", runID, persistence.ErrFlowRunNotFound)
}

func (l *RunLedger) FlowRunByID(ctx context.Context, runID string) (*models.FlowRun, error) {
	query := `
		SELECT id, flow_id, flow_alias, status, params, start_time, end_time, error_message
		FROM flow_runs
		WHERE id = $1
	`

	run, err := scanFlowRun(l.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("FlowRunByID", runID, persistence.ErrFlowRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow run: %w", err)
	}

	return run, nil
}

func (l *RunLedger) FlowRunsByFlow(ctx context.Context, flowID string, limit int) ([]*models.FlowRun, error) {
	query := `
		SELECT id, flow_id, flow_alias, status, params, start_time, end_time, error_message
		FROM flow_runs
		WHERE flow_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`

	var limitArg sql.NullInt64
	if limit > 0 {
		limitArg = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := l.db.QueryContext(ctx, query, flowID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow runs: %w", err)
	}

	defer closeRows(ctx, l.logger, rows)

	runs := make([]*models.FlowRun, 0)

	for rows.Next() {
		run, err := scanFlowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow runs: %w", err)
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

	diagnosticsJSON, err := json.Marshal(run.Diagnostics)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	query := `INSERT INTO step_runs (` + stepRunColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = l.db.ExecContext(ctx, query,
		run.ID,
		run.StepID,
		run.FlowID,
		run.FlowRunID,
		run.Position,
		run.TimeoutSeconds,
		run.Status,
		run.StartTime,
		run.EndTime,
		run.Output,
		run.ResultPayload,
		run.Incremental,
		run.IncrementValue,
		run.PreviousStepRunID,
		run.ErrorMessage,
		run.ErrorID,
		diagnosticsJSON,
		run.Invalidated,
	)
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

	if err := l.complete(ctx, &updated); err != nil {
		return err
	}

	*run = updated

	return nil
}

func (l *RunLedger) UpdateStepRunError(ctx context.Context, run *models.StepRun, end time.Time, output string, cause error) error {
	updated := *run
	persistence.CompleteError(&updated, end, output, cause)

	if err := l.complete(ctx, &updated); err != nil {
		return err
	}

	*run = updated

	return nil
}

func (l *RunLedger) complete(ctx context.Context, run *models.StepRun) error {
	query := `
		UPDATE step_runs SET
			status = $2,
			end_time = $3,
			output = $4,
			result_payload = $5,
			incremental = $6,
			increment_value = $7,
			error_message = $8,
			error_id = $9
		WHERE id = $1
	`

	res, err := l.db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.EndTime,
		run.Output,
		run.ResultPayload,
		run.Incremental,
		run.IncrementValue,
		run.ErrorMessage,
		run.ErrorID,
	)
	if err != nil {
		return persistence.NewRunError("UpdateStepRun", run.ID, err)
	}

	return expectOneRow(res, "UpdateStepRun", run.ID, persistence.ErrStepRunNotFound)
}

func (l *RunLedger) FindLastSuccessfulRun(ctx context.Context, stepID string) (*result.StepResult, error) {
	query := `SELECT ` + stepRunColumns + `
		FROM step_runs
		WHERE step_id = $1 AND status = 'success' AND NOT invalidated
		ORDER BY start_time DESC
		LIMIT 1
	`

	run, err := scanStepRun(l.db.QueryRowContext(ctx, query, stepID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan step run: %w", err)
	}

	return persistence.ResultOf(run)
}

func (l *RunLedger) StepRunsByFlowRun(ctx context.Context, flowRunID string) ([]*models.StepRun, error) {
	query := `SELECT ` + stepRunColumns + `
		FROM step_runs
		WHERE flow_run_id = $1
		ORDER BY position, start_time
	`

	rows, err := l.db.QueryContext(ctx, query, flowRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step runs: %w", err)
	}

	defer closeRows(ctx, l.logger, rows)

	runs := make([]*models.StepRun, 0)

	for rows.Next() {
		run, err := scanStepRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step runs: %w", err)
	}

	return runs, nil
}

func (l *RunLedger) InvalidateStepRuns(ctx context.Context, stepID string) (int, error) {
	res, err := l.db.ExecContext(ctx, "UPDATE step_runs SET invalidated = true WHERE step_id = $1 AND NOT invalidated", stepID)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate runs of step %s: %w", stepID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

func expectOneRow(res sql.Result, op, id string, notFound error) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewRunError(op, id, notFound)
	}

	return nil
}

func scanFlowRun(scanner interface{ Scan(dest ...any) error }) (*models.FlowRun, error) {
	var (
		run        models.FlowRun
		paramsJSON []byte
		endTime    sql.NullTime
	)

	err := scanner.Scan(&run.ID, &run.FlowID, &run.FlowAlias, &run.Status, &paramsJSON, &run.StartTime, &endTime, &run.ErrorMessage)
	if err != nil {
		return nil, err
	}

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}

	if endTime.Valid {
		run.EndTime = &endTime.Time
	}

	return &run, nil
}

func scanStepRun(scanner interface{ Scan(dest ...any) error }) (*models.StepRun, error) {
	var (
		run             models.StepRun
		endTime         sql.NullTime
		incrementValue  sql.NullString
		previousRunID   sql.NullString
		diagnosticsJSON []byte
	)

	err := scanner.Scan(
		&run.ID,
		&run.StepID,
		&run.FlowID,
		&run.FlowRunID,
		&run.Position,
		&run.TimeoutSeconds,
		&run.Status,
		&run.StartTime,
		&endTime,
		&run.Output,
		&run.ResultPayload,
		&run.Incremental,
		&incrementValue,
		&previousRunID,
		&run.ErrorMessage,
		&run.ErrorID,
		&diagnosticsJSON,
		&run.Invalidated,
	)
	if err != nil {
		return nil, err
	}

	if endTime.Valid {
		run.EndTime = &endTime.Time
	}

	if incrementValue.Valid {
		run.IncrementValue = &incrementValue.String
	}

	if previousRunID.Valid {
		run.PreviousStepRunID = &previousRunID.String
	}

	if len(diagnosticsJSON) > 0 {
		if err := json.Unmarshal(diagnosticsJSON, &run.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
		}
	}

	return &run, nil
}
