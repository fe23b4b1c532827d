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
)

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

// Flows returns all flows with their steps, ordered by alias.
func (r *FlowRepository) Flows(ctx context.Context) ([]*models.Flow, error) {
	query := `
		SELECT
			id
		  , alias
		  , name
		  , description
		  , schedule
		FROM flows
		ORDER BY alias
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	for _, flow := range flows {
		flow.Steps, err = r.steps(ctx, flow.ID)
		if err != nil {
			return nil, err
		}
	}

	return flows, nil
}

func (r *FlowRepository) FlowByAlias(ctx context.Context, alias string) (*models.Flow, error) {
	query := `
		SELECT
			id
		  , alias
		  , name
		  , description
		  , schedule
		FROM flows
		WHERE alias = $1
	`

	flow, err := scanFlow(r.db.QueryRowContext(ctx, query, alias))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("FlowByAlias", alias, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	flow.Steps, err = r.steps(ctx, flow.ID)
	if err != nil {
		return nil, err
	}

	return flow, nil
}

// SaveFlow upserts the flow and replaces all of its steps in one transaction.
func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.Flow) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	flowQuery := `
		INSERT INTO flows (id, alias, name, description, schedule, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			alias = EXCLUDED.alias,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			schedule = EXCLUDED.schedule,
			updated_at = EXCLUDED.updated_at
	`

	_, err = tx.ExecContext(ctx, flowQuery, flow.ID, flow.Alias, flow.Name, flow.Description, flow.Schedule, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", flow.Alias, err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM flow_steps WHERE flow_id = $1", flow.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing steps: %w", err)
	}

	stepQuery := `
		INSERT INTO flow_steps (flow_id, id, name, from_object, to_object, prototype, config,
			disabled, stop_flow_on_error, run_after_step, timeout_seconds, level, load_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	for i, step := range flow.Steps {
		configJSON, marshalErr := json.Marshal(step.Config)
		if marshalErr != nil {
			err = fmt.Errorf("failed to marshal config of step %s: %w", step.ID, marshalErr)

			return err
		}

		_, err = tx.ExecContext(ctx, stepQuery,
			flow.ID,
			step.ID,
			step.Name,
			step.FromType,
			step.ToType,
			step.Prototype,
			configJSON,
			step.Disabled,
			step.StopFlowOnError,
			step.RunAfterStepID,
			step.TimeoutSeconds,
			step.Level,
			i,
		)
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", step.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DeleteFlow removes a flow; its steps are removed by cascade.
func (r *FlowRepository) DeleteFlow(ctx context.Context, alias string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM flows WHERE alias = $1", alias)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewFlowError("DeleteFlow", alias, persistence.ErrFlowNotFound)
	}

	return nil
}

func (r *FlowRepository) steps(ctx context.Context, flowID string) ([]*models.StepDefinition, error) {
	query := `
		SELECT id, name, from_object, to_object, prototype, config,
			disabled, stop_flow_on_error, run_after_step, timeout_seconds, level
		FROM flow_steps
		WHERE flow_id = $1
		ORDER BY level, load_order
	`

	rows, err := r.db.QueryContext(ctx, query, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps of flow %s: %w", flowID, err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.StepDefinition, 0)

	for rows.Next() {
		step := &models.StepDefinition{FlowID: flowID}

		var configJSON []byte

		err := rows.Scan(
			&step.ID,
			&step.Name,
			&step.FromType,
			&step.ToType,
			&step.Prototype,
			&configJSON,
			&step.Disabled,
			&step.StopFlowOnError,
			&step.RunAfterStepID,
			&step.TimeoutSeconds,
			&step.Level,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &step.Config); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config of step %s: %w", step.ID, err)
			}
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

func scanFlow(scanner interface{ Scan(dest ...any) error }) (*models.Flow, error) {
	var flow models.Flow

	err := scanner.Scan(&flow.ID, &flow.Alias, &flow.Name, &flow.Description, &flow.Schedule)
	if err != nil {
		return nil, err
	}

	return &flow, nil
}
