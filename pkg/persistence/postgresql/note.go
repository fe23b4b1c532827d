package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
)

// NoteRepository stores note batches.
type NoteRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewNoteRepository creates a new note repository.
func NewNoteRepository(db *sql.DB, logger *slog.Logger) *NoteRepository {
	return &NoteRepository{db: db, logger: logger}
}

// SaveNotes inserts the batch in a single transaction.
func (r *NoteRepository) SaveNotes(ctx context.Context, notes []models.Note) (err error) {
	if len(notes) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notes (ordering_id, class, flow_run_id, step_run_id, message, severity, counters, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare note insert: %w", err)
	}

	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close statement", "error", closeErr)
		}
	}()

	for _, note := range notes {
		countersJSON, marshalErr := json.Marshal(note.Counters)
		if marshalErr != nil {
			err = fmt.Errorf("failed to marshal note counters: %w", marshalErr)

			return err
		}

		_, err = stmt.ExecContext(ctx,
			note.ID, note.Class, note.FlowRunID, note.StepRunID, note.Message, note.Severity, countersJSON, note.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert note %d: %w", note.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit notes: %w", err)
	}

	return nil
}

func (r *NoteRepository) NotesByFlowRun(ctx context.Context, flowRunID string) ([]models.Note, error) {
	query := `
		SELECT ordering_id, class, flow_run_id, step_run_id, message, severity, counters, created_at
		FROM notes
		WHERE flow_run_id = $1
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, query, flowRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	var notes []models.Note

	for rows.Next() {
		var (
			note         models.Note
			countersJSON []byte
		)

		err := rows.Scan(&note.ID, &note.Class, &note.FlowRunID, &note.StepRunID, &note.Message, &note.Severity, &countersJSON, &note.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}

		if err := json.Unmarshal(countersJSON, &note.Counters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal note counters: %w", err)
		}

		notes = append(notes, note)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notes: %w", err)
	}

	return notes, nil
}
