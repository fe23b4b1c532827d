package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukex/stepflow/pkg/models"
	goredis "github.com/redis/go-redis/v9"
)

func notesKey(flowRunID string) string {
	return keyPrefix + "notes:" + flowRunID
}

// NoteRepository keeps notes as a JSON list per flow run.
type NoteRepository struct {
	client goredis.UniversalClient
}

// SaveNotes appends the batch inside one MULTI/EXEC transaction.
func (r *NoteRepository) SaveNotes(ctx context.Context, notes []models.Note) error {
	if len(notes) == 0 {
		return nil
	}

	values := make([][]byte, 0, len(notes))

	for _, note := range notes {
		data, err := json.Marshal(note)
		if err != nil {
			return fmt.Errorf("failed to marshal note %d: %w", note.ID, err)
		}

		values = append(values, data)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, note := range notes {
			pipe.RPush(ctx, notesKey(note.FlowRunID), values[i])
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save %d notes: %w", len(notes), err)
	}

	return nil
}

func (r *NoteRepository) NotesByFlowRun(ctx context.Context, flowRunID string) ([]models.Note, error) {
	values, err := r.client.LRange(ctx, notesKey(flowRunID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notes of %s: %w", flowRunID, err)
	}

	notes := make([]models.Note, 0, len(values))

	for _, value := range values {
		var note models.Note
		if err := json.Unmarshal([]byte(value), &note); err != nil {
			return nil, fmt.Errorf("failed to unmarshal note: %w", err)
		}

		notes = append(notes, note)
	}

	return notes, nil
}
