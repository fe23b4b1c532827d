package file

import (
	"context"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// NoteRepository appends note batches to notes/<flow run id>.json.
type NoteRepository struct {
	root string
	mu   *sync.RWMutex
}

func (nr *NoteRepository) path(flowRunID string) string {
	return filepath.Join(nr.root, "notes", flowRunID+".json")
}

// SaveNotes rewrites each affected file in one rename. Every file is prepared
// before the first one is replaced.
func (nr *NoteRepository) SaveNotes(_ context.Context, batch []models.Note) error {
	if len(batch) == 0 {
		return nil
	}

	nr.mu.Lock()
	defer nr.mu.Unlock()

	grouped := map[string][]models.Note{}
	order := make([]string, 0)

	for _, note := range batch {
		if err := persistence.ValidateID(note.FlowRunID); err != nil {
			return persistence.NewRunError("SaveNotes", note.FlowRunID, err)
		}

		if _, ok := grouped[note.FlowRunID]; !ok {
			var existing []models.Note
			if _, err := readJSON(nr.path(note.FlowRunID), &existing); err != nil {
				return err
			}

			grouped[note.FlowRunID] = existing
			order = append(order, note.FlowRunID)
		}

		grouped[note.FlowRunID] = append(grouped[note.FlowRunID], note)
	}

	for _, flowRunID := range order {
		if err := writeJSON(nr.path(flowRunID), grouped[flowRunID]); err != nil {
			return err
		}
	}

	return nil
}

func (nr *NoteRepository) NotesByFlowRun(_ context.Context, flowRunID string) ([]models.Note, error) {
	if err := persistence.ValidateID(flowRunID); err != nil {
		return nil, persistence.NewRunError("NotesByFlowRun", flowRunID, err)
	}

	nr.mu.RLock()
	defer nr.mu.RUnlock()

	var notes []models.Note
	if _, err := readJSON(nr.path(flowRunID), &notes); err != nil {
		return nil, err
	}

	return slices.Clip(notes), nil
}
