package transform

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/dukex/stepflow/pkg/steps"
	"github.com/dukex/stepflow/pkg/template"
)

const progressEvery = 100

// Step maps the previous payload into a new one.
type Step struct {
	Template string
	Filter   string
	Mode     string

	logger *slog.Logger
}

func (s *Step) Run(ctx context.Context, in protocol.StepInput, progress protocol.Progress) (*result.StepResult, error) {
	data, err := template.Context(in)
	if err != nil {
		return nil, protocol.NewStepError(protocol.CodeInvalidInput, "cannot decode input", err)
	}

	if s.Mode == ModeAll {
		out, err := template.Render(s.Template, data)
		if err != nil {
			return nil, protocol.NewStepError(protocol.CodeInvalidConfig, "cannot render template", err)
		}

		return s.output(in, out, 1, progress)
	}

	rows, err := steps.Rows(in.Previous)
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(rows))
	dropped := 0

	for i, raw := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var row any
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, protocol.NewStepError(protocol.CodeInvalidInput, "cannot decode row", err)
		}

		data["row"] = row
		data["index"] = i

		keep, err := s.keep(data)
		if err != nil {
			return nil, err
		}

		if !keep {
			dropped++

			continue
		}

		value, err := template.Render(s.Template, data)
		if err != nil {
			return nil, protocol.NewStepError(protocol.CodeInvalidConfig, "cannot render template", err)
		}

		out = append(out, value)

		if (i+1)%progressEvery == 0 && !progress.Printf("Transformed %d of %d rows", i+1, len(rows)) {
			return nil, protocol.ErrStopped
		}
	}

	if dropped > 0 {
		in.Notes.Take(models.Note{
			Message:  "rows dropped by filter",
			Severity: models.NoteSeverityInfo,
			Counters: models.NoteCounters{Deletes: dropped},
		})
	}

	s.logger.DebugContext(ctx, "Transformed rows", "rows", len(rows), "dropped", dropped)

	return s.output(in, out, len(rows), progress)
}

func (s *Step) keep(data map[string]any) (bool, error) {
	if s.Filter == "" {
		return true, nil
	}

	value, err := template.Render(s.Filter, data)
	if err != nil {
		return false, protocol.NewStepError(protocol.CodeInvalidConfig, "cannot render filter", err)
	}

	keep, _ := value.(bool)

	return keep, nil
}

func (s *Step) output(in protocol.StepInput, out any, reads int, progress protocol.Progress) (*result.StepResult, error) {
	payload, err := steps.Encode(out)
	if err != nil {
		return nil, err
	}

	written := 1
	if list, ok := out.([]any); ok {
		written = len(list)
	}

	in.Notes.Take(models.Note{
		Message:  "transformed payload",
		Severity: models.NoteSeverityInfo,
		Counters: models.NoteCounters{Reads: reads, Writes: written},
	})

	if !progress.Printf("Transformed %d rows into %d", reads, written) {
		return nil, protocol.ErrStopped
	}

	return result.New(in.StepRunID, result.WithData(payload), result.WithProcessed(written)), nil
}
