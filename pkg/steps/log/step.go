package log

import (
	"context"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/dukex/stepflow/pkg/steps"
	"github.com/dukex/stepflow/pkg/template"
)

// Step renders a message and reports it.
type Step struct {
	Message string
	Level   slog.Level

	logger *slog.Logger
}

func (s *Step) Run(ctx context.Context, in protocol.StepInput, progress protocol.Progress) (*result.StepResult, error) {
	message, err := template.RenderStringWithContext(s.Message, in)
	if err != nil {
		return nil, protocol.NewStepError(protocol.CodeInvalidConfig, "cannot render message", err)
	}

	rows, err := steps.Rows(in.Previous)
	if err != nil {
		return nil, err
	}

	s.logger.Log(ctx, s.Level, message, "rows", len(rows))

	if !progress(message) {
		return nil, protocol.ErrStopped
	}

	in.Notes.Take(models.Note{
		Message:  message,
		Severity: severity(s.Level),
		Counters: models.NoteCounters{Reads: len(rows)},
	})

	return result.New(in.StepRunID,
		result.WithData(in.Previous.Data()),
		result.WithProcessed(len(rows)),
	), nil
}

func severity(level slog.Level) models.NoteSeverity {
	switch {
	case level >= slog.LevelError:
		return models.NoteSeverityError
	case level >= slog.LevelWarn:
		return models.NoteSeverityWarning
	default:
		return models.NoteSeverityInfo
	}
}
