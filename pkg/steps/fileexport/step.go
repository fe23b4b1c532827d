package fileexport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/dukex/stepflow/pkg/steps"
	"github.com/dukex/stepflow/pkg/template"
)

// Step writes the previous payload to disk.
type Step struct {
	FileName  string
	Directory string
	Format    string
	Overwrite bool

	logger *slog.Logger
}

// Output is the payload a file_export run produces.
type Output struct {
	FilePath     string `json:"file_path"`
	Rows         int    `json:"rows"`
	BytesWritten int    `json:"bytes_written"`
}

func (s *Step) Run(ctx context.Context, in protocol.StepInput, progress protocol.Progress) (*result.StepResult, error) {
	name, err := template.RenderStringWithContext(s.FileName, in)
	if err != nil {
		return nil, protocol.NewStepError(protocol.CodeInvalidConfig, "cannot render file name", err)
	}

	rows, err := steps.Rows(in.Previous)
	if err != nil {
		return nil, err
	}

	content, err := s.encode(in.Previous, rows)
	if err != nil {
		return nil, err
	}

	fullPath := filepath.Join(s.Directory, name)

	if !s.Overwrite {
		if _, err := os.Stat(fullPath); err == nil {
			return nil, protocol.NewStepError(protocol.CodeIO,
				fmt.Sprintf("file '%s' already exists and overwrite is false", fullPath), nil)
		}
	}

	if err := write(fullPath, content); err != nil {
		return nil, protocol.NewStepError(protocol.CodeIO, "cannot write file", err)
	}

	s.logger.InfoContext(ctx, "Exported rows", "file_path", fullPath, "rows", len(rows), "bytes", len(content))

	in.Notes.Take(models.Note{
		Message:  "exported to " + fullPath,
		Severity: models.NoteSeverityInfo,
		Counters: models.NoteCounters{Writes: len(rows)},
	})

	if !progress.Printf("Wrote %d rows to %s", len(rows), fullPath) {
		return nil, protocol.ErrStopped
	}

	payload, err := steps.Encode(Output{FilePath: fullPath, Rows: len(rows), BytesWritten: len(content)})
	if err != nil {
		return nil, err
	}

	return result.New(in.StepRunID, result.WithData(payload), result.WithProcessed(len(rows))), nil
}

func (s *Step) encode(previous *result.StepResult, rows []json.RawMessage) ([]byte, error) {
	if s.Format == FormatJSONL {
		var buf bytes.Buffer

		for _, row := range rows {
			if err := json.Compact(&buf, row); err != nil {
				return nil, protocol.NewStepError(protocol.CodeInvalidInput, "invalid row", err)
			}

			buf.WriteByte('\n')
		}

		return buf.Bytes(), nil
	}

	data := previous.Data()
	if len(data) == 0 {
		data = json.RawMessage("[]")
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, protocol.NewStepError(protocol.CodeInvalidInput, "invalid payload", err)
	}

	buf.WriteByte('\n')

	return buf.Bytes(), nil
}

// write replaces the file atomically through a temporary sibling.
func write(path string, content []byte) error {
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to write '%s': %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close '%s': %w", path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename into '%s': %w", path, err)
	}

	return nil
}
