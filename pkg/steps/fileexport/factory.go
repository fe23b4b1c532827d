// Package fileexport provides the file_export step prototype.
package fileexport

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/steps"
)

const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
)

var ErrMissingFileName = errors.New("missing 'file_name' in configuration")

// Factory creates file_export steps.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() string {
	return "file_export"
}

func (*Factory) Name() string {
	return "File export"
}

func (*Factory) Description() string {
	return "Writes the previous payload to a file as a JSON document or as JSON lines."
}

func (*Factory) Create(config map[string]any, logger *slog.Logger) (protocol.Step, error) {
	fileName := steps.String(config, "file_name", "")
	if fileName == "" {
		return nil, ErrMissingFileName
	}

	format := steps.String(config, "format", FormatJSON)
	if format != FormatJSON && format != FormatJSONL {
		return nil, fmt.Errorf("invalid format '%s'", format)
	}

	return &Step{
		FileName:  fileName,
		Directory: steps.String(config, "directory", "/tmp"),
		Format:    format,
		Overwrite: steps.Bool(config, "overwrite", true),
		logger:    logger,
	}, nil
}

func (*Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_name": map[string]any{
				"type":        "string",
				"description": "Name of the file to write. Supports templating.",
				"examples":    []string{"orders-{{.run.flow_run_id}}.json"},
			},
			"directory": map[string]any{
				"type":    "string",
				"default": "/tmp",
			},
			"format": map[string]any{
				"type":    "string",
				"default": FormatJSON,
				"enum":    []string{FormatJSON, FormatJSONL},
			},
			"overwrite": map[string]any{
				"type":        "boolean",
				"default":     true,
				"description": "Replace an existing file instead of failing",
			},
		},
		"required": []string{"file_name"},
	}
}
