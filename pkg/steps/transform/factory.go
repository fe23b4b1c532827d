// Package transform provides the transform step prototype.
package transform

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/steps"
	"github.com/dukex/stepflow/pkg/template"
)

const (
	ModeEach = "each"
	ModeAll  = "all"
)

var ErrMissingTemplate = errors.New("missing 'template' in configuration")

// Factory creates transform steps.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() string {
	return "transform"
}

func (*Factory) Name() string {
	return "Transform"
}

func (*Factory) Description() string {
	return "Renders a Go template over the previous payload and the flow parameters to build a new payload."
}

func (*Factory) Create(config map[string]any, logger *slog.Logger) (protocol.Step, error) {
	tmpl := steps.String(config, "template", "")
	if tmpl == "" {
		return nil, ErrMissingTemplate
	}

	if _, err := template.Parse(tmpl); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	filter := steps.String(config, "filter", "")
	if filter != "" {
		if _, err := template.Parse(filter); err != nil {
			return nil, fmt.Errorf("invalid filter: %w", err)
		}
	}

	mode := steps.String(config, "mode", ModeEach)
	if mode != ModeEach && mode != ModeAll {
		return nil, fmt.Errorf("invalid mode '%s'", mode)
	}

	return &Step{
		Template: tmpl,
		Filter:   filter,
		Mode:     mode,
		logger:   logger,
	}, nil
}

func (*Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"template": map[string]any{
				"type":        "string",
				"description": "Template producing the output. In 'each' mode it runs once per row with the row as .row.",
				"examples": []string{
					`{"id": "{{.row.id}}", "region": "{{.params.region}}"}`,
					`{{len .previous}}`,
				},
			},
			"filter": map[string]any{
				"type":        "string",
				"description": "Optional template evaluated per row in 'each' mode; rows rendering anything but true are dropped.",
			},
			"mode": map[string]any{
				"type":    "string",
				"default": ModeEach,
				"enum":    []string{ModeEach, ModeAll},
			},
		},
		"required": []string{"template"},
	}
}
