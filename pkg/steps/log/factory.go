// Package log provides the log step prototype.
package log

import (
	"log/slog"

	stepflowlog "github.com/dukex/stepflow/pkg/log"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/steps"
)

// Factory creates log steps.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// ID returns the prototype identifier.
func (*Factory) ID() string {
	return "log"
}

func (*Factory) Name() string {
	return "Log"
}

func (*Factory) Description() string {
	return "Emits a message as a progress line and a note. The previous payload passes through unchanged."
}

// Create creates a log step with the provided configuration.
func (*Factory) Create(config map[string]any, logger *slog.Logger) (protocol.Step, error) {
	return &Step{
		Message: steps.String(config, "message", ""),
		Level:   stepflowlog.ParseLevel(steps.String(config, "level", "info")),
		logger:  logger,
	}, nil
}

// Schema returns the JSON schema for the step configuration.
func (*Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message to emit. Supports templating.",
				"examples": []string{
					"Imported orders for {{.params.region}}",
					"Continuing from {{.increment}}",
				},
			},
			"level": map[string]any{
				"type":        "string",
				"description": "Log level for the message",
				"default":     "info",
				"enum":        []string{"debug", "info", "warn", "warning", "error"},
			},
		},
		"required": []string{"message"},
	}
}
