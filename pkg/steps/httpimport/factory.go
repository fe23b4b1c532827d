// Package httpimport provides the http_import step prototype, which pulls a
// JSON array over HTTP and resumes from the watermark of its last successful run.
package httpimport

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/steps"
)

const defaultTimeoutSeconds = 30

var ErrMissingURL = errors.New("missing 'url' in configuration")

// Factory creates http_import steps.
type Factory struct {
	client *http.Client
}

// NewFactory creates a factory. A nil client gets a default one per step.
func NewFactory(client *http.Client) *Factory {
	return &Factory{client: client}
}

func (*Factory) ID() string {
	return "http_import"
}

func (*Factory) Name() string {
	return "HTTP import"
}

func (*Factory) Description() string {
	return "Fetches a JSON array with GET. With a cursor field the step is incremental: the highest cursor value becomes the watermark for the next run."
}

func (f *Factory) Create(config map[string]any, logger *slog.Logger) (protocol.Step, error) {
	url := steps.String(config, "url", "")
	if url == "" {
		return nil, ErrMissingURL
	}

	client := f.client
	if client == nil {
		client = &http.Client{
			Timeout: time.Duration(steps.Int(config, "timeout_seconds", defaultTimeoutSeconds)) * time.Second,
		}
	}

	return &Step{
		URL:         url,
		Headers:     steps.StringMap(config, "headers"),
		ItemsPath:   steps.String(config, "items_path", ""),
		CursorField: steps.String(config, "cursor_field", ""),
		CursorParam: steps.String(config, "cursor_param", "since"),
		client:      client,
		logger:      logger,
	}, nil
}

func (*Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to fetch. Supports templating.",
				"examples": []string{
					"https://api.example.com/orders?region={{.params.region}}",
				},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"items_path": map[string]any{
				"type":        "string",
				"description": "Dot separated path to the array inside a JSON object response",
				"examples":    []string{"data.items"},
			},
			"cursor_field": map[string]any{
				"type":        "string",
				"description": "Row field holding the watermark, e.g. an updated_at timestamp",
			},
			"cursor_param": map[string]any{
				"type":        "string",
				"description": "Query parameter carrying the last watermark",
				"default":     "since",
			},
			"timeout_seconds": map[string]any{
				"type":    "integer",
				"minimum": 1,
				"default": defaultTimeoutSeconds,
			},
		},
		"required": []string{"url"},
	}
}
