// Package steps holds helpers shared by the built-in step prototypes.
package steps

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
)

// Rows splits a result payload into rows. An array yields its elements, any
// other value is a single row and a missing payload yields none.
func Rows(res *result.StepResult) ([]json.RawMessage, error) {
	if !res.HasData() {
		return nil, nil
	}

	data := bytes.TrimSpace(res.Data())
	if len(data) == 0 || data[0] != '[' {
		return []json.RawMessage{data}, nil
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, protocol.NewStepError(protocol.CodeInvalidInput, "payload is not a JSON array", err)
	}

	return rows, nil
}

// Encode marshals a step output payload.
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	return data, nil
}

// String reads an optional string from a step config.
func String(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}

	return fallback
}

// Int reads an optional integer from a step config. Numbers decoded from JSON
// arrive as float64 while YAML yields int.
func Int(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Bool reads an optional boolean from a step config.
func Bool(config map[string]any, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}

	return fallback
}

// StringMap reads an optional string map from a step config.
func StringMap(config map[string]any, key string) map[string]string {
	values := make(map[string]string)

	raw, ok := config[key].(map[string]any)
	if !ok {
		return values
	}

	for k, v := range raw {
		if s, ok := v.(string); ok {
			values[k] = s
		}
	}

	return values
}
