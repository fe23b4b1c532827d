// Package template renders step configuration against the data a step run sees.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
)

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"rand": func(max int) int {
		if max <= 0 {
			return 0
		}

		num := make([]byte, 1)
		if _, err := rand.Read(num); err != nil {
			return 0
		}

		return int(num[0]) % max
	},
	"json": func(v any) (string, error) {
		data, err := json.Marshal(v)

		return string(data), err
	},
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}

		return v
	},
}

// Parse compiles a template with the step template functions.
func Parse(templateStr string) (*template.Template, error) {
	tmpl, err := template.New("step").Option("missingkey=zero").Funcs(funcs).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return tmpl, nil
}

// RenderString executes a template and returns the raw text.
func RenderString(templateStr string, data any) (string, error) {
	tmpl, err := Parse(templateStr)
	if err != nil {
		return "", err
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return buf.String(), nil
}

// Render executes a template and converts the text into a JSON value, number
// or boolean when it looks like one.
func Render(templateStr string, data any) (any, error) {
	text, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if (strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")) ||
		(strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]")) {
		var jsonResult any

		if err := json.Unmarshal([]byte(text), &jsonResult); err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(text, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(text); err == nil {
		return b, nil
	}

	return text, nil
}

// Context builds the data a template sees during a step run:
//
//	.previous   payload of the previous step in this flow run
//	.last       payload of the last successful run of this step
//	.increment  watermark of the last successful run, "" when none
//	.params     flow run parameters
//	.run        flow_run_id, step_run_id, step_id, flow_id
//	.env        process environment
func Context(in protocol.StepInput) (map[string]any, error) {
	previous, err := decode(in.Previous)
	if err != nil {
		return nil, fmt.Errorf("previous result: %w", err)
	}

	last, err := decode(in.LastSuccessful)
	if err != nil {
		return nil, fmt.Errorf("last successful result: %w", err)
	}

	increment, _ := in.LastSuccessful.IncrementValue()

	params := make(map[string]any, len(in.Params))
	for k, v := range in.Params {
		params[k] = v
	}

	run := map[string]any{
		"flow_run_id": in.FlowRunID,
		"step_run_id": in.StepRunID,
	}

	if in.Step != nil {
		run["step_id"] = in.Step.ID
		run["flow_id"] = in.Step.FlowID
	}

	return map[string]any{
		"previous":  previous,
		"last":      last,
		"increment": increment,
		"params":    params,
		"run":       run,
		"env":       envVars(),
	}, nil
}

// RenderWithContext renders a template against the step run data.
func RenderWithContext(input string, in protocol.StepInput) (any, error) {
	data, err := Context(in)
	if err != nil {
		return nil, err
	}

	return Render(input, data)
}

// RenderStringWithContext renders a template against the step run data and
// returns the raw text.
func RenderStringWithContext(input string, in protocol.StepInput) (string, error) {
	data, err := Context(in)
	if err != nil {
		return "", err
	}

	return RenderString(input, data)
}

func decode(res *result.StepResult) (any, error) {
	if !res.HasData() {
		return nil, nil
	}

	var v any
	if err := res.Decode(&v); err != nil {
		return nil, err
	}

	return v, nil
}

func envVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			envMap[key] = value
		}
	}

	return envMap
}
