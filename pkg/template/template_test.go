package template

import (
	"encoding/json"
	"testing"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		data     any
		expected any
	}{
		{
			name:     "plain text",
			template: "hello {{.name}}",
			data:     map[string]any{"name": "orders"},
			expected: "hello orders",
		},
		{
			name:     "number",
			template: "{{.count}}",
			data:     map[string]any{"count": 42},
			expected: float64(42),
		},
		{
			name:     "boolean",
			template: "{{.ok}}",
			data:     map[string]any{"ok": true},
			expected: true,
		},
		{
			name:     "json object",
			template: `{"id": "{{.id}}", "total": {{.total}}}`,
			data:     map[string]any{"id": "o-1", "total": 10},
			expected: map[string]any{"id": "o-1", "total": float64(10)},
		},
		{
			name:     "json helper",
			template: `{{json .rows}}`,
			data:     map[string]any{"rows": []any{"a", "b"}},
			expected: []any{"a", "b"},
		},
		{
			name:     "default helper",
			template: `{{default "none" .missing}}`,
			data:     map[string]any{},
			expected: "none",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRender_Errors(t *testing.T) {
	_, err := Render(`{"broken": {{.x}}`+"}", map[string]any{"x": "not-json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse json")

	_, err = Render("{{nonexistent .x}}", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `function "nonexistent" not defined`)
}

func TestRenderString_KeepsText(t *testing.T) {
	got, err := RenderString("/tmp/{{.id}}.json", map[string]any{"id": 7})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/7.json", got)
}

func TestContext(t *testing.T) {
	t.Setenv("STEPFLOW_TEMPLATE_TEST", "on")

	previous := result.New("sr-prev", result.WithData(json.RawMessage(`[{"id":"o-1"}]`)))
	last := result.New("sr-last", result.Incremental(), result.WithIncrement("2024-01-02"))

	in := protocol.StepInput{
		FlowRunID:      "fr-1",
		StepRunID:      "sr-2",
		Step:           &models.StepDefinition{ID: "export", FlowID: "flow-1"},
		Previous:       previous,
		LastSuccessful: last,
		Params:         map[string]string{"region": "eu"},
	}

	data, err := Context(in)
	require.NoError(t, err)

	assert.Equal(t, []any{map[string]any{"id": "o-1"}}, data["previous"])
	assert.Nil(t, data["last"])
	assert.Equal(t, "2024-01-02", data["increment"])
	assert.Equal(t, map[string]any{"region": "eu"}, data["params"])
	assert.Equal(t, "on", data["env"].(map[string]any)["STEPFLOW_TEMPLATE_TEST"])

	run := data["run"].(map[string]any)
	assert.Equal(t, "fr-1", run["flow_run_id"])
	assert.Equal(t, "sr-2", run["step_run_id"])
	assert.Equal(t, "export", run["step_id"])
	assert.Equal(t, "flow-1", run["flow_id"])

	text, err := RenderStringWithContext("{{.params.region}}-{{.increment}}", in)
	require.NoError(t, err)
	assert.Equal(t, "eu-2024-01-02", text)
}

func TestContext_FirstRun(t *testing.T) {
	data, err := Context(protocol.StepInput{FlowRunID: "fr-1"})
	require.NoError(t, err)

	assert.Nil(t, data["previous"])
	assert.Equal(t, "", data["increment"])

	got, err := RenderWithContext(`{{default "1970-01-01" .increment}}`, protocol.StepInput{})
	require.NoError(t, err)
	assert.Equal(t, "1970-01-01", got)
}
