package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/stepflow/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersFlow = `
alias: orders
name: Orders
description: Imports orders and writes them to disk
schedule: "*/15 * * * *"
steps:
  - id: export
    name: Export
    from_object: orders
    prototype: file_export
    level: 2
    config:
      path: /tmp/orders.json
  - id: import
    name: Import
    to_object: orders
    prototype: http_import
    stop_flow_on_error: true
    timeout_seconds: 30
    level: 1
    config:
      url: https://example.com/orders
      headers:
        Accept: application/json
`

func TestParseFlow(t *testing.T) {
	t.Parallel()

	flow, err := config.ParseFlow([]byte(ordersFlow))
	require.NoError(t, err)

	assert.Equal(t, "orders", flow.ID)
	assert.Equal(t, "orders", flow.Alias)
	assert.Equal(t, "*/15 * * * *", flow.Schedule)
	require.Len(t, flow.Steps, 2)

	imp := flow.Steps[0]
	assert.Equal(t, "import", imp.ID)
	assert.Equal(t, "orders", imp.FlowID)
	assert.Equal(t, "orders", imp.ToType)
	assert.True(t, imp.StopFlowOnError)
	assert.Equal(t, 30, imp.TimeoutSeconds)
	assert.Equal(t, "https://example.com/orders", imp.Config["url"])

	headers, ok := imp.Config["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "application/json", headers["Accept"])

	assert.Equal(t, "export", flow.Steps[1].ID)
	assert.Equal(t, "orders", flow.Steps[1].FromType)
}

func TestParseFlow_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		yaml     string
		contains string
	}{
		{
			name:     "malformed yaml",
			yaml:     "alias: [",
			contains: "failed to parse YAML flow",
		},
		{
			name:     "missing alias",
			yaml:     "name: x\nsteps: []",
			contains: "Flow.Alias",
		},
		{
			name:     "step without prototype",
			yaml:     "alias: a\nname: A\nsteps:\n  - id: s\n    name: S\n",
			contains: "Prototype",
		},
		{
			name:     "negative timeout",
			yaml:     "alias: a\nname: A\nsteps:\n  - id: s\n    name: S\n    prototype: log\n    timeout_seconds: -1\n",
			contains: "TimeoutSeconds",
		},
		{
			name:     "duplicate step",
			yaml:     "alias: a\nname: A\nsteps:\n  - {id: s, name: S, prototype: log}\n  - {id: s, name: T, prototype: log}\n",
			contains: "duplicate step id 's'",
		},
		{
			name:     "bad schedule",
			yaml:     "alias: a\nname: A\nschedule: every now and then\nsteps: []\n",
			contains: "schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.ParseFlow([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestLoadFlowDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.yaml"), []byte(ordersFlow), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ping.yml"), []byte("alias: ping\nname: Ping\nsteps:\n  - {id: hello, name: Hello, prototype: log}\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0600))

	flows, err := config.LoadFlowDir(dir)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "orders", flows[0].Alias)
	assert.Equal(t, "ping", flows[1].Alias)
}

func TestMarshalFlow_RoundTrip(t *testing.T) {
	t.Parallel()

	flow, err := config.ParseFlow([]byte(ordersFlow))
	require.NoError(t, err)

	data, err := config.MarshalFlow(flow)
	require.NoError(t, err)

	again, err := config.ParseFlow(data)
	require.NoError(t, err)

	assert.Equal(t, flow, again)
}

func TestLoadFlowFile_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFlowFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
