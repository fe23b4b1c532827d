package fileexport_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/dukex/stepflow/pkg/steps/fileexport"
	"github.com/dukex/stepflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func previous() *result.StepResult {
	return result.New("sr-prev", result.WithData(json.RawMessage(`[{"id":"o-1"},{"id":"o-2"}]`)))
}

func TestStep_WritesJSON(t *testing.T) {
	dir := t.TempDir()

	step, err := fileexport.NewFactory().Create(map[string]any{
		"directory": filepath.Join(dir, "out"),
		"file_name": "orders-{{.run.flow_run_id}}.json",
	}, testutil.Logger())
	require.NoError(t, err)

	notes := &testutil.Notes{}
	lines := &testutil.Lines{}

	res, err := step.Run(context.Background(), testutil.StepInput(testutil.CreateTestStep(), previous(), nil, notes), lines.Progress())
	require.NoError(t, err)

	path := filepath.Join(dir, "out", "orders-flow-run-test.json")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"o-1"},{"id":"o-2"}]`, string(content))

	assert.Equal(t, 2, res.CountProcessed())
	assert.Equal(t, []string{"Wrote 2 rows to " + path}, lines.Lines)

	var out fileexport.Output
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, path, out.FilePath)
	assert.Equal(t, 2, out.Rows)
	assert.Equal(t, len(content), out.BytesWritten)

	require.Len(t, notes.Taken, 1)
	assert.Equal(t, 2, notes.Taken[0].Counters.Writes)

	entries, err := os.ReadDir(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary file is left behind")
}

func TestStep_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()

	step, err := fileexport.NewFactory().Create(map[string]any{
		"directory": dir,
		"file_name": "orders.jsonl",
		"format":    fileexport.FormatJSONL,
	}, testutil.Logger())
	require.NoError(t, err)

	_, err = step.Run(context.Background(), testutil.StepInput(testutil.CreateTestStep(), previous(), nil, &testutil.Notes{}), (&testutil.Lines{}).Progress())
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "orders.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":\"o-1\"}\n{\"id\":\"o-2\"}\n", string(content))
}

func TestStep_EmptyPrevious(t *testing.T) {
	dir := t.TempDir()

	step, err := fileexport.NewFactory().Create(map[string]any{"directory": dir, "file_name": "empty.json"}, testutil.Logger())
	require.NoError(t, err)

	res, err := step.Run(context.Background(), testutil.StepInput(testutil.CreateTestStep(), nil, nil, &testutil.Notes{}), (&testutil.Lines{}).Progress())
	require.NoError(t, err)
	assert.Equal(t, 0, res.CountProcessed())

	content, err := os.ReadFile(filepath.Join(dir, "empty.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(content))
}

func TestStep_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.json"), []byte("keep"), 0o600))

	step, err := fileexport.NewFactory().Create(map[string]any{
		"directory": dir,
		"file_name": "orders.json",
		"overwrite": false,
	}, testutil.Logger())
	require.NoError(t, err)

	_, err = step.Run(context.Background(), testutil.StepInput(testutil.CreateTestStep(), previous(), nil, &testutil.Notes{}), (&testutil.Lines{}).Progress())

	var stepErr *protocol.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, protocol.CodeIO, stepErr.Code)

	content, err := os.ReadFile(filepath.Join(dir, "orders.json"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(content))
}

func TestFactory_Create(t *testing.T) {
	factory := fileexport.NewFactory()

	_, err := factory.Create(map[string]any{}, testutil.Logger())
	assert.ErrorIs(t, err, fileexport.ErrMissingFileName)

	_, err = factory.Create(map[string]any{"file_name": "x", "format": "csv"}, testutil.Logger())
	assert.Error(t, err)

	assert.Equal(t, "file_export", factory.ID())
}
