// Package persistencetest holds behaviour checks every persistence backend
// must pass.
package persistencetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SampleFlow returns a three step flow used across backend tests.
func SampleFlow() *models.Flow {
	return &models.Flow{
		ID:          "flow-orders",
		Alias:       "orders",
		Name:        "Orders",
		Description: "Imports and exports orders",
		Schedule:    "@hourly",
		Steps: []*models.StepDefinition{
			{
				ID:        "export",
				Name:      "Export",
				FromType:  "orders",
				Prototype: "file_export",
				Config:    map[string]any{"path": "/tmp/orders.json"},
				Level:     2,
			},
			{
				ID:              "import",
				Name:            "Import",
				ToType:          "orders",
				Prototype:       "http_import",
				Config:          map[string]any{"url": "http://localhost/orders"},
				StopFlowOnError: true,
				TimeoutSeconds:  60,
				Level:           0,
			},
			{
				ID:             "enrich",
				Name:           "Enrich",
				FromType:       "orders",
				ToType:         "orders",
				Prototype:      "transform",
				RunAfterStepID: "import",
				Disabled:       true,
				Level:          1,
			},
		},
	}
}

// Run executes every check against the backend returned by newBackend. Each
// check gets a fresh backend.
func Run(t *testing.T, newBackend func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("flows", func(t *testing.T) { testFlows(t, newBackend(t)) })
	t.Run("flow runs", func(t *testing.T) { testFlowRuns(t, newBackend(t)) })
	t.Run("step runs", func(t *testing.T) { testStepRuns(t, newBackend(t)) })
	t.Run("last successful run", func(t *testing.T) { testLastSuccessful(t, newBackend(t)) })
	t.Run("notes", func(t *testing.T) { testNotes(t, newBackend(t)) })
	t.Run("health", func(t *testing.T) {
		require.NoError(t, newBackend(t).HealthCheck(context.Background()))
	})
}

func testFlows(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.FlowRepository()

	_, err := repo.FlowByAlias(ctx, "orders")
	require.Error(t, err)
	assert.True(t, persistence.IsFlowNotFound(err))

	flow := SampleFlow()
	require.NoError(t, repo.SaveFlow(ctx, flow))

	loaded, err := repo.FlowByAlias(ctx, "orders")
	require.NoError(t, err)

	assert.Equal(t, flow.ID, loaded.ID)
	assert.Equal(t, "Orders", loaded.Name)
	assert.Equal(t, "@hourly", loaded.Schedule)
	require.Len(t, loaded.Steps, 3)

	assert.Equal(t, []string{"import", "enrich", "export"}, []string{loaded.Steps[0].ID, loaded.Steps[1].ID, loaded.Steps[2].ID})

	imp := loaded.Steps[0]
	assert.Equal(t, flow.ID, imp.FlowID)
	assert.Equal(t, "orders", imp.ToType)
	assert.True(t, imp.StopFlowOnError)
	assert.Equal(t, 60, imp.TimeoutSeconds)
	assert.Equal(t, "http://localhost/orders", imp.Config["url"])

	enrich := loaded.Steps[1]
	assert.Equal(t, "import", enrich.RunAfterStepID)
	assert.True(t, enrich.Disabled)

	flow.Name = "Orders v2"
	flow.Steps = flow.Steps[:2]
	require.NoError(t, repo.SaveFlow(ctx, flow))

	loaded, err = repo.FlowByAlias(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "Orders v2", loaded.Name)
	assert.Len(t, loaded.Steps, 2)

	other := &models.Flow{ID: "flow-a", Alias: "archive", Name: "Archive"}
	require.NoError(t, repo.SaveFlow(ctx, other))

	flows, err := repo.Flows(ctx)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "archive", flows[0].Alias)
	assert.Equal(t, "orders", flows[1].Alias)

	require.NoError(t, repo.DeleteFlow(ctx, "archive"))

	_, err = repo.FlowByAlias(ctx, "archive")
	assert.True(t, persistence.IsFlowNotFound(err))

	err = repo.DeleteFlow(ctx, "archive")
	assert.True(t, persistence.IsFlowNotFound(err))
}

func testFlowRuns(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	ledger := p.RunLedger()
	base := time.Now().UTC().Truncate(time.Millisecond)

	_, err := ledger.FlowRunByID(ctx, "missing")
	assert.True(t, persistence.IsFlowRunNotFound(err))

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, ledger.CreateFlowRun(ctx, &models.FlowRun{
			ID:        id,
			FlowID:    "flow-orders",
			FlowAlias: "orders",
			Status:    models.FlowRunStatusRunning,
			Params:    map[string]string{"since": "yesterday"},
			StartTime: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	require.NoError(t, ledger.FinishFlowRun(ctx, "run-2", models.FlowRunStatusFailed, base.Add(90*time.Second), "import failed"))

	run, err := ledger.FlowRunByID(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, models.FlowRunStatusFailed, run.Status)
	assert.Equal(t, "import failed", run.ErrorMessage)
	assert.Equal(t, "yesterday", run.Params["since"])
	require.NotNil(t, run.EndTime)
	assert.True(t, run.EndTime.Equal(base.Add(90*time.Second)))
	assert.True(t, run.Done())

	err = ledger.FinishFlowRun(ctx, "missing", models.FlowRunStatusSucceeded, base, "")
	assert.True(t, persistence.IsFlowRunNotFound(err))

	runs, err := ledger.FlowRunsByFlow(ctx, "flow-orders", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)

	runs, err = ledger.FlowRunsByFlow(ctx, "flow-orders", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	runs, err = ledger.FlowRunsByFlow(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func testStepRuns(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	ledger := p.RunLedger()
	flow := SampleFlow()
	steps := map[string]*models.StepDefinition{}

	for _, s := range flow.Steps {
		s.FlowID = flow.ID
		steps[s.ID] = s
	}

	first, err := ledger.CreateStepRun(ctx, steps["import"], "flow-run-1", 1, nil, map[string]any{"attempt": "1"})
	require.NoError(t, err)
	assert.Equal(t, models.StepRunStatusRunning, first.Status)

	disabled, err := ledger.CreateStepRun(ctx, steps["enrich"], "flow-run-1", 2, nil, nil)
	require.NoError(t, err)
	assert.True(t, disabled.Disabled())

	third, err := ledger.CreateStepRun(ctx, steps["export"], "flow-run-1", 3, nil, nil)
	require.NoError(t, err)

	end := time.Now().UTC()
	res := result.New("", result.WithIncrement("100"), result.WithProcessed(3))
	require.NoError(t, ledger.UpdateStepRunSuccess(ctx, first, end, "imported 3\n", res))
	require.NoError(t, ledger.UpdateStepRunError(ctx, third, end, "writing\n", errors.New("permission denied")))

	runs, err := ledger.StepRunsByFlowRun(ctx, "flow-run-1")
	require.NoError(t, err)
	require.Len(t, runs, 3)

	assert.Equal(t, first.ID, runs[0].ID)
	assert.True(t, runs[0].Success())
	assert.Equal(t, "imported 3\n", runs[0].Output)
	assert.True(t, runs[0].Incremental)
	require.NotNil(t, runs[0].IncrementValue)
	assert.Equal(t, "100", *runs[0].IncrementValue)
	assert.Equal(t, "1", runs[0].Diagnostics["attempt"])
	assert.Equal(t, 60, runs[0].TimeoutSeconds)

	assert.True(t, runs[1].Disabled())
	require.NotNil(t, runs[1].EndTime)
	assert.True(t, runs[1].EndTime.Equal(runs[1].StartTime))

	assert.True(t, runs[2].Failed())
	assert.Equal(t, "permission denied", runs[2].ErrorMessage)
	assert.Equal(t, "writing\n", runs[2].Output)

	stored, err := persistence.ResultOf(runs[0])
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CountProcessed())
	assert.Equal(t, first.ID, stored.StepRunID())
}

func testLastSuccessful(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	ledger := p.RunLedger()
	step := &models.StepDefinition{ID: "import", FlowID: "flow-orders", Name: "Import", Prototype: "http_import"}

	last, err := ledger.FindLastSuccessfulRun(ctx, "import")
	require.NoError(t, err)
	assert.Nil(t, last)

	first, err := ledger.CreateStepRun(ctx, step, "flow-run-1", 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, ledger.UpdateStepRunSuccess(ctx, first, time.Now().UTC(), "", result.New("", result.WithIncrement("10"))))

	time.Sleep(5 * time.Millisecond)

	lastResult, err := ledger.FindLastSuccessfulRun(ctx, "import")
	require.NoError(t, err)
	require.NotNil(t, lastResult)

	second, err := ledger.CreateStepRun(ctx, step, "flow-run-2", 1, lastResult, nil)
	require.NoError(t, err)
	require.NotNil(t, second.PreviousStepRunID)
	assert.Equal(t, first.ID, *second.PreviousStepRunID)
	require.NoError(t, ledger.UpdateStepRunSuccess(ctx, second, time.Now().UTC(), "", result.New("", result.WithIncrement("20"))))

	time.Sleep(5 * time.Millisecond)

	third, err := ledger.CreateStepRun(ctx, step, "flow-run-3", 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, ledger.UpdateStepRunError(ctx, third, time.Now().UTC(), "", errors.New("timeout")))

	lastResult, err = ledger.FindLastSuccessfulRun(ctx, "import")
	require.NoError(t, err)
	require.NotNil(t, lastResult)
	assert.Equal(t, second.ID, lastResult.StepRunID())

	value, ok := lastResult.IncrementValue()
	require.True(t, ok)
	assert.Equal(t, "20", value)

	count, err := ledger.InvalidateStepRuns(ctx, "import")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	lastResult, err = ledger.FindLastSuccessfulRun(ctx, "import")
	require.NoError(t, err)
	assert.Nil(t, lastResult)

	count, err = ledger.InvalidateStepRuns(ctx, "import")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func testNotes(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.NoteRepository()
	now := time.Now().UTC().Truncate(time.Millisecond)

	batch := []models.Note{
		{ID: 1, Class: "import", FlowRunID: "flow-run-1", StepRunID: "sr-1", Message: "read", Severity: models.NoteSeverityInfo, Counters: models.NoteCounters{Reads: 10}, CreatedAt: now},
		{ID: 2, Class: "import", FlowRunID: "flow-run-1", StepRunID: "sr-1", Message: "skipped", Severity: models.NoteSeverityWarning, Counters: models.NoteCounters{Warnings: 2}, CreatedAt: now},
	}
	require.NoError(t, repo.SaveNotes(ctx, batch))
	require.NoError(t, repo.SaveNotes(ctx, []models.Note{
		{ID: 1, Class: "export", FlowRunID: "flow-run-1", StepRunID: "sr-2", Message: "wrote", Severity: models.NoteSeverityInfo, Counters: models.NoteCounters{Writes: 10}, CreatedAt: now},
	}))
	require.NoError(t, repo.SaveNotes(ctx, nil))

	stored, err := repo.NotesByFlowRun(ctx, "flow-run-1")
	require.NoError(t, err)
	require.Len(t, stored, 3)

	assert.Equal(t, "read", stored[0].Message)
	assert.Equal(t, 10, stored[0].Counters.Reads)
	assert.Equal(t, "skipped", stored[1].Message)
	assert.Equal(t, models.NoteSeverityWarning, stored[1].Severity)
	assert.Equal(t, "wrote", stored[2].Message)
	assert.Equal(t, "export", stored[2].Class)

	stored, err = repo.NotesByFlowRun(ctx, "flow-run-2")
	require.NoError(t, err)
	assert.Empty(t, stored)
}
