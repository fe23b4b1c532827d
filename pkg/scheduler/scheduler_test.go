package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/mocks"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence/file"
	"github.com/dukex/stepflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu     sync.Mutex
	runs   []string
	status models.FlowRunStatus
	err    error
}

func (f *fakeRunner) RunToWriter(_ context.Context, alias string, _ map[string]string, w io.Writer) (models.FlowRunStatus, error) {
	f.mu.Lock()
	f.runs = append(f.runs, alias)
	f.mu.Unlock()

	_, _ = io.WriteString(w, "Flow '"+alias+"' succeeded\n")

	return f.status, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.runs)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scheduledFlow(alias, schedule string) *models.Flow {
	flow := testutil.CreateTestFlow(alias, testutil.CreateTestStep(func(s *models.StepDefinition) {
		s.ID = alias + "-log"
	}))
	flow.Schedule = schedule

	return flow
}

func TestScheduler_Sync(t *testing.T) {
	ctx := context.Background()
	p := file.NewPersistence(t.TempDir())
	flows := p.FlowRepository()

	require.NoError(t, flows.SaveFlow(ctx, scheduledFlow("orders", "*/5 * * * *")))
	require.NoError(t, flows.SaveFlow(ctx, scheduledFlow("manual", "")))

	s := NewScheduler(flows, &fakeRunner{}, testLogger())
	require.NoError(t, s.Sync(ctx))

	assert.Equal(t, map[string]string{"orders": "*/5 * * * *"}, s.Scheduled())

	_, ok := s.Next("manual")
	assert.False(t, ok)

	require.NoError(t, flows.SaveFlow(ctx, scheduledFlow("orders", "@hourly")))
	require.NoError(t, flows.SaveFlow(ctx, scheduledFlow("manual", "0 3 * * *")))
	require.NoError(t, s.Sync(ctx))

	assert.Equal(t, map[string]string{"orders": "@hourly", "manual": "0 3 * * *"}, s.Scheduled())
	assert.Len(t, s.cron.Entries(), 2)

	require.NoError(t, flows.DeleteFlow(ctx, "orders"))
	require.NoError(t, s.Sync(ctx))

	assert.Equal(t, map[string]string{"manual": "0 3 * * *"}, s.Scheduled())
	assert.Len(t, s.cron.Entries(), 1)
}

func TestScheduler_SyncFailure(t *testing.T) {
	flows := &mocks.MockFlowRepository{}
	flows.On("Flows", mock.Anything).Return(nil, errors.New("unavailable"))

	s := NewScheduler(flows, &fakeRunner{}, testLogger())

	assert.Error(t, s.Sync(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	flows.AssertNumberOfCalls(t, "Flows", 2)
}

func TestScheduler_Trigger(t *testing.T) {
	runner := &fakeRunner{status: models.FlowRunStatusSucceeded}
	s := NewScheduler(file.NewPersistence(t.TempDir()).FlowRepository(), runner, testLogger())

	status := s.Trigger(context.Background(), "orders")

	assert.Equal(t, models.FlowRunStatusSucceeded, status)
	assert.Equal(t, []string{"orders"}, runner.runs)

	runner.status = models.FlowRunStatusFailed
	runner.err = errors.New("boom")

	assert.Equal(t, models.FlowRunStatusFailed, s.Trigger(context.Background(), "orders"))
}

func TestScheduler_JobRunsFlow(t *testing.T) {
	runner := &fakeRunner{status: models.FlowRunStatusSucceeded}
	s := NewScheduler(file.NewPersistence(t.TempDir()).FlowRepository(), runner, testLogger())

	s.job("orders").Run()

	assert.Equal(t, 1, runner.count())
}

func TestScheduler_StartStopsWithContext(t *testing.T) {
	ctx := context.Background()
	p := file.NewPersistence(t.TempDir())
	require.NoError(t, p.FlowRepository().SaveFlow(ctx, scheduledFlow("orders", "@every 1s")))

	runner := &fakeRunner{status: models.FlowRunStatusSucceeded}
	s := NewScheduler(p.FlowRepository(), runner, testLogger(), WithRefreshInterval(10*time.Millisecond))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)

	go func() { done <- s.Start(runCtx) }()

	assert.Eventually(t, func() bool { return runner.count() > 0 }, 3*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
