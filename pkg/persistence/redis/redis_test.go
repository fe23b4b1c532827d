package redis_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/persistence/persistencetest"
	stepredis "github.com/dukex/stepflow/pkg/persistence/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersistence(t *testing.T) (*stepredis.Persistence, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})

	p := stepredis.NewPersistenceFromClient(logger, client)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	return p, server
}

func TestPersistence_Conformance(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		p, _ := newTestPersistence(t)

		return p
	})
}

func TestNewPersistence_FromURL(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := stepredis.NewPersistence(t.Context(), logger, "redis://"+server.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, p.HealthCheck(t.Context()))
	require.NoError(t, p.Close(t.Context()))

	_, err = stepredis.NewPersistence(t.Context(), logger, "not a url")
	assert.Error(t, err)
}

func TestPersistence_KeyLayout(t *testing.T) {
	p, server := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.FlowRepository().SaveFlow(ctx, persistencetest.SampleFlow()))

	assert.True(t, server.Exists("stepflow:flow:orders"))

	members, err := server.SMembers("stepflow:flows")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, members)

	flow, err := p.FlowRepository().FlowByAlias(ctx, "orders")
	require.NoError(t, err)

	run, err := p.RunLedger().CreateStepRun(ctx, flow.Steps[0], "flow-run-1", 1, nil, nil)
	require.NoError(t, err)

	assert.True(t, server.Exists("stepflow:step_run:"+run.ID))

	ids, err := server.List("stepflow:flow_run:flow-run-1:step_runs")
	require.NoError(t, err)
	assert.Equal(t, []string{run.ID}, ids)
}

func TestPersistence_HealthCheckFailsWhenServerDown(t *testing.T) {
	p, server := newTestPersistence(t)

	server.Close()

	assert.Error(t, p.HealthCheck(context.Background()))
}
