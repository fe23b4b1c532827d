package eventbus_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/stepflow/pkg/channels/gochannel"
	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := eventbus.NewWatermillEventBus(logger, pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	received := make(chan *events.StepRunStarted, 1)

	require.NoError(t, bus.Handle(events.StepRunStartedEvent, eventbus.On(func(_ context.Context, event *events.StepRunStarted) error {
		received <- event

		return nil
	})))
	require.NoError(t, bus.Subscribe(ctx))

	sent := events.StepRunStarted{
		StepRunEvent:   events.NewStepRunEvent(events.StepRunStartedEvent, "flow-1", "run-1", "import", "Import", "sr-1", 1),
		TimeoutSeconds: 30,
	}

	// Unhandled types are acknowledged and skipped.
	require.NoError(t, bus.Publish(ctx, "run-1", events.StepRunSkipped{
		StepRunEvent: events.NewStepRunEvent(events.StepRunSkippedEvent, "flow-1", "run-1", "other", "Other", "sr-0", 1),
	}))
	require.NoError(t, bus.Publish(ctx, "run-1", sent))

	select {
	case got := <-received:
		assert.Equal(t, "sr-1", got.StepRunID)
		assert.Equal(t, 30, got.TimeoutSeconds)
		assert.Equal(t, events.StepRunStartedEvent, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_PublishSetsMetadata(t *testing.T) {
	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := eventbus.NewWatermillEventBus(logger, pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	messages, err := sub.Subscribe(ctx, events.Topic)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "run-7", events.FlowRunStarted{
		BaseEvent: events.NewBaseEvent(events.FlowRunStartedEvent, "flow-1", "run-7"),
		FlowAlias: "orders",
	}))

	var msg *message.Message

	select {
	case msg = <-messages:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not published")
	}

	msg.Ack()

	assert.Equal(t, "run-7", msg.Metadata.Get(events.EventMetadataKey))
	assert.Equal(t, string(events.FlowRunStartedEvent), msg.Metadata.Get(events.EventTypeMetadataKey))
	assert.Contains(t, string(msg.Payload), `"flow_alias":"orders"`)
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}

func TestOn_IgnoresOtherTypes(t *testing.T) {
	calls := 0
	handler := eventbus.On(func(context.Context, *events.FlowRunFinished) error {
		calls++

		return nil
	})

	require.NoError(t, handler(context.Background(), &events.StepRunSkipped{}))
	require.NoError(t, handler(context.Background(), &events.FlowRunFinished{}))
	assert.Equal(t, 1, calls)
}
