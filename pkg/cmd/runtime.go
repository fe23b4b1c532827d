package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/registry"
	"github.com/dukex/stepflow/pkg/supervisor"
	"github.com/dukex/stepflow/pkg/workflow"
	"go.opentelemetry.io/otel/trace"
)

// Options selects the backends a process runs with.
type Options struct {
	DatabaseURL  string
	PluginsPath  string
	EventBus     string
	KafkaBrokers string
	Tracing      bool
}

// Runtime holds everything a stepflow process needs to run flows.
type Runtime struct {
	Logger      *slog.Logger
	Persistence persistence.Persistence
	Registry    *registry.Registry
	EventBus    eventbus.EventBus
	Tracer      trace.Tracer
	Runner      *workflow.FlowRunner

	shutdownTracer func(context.Context) error
}

// NewRuntime opens persistence, loads prototypes and wires the flow runner.
// On error everything opened so far is closed again.
func NewRuntime(ctx context.Context, logger *slog.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{Logger: logger}

	reg, err := NewRegistry(logger, opts.PluginsPath)
	if err != nil {
		return nil, err
	}

	rt.Registry = reg

	rt.Persistence, err = NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	rt.EventBus, err = NewEventBus(opts.EventBus, opts.KafkaBrokers, logger)
	if err != nil {
		_ = rt.Close(ctx)

		return nil, err
	}

	rt.Tracer, rt.shutdownTracer, err = NewTracer(ctx, opts.Tracing)
	if err != nil {
		_ = rt.Close(ctx)

		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	runnerOpts := []workflow.Option{workflow.WithTracer(rt.Tracer)}
	if rt.EventBus != nil {
		runnerOpts = append(runnerOpts, workflow.WithEventPublisher(rt.EventBus))
	}

	rt.Runner = workflow.NewFlowRunner(rt.Persistence, rt.Registry, logger, runnerOpts...)

	return rt, nil
}

// StartWatchdog subscribes a timeout watchdog to the event bus and runs it
// until ctx is done. It is a no-op without an event bus.
func (rt *Runtime) StartWatchdog(ctx context.Context) (*supervisor.Watchdog, error) {
	if rt.EventBus == nil {
		return nil, nil
	}

	watchdog := supervisor.NewWatchdog(rt.Logger)

	if err := watchdog.Register(rt.EventBus); err != nil {
		return nil, fmt.Errorf("failed to register watchdog: %w", err)
	}

	if err := rt.EventBus.Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	go watchdog.Run(ctx)

	return watchdog, nil
}

// Close releases the event bus, the tracer and persistence.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error

	if rt.EventBus != nil {
		if err := rt.EventBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
	}

	if rt.shutdownTracer != nil {
		if err := rt.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
		}
	}

	if rt.Persistence != nil {
		if err := rt.Persistence.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close persistence: %w", err))
		}
	}

	return errors.Join(errs...)
}
