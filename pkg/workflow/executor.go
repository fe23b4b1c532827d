// Package workflow runs flows: it plans the steps of a flow, executes them one
// at a time and streams their progress while recording every run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/notes"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/planner"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StepLinePrefix is prepended to every line relayed from a step.
const StepLinePrefix = "  | "

// FlowNoteClass is the note class the runner itself records under.
const FlowNoteClass = "flow"

// BeforeStepRunFunc returns a diagnostic payload stored with the step run
// record. It is called right before the record is created.
type BeforeStepRunFunc func(ctx context.Context, step *models.StepDefinition) (map[string]any, error)

// FlowRunner plans and executes flows.
type FlowRunner struct {
	flows           persistence.FlowRepository
	ledger          persistence.RunLedger
	noteStore       notes.Store
	steps           *StepRunner
	publisher       eventbus.EventPublisher
	tracer          trace.Tracer
	onBeforeStepRun BeforeStepRunFunc
	logger          *slog.Logger
	now             func() time.Time
}

type Option func(*FlowRunner)

// WithEventPublisher publishes lifecycle events of every run.
func WithEventPublisher(publisher eventbus.EventPublisher) Option {
	return func(r *FlowRunner) {
		r.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *FlowRunner) {
		r.tracer = tracer
		r.steps.tracer = tracer
	}
}

// WithOnBeforeStepRun installs the diagnostic hook.
func WithOnBeforeStepRun(hook BeforeStepRunFunc) Option {
	return func(r *FlowRunner) {
		r.onBeforeStepRun = hook
	}
}

// WithClock replaces the time source for flow run times, step run end times
// and step durations. Step run start times are stamped by the ledger in
// CreateStepRun.
func WithClock(now func() time.Time) Option {
	return func(r *FlowRunner) {
		r.now = now
		r.steps.now = now
	}
}

func NewFlowRunner(p persistence.Persistence, creator StepCreator, logger *slog.Logger, opts ...Option) *FlowRunner {
	r := &FlowRunner{
		flows:     p.FlowRepository(),
		ledger:    p.RunLedger(),
		noteStore: p.NoteRepository(),
		steps:     NewStepRunner(creator, p.RunLedger(), logger),
		tracer:    otelhelper.NoopTracer(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Plan loads a flow and computes its execution order without running it.
func (r *FlowRunner) Plan(ctx context.Context, alias string) (*models.Flow, *planner.Plan, error) {
	flow, err := r.flows.FlowByAlias(ctx, alias)
	if err != nil {
		return nil, nil, err
	}

	plan, err := planner.Create(flow.Steps)
	if err != nil {
		return flow, nil, err
	}

	return flow, plan, nil
}

// Run prepares a flow run. Nothing executes until Progress is ranged over.
func (r *FlowRunner) Run(ctx context.Context, alias string, params map[string]string) *FlowExecution {
	return &FlowExecution{
		runner: r,
		ctx:    ctx,
		alias:  alias,
		params: params,
		id:     uuid.New().String(),
		status: models.FlowRunStatusRunning,
	}
}

// RunToWriter executes a flow and writes each progress line to w. It returns
// the final status and the flow error, or the write error that stopped it.
func (r *FlowRunner) RunToWriter(ctx context.Context, alias string, params map[string]string, w io.Writer) (models.FlowRunStatus, error) {
	return r.Run(ctx, alias, params).StreamTo(w)
}

// FlowExecution is one lazily executed flow run.
type FlowExecution struct {
	runner   *FlowRunner
	ctx      context.Context
	alias    string
	params   map[string]string
	id       string
	started  bool
	stopped  bool
	yield    func(string) bool
	flow     *models.Flow
	plan     *planner.Plan
	notes    *notes.Registry
	status   models.FlowRunStatus
	err      error
	failures []error
	start    time.Time
	// yielding is set while a line is handed to the consumer.
	yielding bool
	finished bool
}

// FlowRunID returns the id of this flow run.
func (e *FlowExecution) FlowRunID() string {
	return e.id
}

// Status returns the flow run status. It is running until Progress ends.
func (e *FlowExecution) Status() models.FlowRunStatus {
	return e.status
}

// Err returns the error that failed the flow, or nil. Failures of steps that
// do not stop the flow are returned by Failures.
func (e *FlowExecution) Err() error {
	return e.err
}

// Failures returns the errors of failed steps that let the flow continue.
func (e *FlowExecution) Failures() []error {
	return e.failures
}

// StreamTo runs the flow and writes each progress line to w. A write error
// stops the run and is returned instead of the flow error.
func (e *FlowExecution) StreamTo(w io.Writer) (models.FlowRunStatus, error) {
	var writeErr error

	for line := range e.Progress() {
		if _, writeErr = fmt.Fprintln(w, line); writeErr != nil {
			break
		}
	}

	if writeErr != nil {
		return e.status, fmt.Errorf("failed to write progress: %w", writeErr)
	}

	return e.status, e.err
}

// Progress yields the flow's progress lines. Stopping the range cancels the
// flow run at the current line.
func (e *FlowExecution) Progress() iter.Seq[string] {
	return func(yield func(string) bool) {
		if e.started {
			return
		}

		e.started = true
		e.yield = yield
		e.start = e.runner.now()

		e.execute()
	}
}

func (e *FlowExecution) emit(line string) bool {
	if e.stopped {
		return false
	}

	e.yielding = true
	ok := e.yield(line)
	e.yielding = false

	if !ok {
		e.stopped = true

		return false
	}

	return true
}

func (e *FlowExecution) emitf(format string, args ...any) bool {
	return e.emit(fmt.Sprintf(format, args...))
}

func (e *FlowExecution) execute() {
	r := e.runner
	logger := r.logger.With("flow_alias", e.alias, "flow_run_id", e.id)

	ctx, span := otelhelper.StartSpan(e.ctx, r.tracer, "flow.run",
		attribute.String(otelhelper.FlowAliasKey, e.alias),
		attribute.String(otelhelper.FlowRunIDKey, e.id),
	)
	defer span.End()
	defer e.recoverConsumerPanic(ctx, logger, span)

	flow, err := r.flows.FlowByAlias(ctx, e.alias)
	if err != nil {
		e.status = models.FlowRunStatusFailed
		e.err = fmt.Errorf("failed to load flow '%s': %w", e.alias, err)
		otelhelper.SetError(span, e.err)
		logger.ErrorContext(ctx, "Failed to load flow", "error", err)
		e.emitf("Flow '%s' failed: %v", e.alias, e.err)

		return
	}

	e.flow = flow
	e.notes = notes.NewRegistry(r.noteStore)
	span.SetAttributes(attribute.String(otelhelper.FlowIDKey, flow.ID))

	e.record(ctx, logger)
	logger.InfoContext(ctx, "Starting flow run")

	e.emitf("Flow run %s of '%s' started", e.id, flow.Alias)

	plan, err := planner.Create(flow.Steps)
	if err != nil {
		e.fail(err)
		e.emitf("Planning failed: %v", err)
	} else {
		e.plan = plan
		e.publish(ctx, events.FlowRunStarted{
			BaseEvent: events.NewBaseEvent(events.FlowRunStartedEvent, flow.ID, e.id),
			FlowAlias: flow.Alias,
			Params:    e.params,
			StepCount: plan.Len(),
		})

		e.runSteps(ctx, logger)
	}

	if e.stopped && e.err == nil {
		e.fail(ErrCancelled)
	}

	if e.err == nil {
		if len(e.failures) > 0 {
			e.status = models.FlowRunStatusCompletedWithErrors
		} else {
			e.status = models.FlowRunStatusSucceeded
		}
	}

	e.finish(ctx, logger, span)
}

// recoverConsumerPanic closes the flow run as cancelled when the consumer's
// loop body panics, then resumes the panic. Other panics pass through.
func (e *FlowExecution) recoverConsumerPanic(ctx context.Context, logger *slog.Logger, span trace.Span) {
	if !e.yielding {
		return
	}

	rec := recover()
	if rec == nil {
		return
	}

	e.yielding = false
	e.stopped = true

	if e.flow != nil && !e.finished {
		e.fail(ErrCancelled)
		e.finish(ctx, logger, span)
	}

	panic(rec)
}

func (e *FlowExecution) fail(err error) {
	e.status = models.FlowRunStatusFailed
	e.err = err
}

// record creates the flow run record. A failure is logged only.
func (e *FlowExecution) record(ctx context.Context, logger *slog.Logger) {
	err := e.runner.ledger.CreateFlowRun(ctx, &models.FlowRun{
		ID:        e.id,
		FlowID:    e.flow.ID,
		FlowAlias: e.flow.Alias,
		Status:    models.FlowRunStatusRunning,
		Params:    e.params,
		StartTime: e.start,
	})
	if err != nil {
		werr := &LedgerWriteError{Op: "CreateFlowRun", RunID: e.id, Err: err}
		logger.ErrorContext(ctx, "Failed to record flow run", "error", werr)
	}
}

func (e *FlowExecution) runSteps(ctx context.Context, logger *slog.Logger) {
	e.emit("Execution plan:")

	for _, line := range e.plan.Describe() {
		if !e.emit("  " + line) {
			return
		}
	}

	var previous *result.StepResult

	for i, step := range e.plan.Steps {
		if e.stopped {
			return
		}

		if err := ctx.Err(); err != nil {
			e.fail(fmt.Errorf("%w: %w", ErrCancelled, err))
			e.emitf("Flow cancelled before step '%s': %v", step.Name, err)

			return
		}

		res, err := e.runStep(ctx, logger, step, i+1, previous)

		switch {
		case e.stopped:
			return
		case err == nil:
			if !step.Disabled {
				previous = res
			}
		case e.plan.StopsOnError(step.ID):
			e.fail(err)
			e.emitf("Step '%s' failed, stopping flow: %v (ref %s)", step.Name, err, errorRef(err))

			return
		default:
			e.failures = append(e.failures, err)
			previous = nil
			e.emitf("Step '%s' failed: %v (ref %s)", step.Name, err, errorRef(err))
		}
	}
}

func (e *FlowExecution) runStep(
	ctx context.Context,
	logger *slog.Logger,
	step *models.StepDefinition,
	position int,
	previous *result.StepResult,
) (*result.StepResult, error) {
	r := e.runner
	logger = logger.With("step_id", step.ID)

	if !e.emitf("Step %d/%d: %s [%s]", position, e.plan.Len(), step.Name, step.ID) {
		return nil, nil
	}

	lastSuccessful, lookupErr := r.ledger.FindLastSuccessfulRun(ctx, step.ID)
	if step.Disabled {
		lookupErr = nil
	}

	diagnostics := e.diagnostics(ctx, logger, step)

	run, err := r.ledger.CreateStepRun(ctx, step, e.id, position, lastSuccessful, diagnostics)
	if err != nil {
		werr := &LedgerWriteError{Op: "CreateStepRun", RunID: e.id, Err: err}
		logger.ErrorContext(ctx, "Failed to record step run", "error", werr)
		e.emitf("warning: step run of '%s' was not recorded: %v", step.Name, err)

		run = persistence.NewStepRun(step, e.id, position, lastSuccessful, diagnostics, r.now())
	}

	if lookupErr != nil {
		// Running without the continuation state could process data twice.
		return nil, e.failLookup(ctx, logger, step, run, lookupErr)
	}

	base := events.NewStepRunEvent(events.StepRunStartedEvent, e.flow.ID, e.id, step.ID, step.Name, run.ID, position)

	if step.Disabled {
		base.Type = events.StepRunSkippedEvent
		e.publish(ctx, events.StepRunSkipped{StepRunEvent: base})
	} else {
		e.publish(ctx, events.StepRunStarted{StepRunEvent: base, TimeoutSeconds: step.TimeoutSeconds})
	}

	started := r.now()
	execution := r.steps.Execute(ctx, StepRequest{
		FlowRunID:      e.id,
		Step:           step,
		Run:            run,
		Previous:       previous,
		LastSuccessful: lastSuccessful,
		Params:         e.params,
		Notes:          e.notes.Taker(step.Prototype).Scoped(e.id, run.ID),
	})

	for line := range execution.Progress() {
		if !e.emit(StepLinePrefix + line) {
			break
		}
	}

	if step.Disabled {
		return nil, nil
	}

	elapsed := r.now().Sub(started)

	if err := execution.Err(); err != nil {
		base.Type = events.StepRunFailedEvent
		e.publish(ctx, events.StepRunFailed{
			StepRunEvent: base,
			Error:        err.Error(),
			ErrorID:      errorRef(err),
			StopsFlow:    e.plan.StopsOnError(step.ID),
			Duration:     elapsed,
		})

		e.notes.Taker(FlowNoteClass).Scoped(e.id, run.ID).Take(models.Note{
			Message:  err.Error(),
			Severity: models.NoteSeverityError,
			Counters: models.NoteCounters{Errors: 1},
		})

		return nil, err
	}

	res := execution.Result()

	base.Type = events.StepRunSucceededEvent
	e.publish(ctx, events.StepRunSucceeded{StepRunEvent: base, Processed: res.CountProcessed(), Duration: elapsed})

	e.emitf("Step '%s' done (%d processed)", step.Name, res.CountProcessed())

	return res, nil
}

// failLookup fails a step whose last successful run could not be read and
// writes the failure into its step run record.
func (e *FlowExecution) failLookup(
	ctx context.Context,
	logger *slog.Logger,
	step *models.StepDefinition,
	run *models.StepRun,
	err error,
) error {
	stepErr := NewStepExecutionError(step.ID, run.ID, fmt.Errorf("failed to read last successful run: %w", err))
	logger.WarnContext(ctx, "Step failed", "error", stepErr, "error_id", errorRef(stepErr))

	if werr := e.runner.ledger.UpdateStepRunError(context.WithoutCancel(ctx), run, e.runner.now(), "", stepErr); werr != nil {
		logger.ErrorContext(ctx, "Failed to record step run", "error", &LedgerWriteError{Op: "UpdateStepRunError", RunID: run.ID, Err: werr})
		e.emitf("warning: step run %s was not recorded: %v", run.ID, werr)
	}

	return stepErr
}

// diagnostics calls the hook, dropping its payload on error or panic.
func (e *FlowExecution) diagnostics(ctx context.Context, logger *slog.Logger, step *models.StepDefinition) (payload map[string]any) {
	hook := e.runner.onBeforeStepRun
	if hook == nil {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "Diagnostic hook panicked", "panic", rec)

			payload = nil
		}
	}()

	payload, err := hook(ctx, step)
	if err != nil {
		logger.WarnContext(ctx, "Diagnostic hook failed", "error", err)

		return nil
	}

	return payload
}

func (e *FlowExecution) finish(ctx context.Context, logger *slog.Logger, span trace.Span) {
	e.finished = true

	r := e.runner
	end := r.now()
	// Bookkeeping below must happen even when ctx was cancelled.
	ctx = context.WithoutCancel(ctx)

	status := attribute.String(otelhelper.FlowStatusKey, string(e.status))

	message := ""
	if e.err != nil {
		message = e.err.Error()
		span.SetAttributes(status)
		otelhelper.SetError(span, e.err)
	} else {
		otelhelper.SetOK(span, status)
	}

	var warnings []string

	if err := r.ledger.FinishFlowRun(ctx, e.id, e.status, end, message); err != nil {
		werr := &LedgerWriteError{Op: "FinishFlowRun", RunID: e.id, Err: err}
		logger.ErrorContext(ctx, "Failed to finish flow run record", "error", werr)
		warnings = append(warnings, fmt.Sprintf("warning: flow run %s was not recorded: %v", e.id, err))
	}

	if err := e.notes.CommitAll(ctx); err != nil {
		logger.ErrorContext(ctx, "Failed to commit notes", "error", err, "pending", e.notes.Pending())
		warnings = append(warnings, fmt.Sprintf("warning: notes were not saved: %v", err))
	}

	e.publish(ctx, events.FlowRunFinished{
		BaseEvent: events.NewBaseEvent(events.FlowRunFinishedEvent, e.flow.ID, e.id),
		FlowAlias: e.flow.Alias,
		Status:    string(e.status),
		Error:     message,
		Duration:  end.Sub(e.start),
	})

	logger.InfoContext(ctx, "Flow run finished", "status", e.status, "failed_steps", len(e.failures))

	// Records are closed before the final lines are yielded.
	switch e.status {
	case models.FlowRunStatusSucceeded:
		e.emitf("Flow '%s' succeeded", e.flow.Alias)
	case models.FlowRunStatusCompletedWithErrors:
		e.emitf("Flow '%s' completed with errors (%d failed steps)", e.flow.Alias, len(e.failures))
	default:
		e.emitf("Flow '%s' failed: %v", e.flow.Alias, e.err)
	}

	for _, warning := range warnings {
		e.emit(warning)
	}
}

func (e *FlowExecution) publish(ctx context.Context, event eventbus.Event) {
	if e.runner.publisher == nil {
		return
	}

	if err := e.runner.publisher.Publish(ctx, e.id, event); err != nil {
		e.runner.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "flow_run_id", e.id, "error", err)
	}
}

// IsFlowFailure reports whether err failed a flow run, as opposed to a
// cancellation by the consumer.
func IsFlowFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrCancelled)
}
