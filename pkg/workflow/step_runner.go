package workflow

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/notes"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StepCreator instantiates the prototype a step definition references.
type StepCreator interface {
	Create(step *models.StepDefinition) (protocol.Step, error)
}

// StepRunner runs a single step and records its outcome in the ledger.
type StepRunner struct {
	creator StepCreator
	ledger  persistence.RunLedger
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

func NewStepRunner(creator StepCreator, ledger persistence.RunLedger, logger *slog.Logger) *StepRunner {
	return &StepRunner{
		creator: creator,
		ledger:  ledger,
		tracer:  otelhelper.NoopTracer(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// StepRequest is everything needed to run one planned step.
type StepRequest struct {
	FlowRunID      string
	Step           *models.StepDefinition
	Run            *models.StepRun
	Previous       *result.StepResult
	LastSuccessful *result.StepResult
	Params         map[string]string
	Notes          notes.Recorder
}

// StepExecution is one lazily executed step run. Nothing happens until
// Progress is ranged over; Result and Err are valid once the range ends.
type StepExecution struct {
	runner  *StepRunner
	ctx     context.Context
	req     StepRequest
	started bool
	output  strings.Builder
	result  *result.StepResult
	err     error

	// yielding is set while a line is handed to the consumer, so a panic
	// raised by the consumer's loop body is told apart from a step panic.
	yielding      bool
	consumerPanic any
}

// Execute prepares a step run. The record in req.Run must already exist in
// the ledger.
func (r *StepRunner) Execute(ctx context.Context, req StepRequest) *StepExecution {
	if req.Notes == nil {
		req.Notes = notes.Discard
	}

	return &StepExecution{runner: r, ctx: ctx, req: req}
}

// Progress yields the step's progress lines. It runs the step at most once.
func (e *StepExecution) Progress() iter.Seq[string] {
	return func(yield func(string) bool) {
		if e.started {
			return
		}

		e.started = true

		if e.req.Step.Disabled {
			yield(fmt.Sprintf("Step '%s' is disabled - skipped", e.req.Step.Name))

			return
		}

		e.run(yield)
	}
}

// Result returns the step result, nil for a disabled or failed step.
func (e *StepExecution) Result() *result.StepResult {
	return e.result
}

// Err returns the step failure as a *StepExecutionError, or nil.
func (e *StepExecution) Err() error {
	return e.err
}

// Output returns every line the step emitted.
func (e *StepExecution) Output() string {
	return e.output.String()
}

func (e *StepExecution) run(yield func(string) bool) {
	r := e.runner
	step := e.req.Step
	run := e.req.Run

	logger := r.logger.With("flow_run_id", e.req.FlowRunID, "step_id", step.ID, "step_run_id", run.ID)

	// A consumer panic is recorded as a cancellation, then handed back.
	defer func() {
		if e.consumerPanic != nil {
			panic(e.consumerPanic)
		}
	}()

	ctx, span := otelhelper.StartSpan(e.ctx, r.tracer, "step.run",
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepNameKey, step.Name),
		attribute.String(otelhelper.StepRunIDKey, run.ID),
		attribute.String(otelhelper.PrototypeKey, step.Prototype),
		attribute.Int(otelhelper.PositionKey, run.Position),
	)
	defer span.End()

	stopped := false
	progress := func(line string) bool {
		if stopped {
			return false
		}

		e.output.WriteString(line)
		e.output.WriteByte('\n')

		e.yielding = true
		ok := yield(line)
		e.yielding = false

		if !ok {
			stopped = true

			return false
		}

		return true
	}

	logger.DebugContext(ctx, "Running step")

	res, err := e.invoke(ctx, logger, progress)
	if e.consumerPanic != nil {
		stopped = true
	}

	if stopped {
		err = ErrCancelled
	}

	end := r.now()

	if err != nil {
		e.err = NewStepExecutionError(step.ID, run.ID, err)
		otelhelper.SetError(span, e.err, attribute.String(otelhelper.ErrorIDKey, errorRef(e.err)))
		logger.WarnContext(ctx, "Step failed", "error", e.err, "error_id", errorRef(e.err))

		// The record is written even when the caller's context is done.
		if werr := r.ledger.UpdateStepRunError(context.WithoutCancel(ctx), run, end, e.output.String(), e.err); werr != nil {
			e.ledgerFailure(ctx, logger, "UpdateStepRunError", werr, progress)
		}

		return
	}

	if res == nil {
		res = result.New(run.ID)
	}

	e.result = res.WithStepRunID(run.ID)

	logger.DebugContext(ctx, "Step succeeded", "processed", e.result.CountProcessed())

	if werr := r.ledger.UpdateStepRunSuccess(context.WithoutCancel(ctx), run, end, e.output.String(), e.result); werr != nil {
		e.ledgerFailure(ctx, logger, "UpdateStepRunSuccess", werr, progress)
	}
}

// invoke creates and runs the step, turning a panic into an error.
func (e *StepExecution) invoke(ctx context.Context, logger *slog.Logger, progress protocol.Progress) (res *result.StepResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil

			if e.yielding {
				e.yielding = false
				e.consumerPanic = rec
				err = ErrCancelled

				return
			}

			logger.ErrorContext(ctx, "Step panicked", "panic", rec)

			err = fmt.Errorf("%w: %v", ErrStepPanicked, rec)
		}
	}()

	step, err := e.runner.creator.Create(e.req.Step)
	if err != nil {
		return nil, protocol.NewStepError(protocol.CodeInvalidConfig, "cannot create step", err)
	}

	return step.Run(ctx, protocol.StepInput{
		FlowRunID:      e.req.FlowRunID,
		StepRunID:      e.req.Run.ID,
		Step:           e.req.Step,
		Previous:       e.req.Previous,
		LastSuccessful: e.req.LastSuccessful,
		Params:         e.req.Params,
		Notes:          e.req.Notes,
		Logger:         logger,
	}, progress)
}

func (e *StepExecution) ledgerFailure(ctx context.Context, logger *slog.Logger, op string, err error, progress protocol.Progress) {
	werr := &LedgerWriteError{Op: op, RunID: e.req.Run.ID, Err: err}

	logger.ErrorContext(ctx, "Failed to record step run", "error", werr)
	progress(fmt.Sprintf("warning: step run %s was not recorded: %v", e.req.Run.ID, err))
}
