package workflow_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/mocks"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/persistence/file"
	"github.com/dukex/stepflow/pkg/planner"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/dukex/stepflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// fakeStep records its inputs and replays scripted behaviour.
type fakeStep struct {
	lines   []string
	note    string
	result  func(in protocol.StepInput) *result.StepResult
	err     error
	panics  any
	inputs  []protocol.StepInput
	stopped bool
}

func (s *fakeStep) Run(_ context.Context, in protocol.StepInput, progress protocol.Progress) (*result.StepResult, error) {
	s.inputs = append(s.inputs, in)

	if s.note != "" {
		in.Notes.Take(models.Note{Message: s.note, Counters: models.NoteCounters{Reads: 1}})
	}

	for _, line := range s.lines {
		if !progress(line) {
			s.stopped = true

			return nil, nil
		}
	}

	if s.panics != nil {
		panic(s.panics)
	}

	if s.err != nil {
		return nil, s.err
	}

	if s.result != nil {
		return s.result(in), nil
	}

	return result.New(in.StepRunID, result.WithProcessed(len(s.lines))), nil
}

func (s *fakeStep) ran() bool {
	return len(s.inputs) > 0
}

// stepSet creates fake steps by step id.
type stepSet map[string]*fakeStep

func (s stepSet) Create(step *models.StepDefinition) (protocol.Step, error) {
	fake, ok := s[step.ID]
	if !ok {
		return nil, fmt.Errorf("no fake for %s", step.ID)
	}

	return fake, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ordersFlow(steps ...*models.StepDefinition) *models.Flow {
	return &models.Flow{ID: "flow-orders", Alias: "orders", Name: "Orders", Steps: steps}
}

func importStep() *models.StepDefinition {
	return &models.StepDefinition{ID: "import", Name: "Import", ToType: "orders", Prototype: "fake"}
}

func enrichStep() *models.StepDefinition {
	return &models.StepDefinition{ID: "enrich", Name: "Enrich", FromType: "orders", ToType: "orders", Prototype: "fake"}
}

func exportStep() *models.StepDefinition {
	return &models.StepDefinition{ID: "export", Name: "Export", FromType: "orders", Prototype: "fake"}
}

func newTestRunner(t *testing.T, flow *models.Flow, steps stepSet, opts ...workflow.Option) (*workflow.FlowRunner, persistence.Persistence) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	require.NoError(t, p.FlowRepository().SaveFlow(context.Background(), flow))

	return workflow.NewFlowRunner(p, steps, testLogger(), opts...), p
}

func collect(execution *workflow.FlowExecution) []string {
	var lines []string
	for line := range execution.Progress() {
		lines = append(lines, line)
	}

	return lines
}

func countPrefix(lines []string, prefix string) int {
	n := 0

	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}

	return n
}

func TestFlowRunner_Run_Lines(t *testing.T) {
	steps := stepSet{"import": {lines: []string{"fetched 2 rows", "saved"}}}
	runner, _ := newTestRunner(t, ordersFlow(importStep()), steps)

	execution := runner.Run(context.Background(), "orders", nil)
	lines := collect(execution)

	assert.Equal(t, []string{
		fmt.Sprintf("Flow run %s of 'orders' started", execution.FlowRunID()),
		"Execution plan:",
		"  1. Import [import] (- -> orders)",
		"Step 1/1: Import [import]",
		"  | fetched 2 rows",
		"  | saved",
		"Step 'Import' done (2 processed)",
		"Flow 'orders' succeeded",
	}, lines)
	assert.Equal(t, models.FlowRunStatusSucceeded, execution.Status())
	assert.NoError(t, execution.Err())
	assert.Empty(t, execution.Failures())
}

func TestFlowRunner_Run_IsLazyAndSingleUse(t *testing.T) {
	steps := stepSet{"import": {lines: []string{"x"}}}
	runner, p := newTestRunner(t, ordersFlow(importStep()), steps)

	execution := runner.Run(context.Background(), "orders", nil)
	assert.False(t, steps["import"].ran())
	assert.Equal(t, models.FlowRunStatusRunning, execution.Status())

	_, err := p.RunLedger().FlowRunByID(context.Background(), execution.FlowRunID())
	require.True(t, persistence.IsFlowRunNotFound(err))

	assert.NotEmpty(t, collect(execution))
	assert.Empty(t, collect(execution))
	assert.Len(t, steps["import"].inputs, 1)
}

func TestFlowRunner_ImportEnrichExport(t *testing.T) {
	steps := stepSet{
		"import": {lines: []string{"imported"}},
		"enrich": {lines: []string{"enriching"}, err: errBoom},
		"export": {lines: []string{"exported"}},
	}

	// Load order is the reverse of the dependency order.
	runner, p := newTestRunner(t, ordersFlow(exportStep(), enrichStep(), importStep()), steps)
	ctx := context.Background()

	_, plan, err := runner.Plan(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"import", "enrich", "export"}, stepIDs(plan))

	execution := runner.Run(ctx, "orders", map[string]string{"day": "2024-01-01"})
	lines := collect(execution)

	require.True(t, steps["export"].ran())
	assert.Nil(t, steps["export"].inputs[0].Previous)
	assert.NotNil(t, steps["enrich"].inputs[0].Previous)
	assert.Equal(t, "2024-01-01", steps["export"].inputs[0].Param("day", ""))

	assert.Equal(t, models.FlowRunStatusCompletedWithErrors, execution.Status())
	require.NoError(t, execution.Err())
	require.Len(t, execution.Failures(), 1)

	var stepErr *workflow.StepExecutionError
	require.ErrorAs(t, execution.Failures()[0], &stepErr)
	assert.ErrorIs(t, stepErr, errBoom)
	assert.Contains(t, lines, fmt.Sprintf("Step 'Enrich' failed: %v (ref %s)", stepErr, stepErr.ErrorID))
	assert.Equal(t, "Flow 'orders' completed with errors (1 failed steps)", lines[len(lines)-1])

	runs, err := p.RunLedger().StepRunsByFlowRun(ctx, execution.FlowRunID())
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{runs[0].Position, runs[1].Position, runs[2].Position})
	assert.True(t, runs[0].Success())
	assert.True(t, runs[1].Failed())
	assert.Equal(t, stepErr.ErrorID, runs[1].ErrorID)
	assert.Equal(t, "enriching\n", runs[1].Output)
	assert.True(t, runs[2].Success())

	flowRun, err := p.RunLedger().FlowRunByID(ctx, execution.FlowRunID())
	require.NoError(t, err)
	assert.Equal(t, models.FlowRunStatusCompletedWithErrors, flowRun.Status)
	assert.NotNil(t, flowRun.EndTime)
	assert.Equal(t, "2024-01-01", flowRun.Params["day"])
}

func stepIDs(plan *planner.Plan) []string {
	ids := make([]string, 0, plan.Len())
	for _, step := range plan.Steps {
		ids = append(ids, step.ID)
	}

	return ids
}

func TestFlowRunner_StopFlowOnError(t *testing.T) {
	failing := importStep()
	failing.StopFlowOnError = true

	steps := stepSet{
		"import": {err: protocol.NewStepError(protocol.CodeUpstream, "orders API unavailable", errBoom)},
		"enrich": {},
		"export": {},
	}
	runner, p := newTestRunner(t, ordersFlow(failing, enrichStep(), exportStep()), steps)

	execution := runner.Run(context.Background(), "orders", nil)
	lines := collect(execution)

	assert.False(t, steps["enrich"].ran())
	assert.False(t, steps["export"].ran())
	assert.Equal(t, models.FlowRunStatusFailed, execution.Status())

	var stepErr *workflow.StepExecutionError
	require.ErrorAs(t, execution.Err(), &stepErr)
	assert.Equal(t, protocol.CodeUpstream, stepErr.Code)
	assert.ErrorIs(t, execution.Err(), errBoom)
	assert.True(t, workflow.IsFlowFailure(execution.Err()))

	assert.Contains(t, lines, fmt.Sprintf("Step 'Import' failed, stopping flow: %v (ref %s)", stepErr, stepErr.ErrorID))
	assert.Equal(t, 0, countPrefix(lines, "Step 2/3"))

	runs, err := p.RunLedger().StepRunsByFlowRun(context.Background(), execution.FlowRunID())
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	flowRun, err := p.RunLedger().FlowRunByID(context.Background(), execution.FlowRunID())
	require.NoError(t, err)
	assert.Equal(t, models.FlowRunStatusFailed, flowRun.Status)
	assert.Equal(t, stepErr.Error(), flowRun.ErrorMessage)
}

func TestFlowRunner_DisabledStepPassesPreviousThrough(t *testing.T) {
	disabled := enrichStep()
	disabled.Disabled = true

	steps := stepSet{
		"import": {},
		"enrich": {},
		"export": {},
	}
	runner, p := newTestRunner(t, ordersFlow(importStep(), disabled, exportStep()), steps)

	execution := runner.Run(context.Background(), "orders", nil)
	lines := collect(execution)

	assert.False(t, steps["enrich"].ran())
	assert.Equal(t, 1, countPrefix(lines, "  | Step 'Enrich' is disabled - skipped"))
	assert.Equal(t, models.FlowRunStatusSucceeded, execution.Status())

	runs, err := p.RunLedger().StepRunsByFlowRun(context.Background(), execution.FlowRunID())
	require.NoError(t, err)
	require.Len(t, runs, 3)

	assert.True(t, runs[1].Disabled())
	require.NotNil(t, runs[1].EndTime)
	assert.True(t, runs[1].StartTime.Equal(*runs[1].EndTime))

	require.True(t, steps["export"].ran())
	previous := steps["export"].inputs[0].Previous
	require.NotNil(t, previous)
	assert.Equal(t, runs[0].ID, previous.StepRunID())
}

func TestFlowRunner_ContinuesAcrossRuns(t *testing.T) {
	watermark := &fakeStep{result: func(in protocol.StepInput) *result.StepResult {
		next := "1"
		if last, ok := in.LastSuccessful.IncrementValue(); ok {
			next = last + "1"
		}

		return result.New(in.StepRunID, result.WithIncrement(next), result.WithProcessed(1))
	}}

	runner, p := newTestRunner(t, ordersFlow(importStep()), stepSet{"import": watermark})
	ctx := context.Background()

	first := runner.Run(ctx, "orders", nil)
	collect(first)

	second := runner.Run(ctx, "orders", nil)
	collect(second)

	require.Len(t, watermark.inputs, 2)
	assert.Nil(t, watermark.inputs[0].LastSuccessful)

	firstRuns, err := p.RunLedger().StepRunsByFlowRun(ctx, first.FlowRunID())
	require.NoError(t, err)
	require.Len(t, firstRuns, 1)

	last := watermark.inputs[1].LastSuccessful
	require.NotNil(t, last)
	assert.Equal(t, firstRuns[0].ID, last.StepRunID())

	value, ok := last.IncrementValue()
	require.True(t, ok)
	assert.Equal(t, "1", value)

	secondRuns, err := p.RunLedger().StepRunsByFlowRun(ctx, second.FlowRunID())
	require.NoError(t, err)
	require.Len(t, secondRuns, 1)
	require.NotNil(t, secondRuns[0].PreviousStepRunID)
	assert.Equal(t, firstRuns[0].ID, *secondRuns[0].PreviousStepRunID)
	require.NotNil(t, secondRuns[0].IncrementValue)
	assert.Equal(t, "11", *secondRuns[0].IncrementValue)

	count, err := p.RunLedger().InvalidateStepRuns(ctx, "import")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	collect(runner.Run(ctx, "orders", nil))
	require.Len(t, watermark.inputs, 3)
	assert.Nil(t, watermark.inputs[2].LastSuccessful)
}

func TestFlowRunner_CancelledWhenConsumerStops(t *testing.T) {
	steps := stepSet{
		"import": {lines: []string{"row 1", "row 2", "row 3"}, note: "read orders"},
		"export": {},
	}
	runner, p := newTestRunner(t, ordersFlow(importStep(), exportStep()), steps)
	ctx := context.Background()

	execution := runner.Run(ctx, "orders", nil)

	for line := range execution.Progress() {
		if line == "  | row 1" {
			break
		}
	}

	assert.True(t, steps["import"].stopped)
	assert.False(t, steps["export"].ran())
	assert.Equal(t, models.FlowRunStatusFailed, execution.Status())
	assert.True(t, workflow.IsCancelled(execution.Err()))
	assert.False(t, workflow.IsFlowFailure(execution.Err()))

	runs, err := p.RunLedger().StepRunsByFlowRun(ctx, execution.FlowRunID())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Failed())
	assert.Contains(t, runs[0].ErrorMessage, "cancelled")
	assert.Equal(t, "row 1\n", runs[0].Output)

	flowRun, err := p.RunLedger().FlowRunByID(ctx, execution.FlowRunID())
	require.NoError(t, err)
	assert.Equal(t, models.FlowRunStatusFailed, flowRun.Status)

	notes, err := p.NoteRepository().NotesByFlowRun(ctx, execution.FlowRunID())
	require.NoError(t, err)
	require.NotEmpty(t, notes)
	assert.Equal(t, "read orders", notes[0].Message)
	assert.Equal(t, runs[0].ID, notes[0].StepRunID)
}

func TestFlowRunner_ConsumerPanicClosesRecords(t *testing.T) {
	steps := stepSet{
		"import": {lines: []string{"row 1", "row 2"}},
		"export": {},
	}
	runner, p := newTestRunner(t, ordersFlow(importStep(), exportStep()), steps)
	ctx := context.Background()

	execution := runner.Run(ctx, "orders", nil)

	assert.PanicsWithValue(t, "render failed", func() {
		for line := range execution.Progress() {
			if line == "  | row 1" {
				panic("render failed")
			}
		}
	})

	assert.False(t, steps["export"].ran())
	assert.True(t, workflow.IsCancelled(execution.Err()))

	runs, err := p.RunLedger().StepRunsByFlowRun(ctx, execution.FlowRunID())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Failed())
	assert.Contains(t, runs[0].ErrorMessage, "cancelled")

	flowRun, err := p.RunLedger().FlowRunByID(ctx, execution.FlowRunID())
	require.NoError(t, err)
	assert.Equal(t, models.FlowRunStatusFailed, flowRun.Status)
}

// lookupFailingLedger fails every last-successful-run lookup.
type lookupFailingLedger struct {
	persistence.RunLedger
}

func (lookupFailingLedger) FindLastSuccessfulRun(context.Context, string) (*result.StepResult, error) {
	return nil, errors.New("index corrupted")
}

type lookupFailingPersistence struct {
	persistence.Persistence
}

func (p lookupFailingPersistence) RunLedger() persistence.RunLedger {
	return lookupFailingLedger{RunLedger: p.Persistence.RunLedger()}
}

func TestFlowRunner_LastRunLookupFailureIsRecorded(t *testing.T) {
	step := importStep()
	step.StopFlowOnError = true

	steps := stepSet{"import": {}}
	p := file.NewPersistence(t.TempDir())
	ctx := context.Background()
	require.NoError(t, p.FlowRepository().SaveFlow(ctx, ordersFlow(step)))

	runner := workflow.NewFlowRunner(lookupFailingPersistence{Persistence: p}, steps, testLogger())

	execution := runner.Run(ctx, "orders", nil)
	collect(execution)

	assert.False(t, steps["import"].ran())
	assert.Equal(t, models.FlowRunStatusFailed, execution.Status())

	var stepErr *workflow.StepExecutionError
	require.ErrorAs(t, execution.Err(), &stepErr)
	require.NotEmpty(t, stepErr.StepRunID)
	assert.Contains(t, stepErr.Error(), "index corrupted")

	runs, err := p.RunLedger().StepRunsByFlowRun(ctx, execution.FlowRunID())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stepErr.StepRunID, runs[0].ID)
	assert.True(t, runs[0].Failed())
	assert.Equal(t, stepErr.ErrorID, runs[0].ErrorID)
}

func TestFlowRunner_ContextCancelledBeforeStep(t *testing.T) {
	steps := stepSet{"import": {}}
	runner, _ := newTestRunner(t, ordersFlow(importStep()), steps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	execution := runner.Run(ctx, "orders", nil)
	lines := collect(execution)

	assert.False(t, steps["import"].ran())
	assert.True(t, workflow.IsCancelled(execution.Err()))
	assert.Equal(t, 1, countPrefix(lines, "Flow cancelled before step 'Import'"))
}

func TestFlowRunner_PlanningFailure(t *testing.T) {
	first := enrichStep()
	first.RunAfterStepID = "import"

	second := exportStep()
	second.RunAfterStepID = "import"

	steps := stepSet{"import": {}, "enrich": {}, "export": {}}
	runner, p := newTestRunner(t, ordersFlow(importStep(), first, second), steps)

	execution := runner.Run(context.Background(), "orders", nil)
	lines := collect(execution)

	for id, step := range steps {
		assert.False(t, step.ran(), id)
	}

	assert.True(t, planner.IsPlanningError(execution.Err()))
	assert.ErrorIs(t, execution.Err(), planner.ErrDuplicateFollower)
	assert.Equal(t, models.FlowRunStatusFailed, execution.Status())
	assert.Equal(t, 1, countPrefix(lines, "Planning failed: "))
	assert.Equal(t, 0, countPrefix(lines, "Execution plan:"))

	flowRun, err := p.RunLedger().FlowRunByID(context.Background(), execution.FlowRunID())
	require.NoError(t, err)
	assert.Equal(t, models.FlowRunStatusFailed, flowRun.Status)

	_, _, err = runner.Plan(context.Background(), "orders")
	assert.True(t, planner.IsPlanningError(err))
}

func TestFlowRunner_UnknownFlow(t *testing.T) {
	runner, _ := newTestRunner(t, ordersFlow(importStep()), stepSet{})

	execution := runner.Run(context.Background(), "missing", nil)
	lines := collect(execution)

	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "Flow 'missing' failed: "))
	assert.True(t, persistence.IsFlowNotFound(execution.Err()))
	assert.Equal(t, models.FlowRunStatusFailed, execution.Status())
}

func TestFlowRunner_PanickingStepDoesNotStopFlow(t *testing.T) {
	steps := stepSet{
		"import": {panics: "nil map"},
		"export": {},
	}
	runner, _ := newTestRunner(t, ordersFlow(importStep(), exportStep()), steps)

	execution := runner.Run(context.Background(), "orders", nil)
	collect(execution)

	require.Len(t, execution.Failures(), 1)
	assert.ErrorIs(t, execution.Failures()[0], workflow.ErrStepPanicked)
	assert.True(t, steps["export"].ran())
	assert.Equal(t, models.FlowRunStatusCompletedWithErrors, execution.Status())
}

func TestFlowRunner_DiagnosticsHook(t *testing.T) {
	hook := func(_ context.Context, step *models.StepDefinition) (map[string]any, error) {
		switch step.ID {
		case "import":
			return map[string]any{"host": "worker-1"}, nil
		case "enrich":
			return nil, errBoom
		default:
			panic("hook bug")
		}
	}

	steps := stepSet{"import": {}, "enrich": {}, "export": {}}
	runner, p := newTestRunner(t, ordersFlow(importStep(), enrichStep(), exportStep()), steps, workflow.WithOnBeforeStepRun(hook))

	execution := runner.Run(context.Background(), "orders", nil)
	collect(execution)

	assert.Equal(t, models.FlowRunStatusSucceeded, execution.Status())

	runs, err := p.RunLedger().StepRunsByFlowRun(context.Background(), execution.FlowRunID())
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "worker-1", runs[0].Diagnostics["host"])
	assert.Nil(t, runs[1].Diagnostics)
	assert.Nil(t, runs[2].Diagnostics)
}

func TestFlowRunner_PublishesEvents(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	steps := stepSet{"import": {err: errBoom}, "export": {}}
	disabled := enrichStep()
	disabled.Disabled = true

	runner, _ := newTestRunner(t, ordersFlow(importStep(), disabled, exportStep()), steps, workflow.WithEventPublisher(bus))

	execution := runner.Run(context.Background(), "orders", nil)
	collect(execution)

	var types []events.EventType

	for _, call := range bus.Calls {
		assert.Equal(t, execution.FlowRunID(), call.Arguments.String(1))
		types = append(types, call.Arguments.Get(2).(interface{ GetType() events.EventType }).GetType())
	}

	assert.Equal(t, []events.EventType{
		events.FlowRunStartedEvent,
		events.StepRunStartedEvent,
		events.StepRunFailedEvent,
		events.StepRunSkippedEvent,
		events.StepRunStartedEvent,
		events.StepRunSucceededEvent,
		events.FlowRunFinishedEvent,
	}, types)
}

func TestFlowRunner_ClockDrivesDurations(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	fixed := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := func() time.Time { return fixed }

	runner, p := newTestRunner(t, ordersFlow(importStep()), stepSet{"import": {}},
		workflow.WithEventPublisher(bus), workflow.WithClock(clock))

	execution := runner.Run(context.Background(), "orders", nil)
	collect(execution)
	require.NoError(t, execution.Err())

	var succeeded []events.StepRunSucceeded

	for _, call := range bus.Calls {
		if event, ok := call.Arguments.Get(2).(events.StepRunSucceeded); ok {
			succeeded = append(succeeded, event)
		}
	}

	require.Len(t, succeeded, 1)
	assert.Zero(t, succeeded[0].Duration)

	flowRun, err := p.RunLedger().FlowRunByID(context.Background(), execution.FlowRunID())
	require.NoError(t, err)
	assert.True(t, fixed.Equal(flowRun.StartTime))

	runs, err := p.RunLedger().StepRunsByFlowRun(context.Background(), execution.FlowRunID())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].EndTime)
	assert.True(t, fixed.Equal(*runs[0].EndTime))
}

func TestFlowRunner_PublishFailureIsIgnored(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	runner, _ := newTestRunner(t, ordersFlow(importStep()), stepSet{"import": {}}, workflow.WithEventPublisher(bus))

	execution := runner.Run(context.Background(), "orders", nil)
	collect(execution)

	assert.Equal(t, models.FlowRunStatusSucceeded, execution.Status())
}

func TestFlowRunner_CommitsNotes(t *testing.T) {
	steps := stepSet{
		"import": {note: "read 10 orders"},
		"export": {err: errBoom},
	}
	runner, p := newTestRunner(t, ordersFlow(importStep(), exportStep()), steps)

	execution := runner.Run(context.Background(), "orders", nil)
	collect(execution)

	notes, err := p.NoteRepository().NotesByFlowRun(context.Background(), execution.FlowRunID())
	require.NoError(t, err)
	require.Len(t, notes, 2)

	assert.Equal(t, "fake", notes[0].Class)
	assert.Equal(t, "read 10 orders", notes[0].Message)
	assert.Equal(t, workflow.FlowNoteClass, notes[1].Class)
	assert.Equal(t, models.NoteSeverityError, notes[1].Severity)
	assert.Equal(t, 1, notes[1].Counters.Errors)
}

func TestFlowRunner_RunToWriter(t *testing.T) {
	runner, _ := newTestRunner(t, ordersFlow(importStep()), stepSet{"import": {lines: []string{"ok"}}})

	var out bytes.Buffer

	status, err := runner.RunToWriter(context.Background(), "orders", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, models.FlowRunStatusSucceeded, status)
	assert.Contains(t, out.String(), "  | ok\n")
	assert.True(t, strings.HasSuffix(out.String(), "Flow 'orders' succeeded\n"))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("closed pipe")
}

func TestFlowRunner_RunToWriter_WriteError(t *testing.T) {
	steps := stepSet{"import": {}}
	runner, _ := newTestRunner(t, ordersFlow(importStep()), steps)

	_, err := runner.RunToWriter(context.Background(), "orders", nil, failingWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed pipe")
	assert.False(t, steps["import"].ran())
}
