// Package supervisor watches step runs from the outside. It reads the
// lifecycle event stream and warns about steps running past their advisory
// timeout. It never cancels anything.
package supervisor

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
)

const DefaultInterval = 5 * time.Second

// Overdue describes a step run that exceeded its timeout.
type Overdue struct {
	FlowRunID string
	StepID    string
	StepName  string
	StepRunID string
	Timeout   time.Duration
	Elapsed   time.Duration
}

type watched struct {
	event    *events.StepRunStarted
	started  time.Time
	deadline time.Time
	reported bool
}

type Watchdog struct {
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time
	onOverdue func(Overdue)

	mu      sync.Mutex
	running map[string]*watched
}

type Option func(*Watchdog)

func WithInterval(interval time.Duration) Option {
	return func(w *Watchdog) {
		w.interval = interval
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		w.now = now
	}
}

// WithOnOverdue is called once per overdue step run, after the warning is
// logged.
func WithOnOverdue(fn func(Overdue)) Option {
	return func(w *Watchdog) {
		w.onOverdue = fn
	}
}

func NewWatchdog(logger *slog.Logger, opts ...Option) *Watchdog {
	w := &Watchdog{
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
		running:  make(map[string]*watched),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Register installs the watchdog's handlers on a subscriber. Call it before
// Subscribe.
func (w *Watchdog) Register(subscriber eventbus.EventSubscriber) error {
	handlers := map[events.EventType]eventbus.EventHandler{
		events.StepRunStartedEvent:   eventbus.On(w.handleStarted),
		events.StepRunSucceededEvent: w.handleFinished,
		events.StepRunFailedEvent:    w.handleFinished,
		events.FlowRunFinishedEvent:  eventbus.On(w.handleFlowFinished),
	}

	for eventType, handler := range handlers {
		if err := subscriber.Handle(eventType, handler); err != nil {
			return err
		}
	}

	return nil
}

func (w *Watchdog) handleStarted(_ context.Context, started *events.StepRunStarted) error {
	if started.TimeoutSeconds <= 0 {
		return nil
	}

	at := started.Timestamp
	if at.IsZero() {
		at = w.now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.running[started.StepRunID] = &watched{
		event:    started,
		started:  at,
		deadline: at.Add(time.Duration(started.TimeoutSeconds) * time.Second),
	}

	return nil
}

func (w *Watchdog) handleFinished(_ context.Context, event any) error {
	var stepRunID string

	switch e := event.(type) {
	case *events.StepRunSucceeded:
		stepRunID = e.StepRunID
	case *events.StepRunFailed:
		stepRunID = e.StepRunID
	default:
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.running, stepRunID)

	return nil
}

// handleFlowFinished forgets every step run of a finished flow run, which
// covers steps whose finish event was lost.
func (w *Watchdog) handleFlowFinished(_ context.Context, finished *events.FlowRunFinished) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, entry := range w.running {
		if entry.event.FlowRunID == finished.FlowRunID {
			delete(w.running, id)
		}
	}

	return nil
}

// Running returns the number of watched step runs.
func (w *Watchdog) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.running)
}

// Check reports the step runs that became overdue since the last check.
func (w *Watchdog) Check() []Overdue {
	now := w.now()

	w.mu.Lock()

	var overdue []Overdue

	for _, entry := range w.running {
		if entry.reported || !now.After(entry.deadline) {
			continue
		}

		entry.reported = true
		overdue = append(overdue, Overdue{
			FlowRunID: entry.event.FlowRunID,
			StepID:    entry.event.StepID,
			StepName:  entry.event.StepName,
			StepRunID: entry.event.StepRunID,
			Timeout:   time.Duration(entry.event.TimeoutSeconds) * time.Second,
			Elapsed:   now.Sub(entry.started),
		})
	}

	w.mu.Unlock()

	slices.SortFunc(overdue, func(a, b Overdue) int {
		return strings.Compare(a.StepRunID, b.StepRunID)
	})

	for _, o := range overdue {
		w.logger.Warn("Step run exceeded its timeout",
			"flow_run_id", o.FlowRunID,
			"step_id", o.StepID,
			"step_run_id", o.StepRunID,
			"timeout", o.Timeout,
			"elapsed", o.Elapsed,
		)

		if w.onOverdue != nil {
			w.onOverdue(o)
		}
	}

	return overdue
}

// Run checks periodically until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}
