// Package scheduler runs flows on their cron schedule.
package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const DefaultRefreshInterval = time.Minute

// FlowRunner runs a flow and streams its progress to w.
type FlowRunner interface {
	RunToWriter(ctx context.Context, alias string, params map[string]string, w io.Writer) (models.FlowRunStatus, error)
}

type entry struct {
	schedule string
	id       cron.EntryID
}

// Scheduler keeps one cron entry per flow with a schedule and re-reads the
// flow definitions periodically.
type Scheduler struct {
	flows   persistence.FlowRepository
	runner  FlowRunner
	logger  *slog.Logger
	cron    *cron.Cron
	refresh time.Duration

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]entry
}

type Option func(*Scheduler)

// WithRefreshInterval sets how often flow schedules are reloaded.
func WithRefreshInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		s.refresh = interval
	}
}

func NewScheduler(flows persistence.FlowRepository, runner FlowRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		flows:   flows,
		runner:  runner,
		logger:  logger.With("module", "scheduler"),
		refresh: DefaultRefreshInterval,
		ctx:     context.Background(),
		entries: make(map[string]entry),
	}

	cronLogger := &cronLogger{logger: s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sync aligns the cron entries with the stored flows: new schedules are
// added, changed ones replaced and removed ones dropped.
func (s *Scheduler) Sync(ctx context.Context) error {
	flows, err := s.flows.Flows(ctx)
	if err != nil {
		return fmt.Errorf("failed to list flows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(flows))

	for _, flow := range flows {
		if flow.Schedule == "" {
			continue
		}

		seen[flow.Alias] = true

		current, ok := s.entries[flow.Alias]
		if ok && current.schedule == flow.Schedule {
			continue
		}

		if ok {
			s.cron.Remove(current.id)
		}

		id, err := s.cron.AddJob(flow.Schedule, s.job(flow.Alias))
		if err != nil {
			s.logger.ErrorContext(ctx, "Invalid flow schedule", "flow_alias", flow.Alias, "schedule", flow.Schedule, "error", err)
			delete(s.entries, flow.Alias)

			continue
		}

		s.entries[flow.Alias] = entry{schedule: flow.Schedule, id: id}
		s.logger.InfoContext(ctx, "Scheduled flow", "flow_alias", flow.Alias, "schedule", flow.Schedule)
	}

	for alias, current := range s.entries {
		if !seen[alias] {
			s.cron.Remove(current.id)
			delete(s.entries, alias)
			s.logger.InfoContext(ctx, "Unscheduled flow", "flow_alias", alias)
		}
	}

	return nil
}

// Scheduled returns the schedule per flow alias.
func (s *Scheduler) Scheduled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheduled := make(map[string]string, len(s.entries))
	for alias, e := range s.entries {
		scheduled[alias] = e.schedule
	}

	return scheduled
}

// Next returns the next activation of a scheduled flow.
func (s *Scheduler) Next(alias string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[alias]
	s.mu.Unlock()

	if !ok {
		return time.Time{}, false
	}

	return s.cron.Entry(e.id).Next, true
}

// Start runs the cron loop until ctx is done, then waits for running flows.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", "flows", len(s.Scheduled()))

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			<-s.cron.Stop().Done()

			return nil
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Failed to reload flow schedules", "error", err)
			}
		}
	}
}

func (s *Scheduler) job(alias string) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		s.Trigger(ctx, alias)
	})
}

// Trigger runs a flow once and logs its progress.
func (s *Scheduler) Trigger(ctx context.Context, alias string) models.FlowRunStatus {
	logger := s.logger.With("flow_alias", alias)
	logger.InfoContext(ctx, "Running scheduled flow")

	w := newLineLogger(ctx, logger)

	status, err := s.runner.RunToWriter(ctx, alias, map[string]string{}, w)
	w.Close()

	if err != nil {
		logger.ErrorContext(ctx, "Scheduled flow failed", "status", status, "error", err)

		return status
	}

	logger.InfoContext(ctx, "Scheduled flow finished", "status", status)

	return status
}

// lineLogger turns written progress text into one debug record per line.
type lineLogger struct {
	pw   *io.PipeWriter
	done chan struct{}
}

func newLineLogger(ctx context.Context, logger *slog.Logger) *lineLogger {
	pr, pw := io.Pipe()
	l := &lineLogger{pw: pw, done: make(chan struct{})}

	go func() {
		defer close(l.done)

		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			logger.DebugContext(ctx, scanner.Text())
		}

		_ = pr.CloseWithError(scanner.Err())
	}()

	return l
}

func (l *lineLogger) Write(p []byte) (int, error) {
	return l.pw.Write(p)
}

func (l *lineLogger) Close() {
	_ = l.pw.Close()
	<-l.done
}

type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
