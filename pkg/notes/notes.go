// Package notes buffers structured annotations emitted by steps and commits
// them in whole batches.
package notes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/models"
)

// Store persists a batch of notes atomically.
type Store interface {
	SaveNotes(ctx context.Context, notes []models.Note) error
}

// Recorder accepts notes on behalf of one step run.
type Recorder interface {
	Take(note models.Note)
}

// Discard drops every note.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Take(models.Note) {}

// Taker buffers notes of one class until they are committed.
type Taker struct {
	class string
	store Store
	now   func() time.Time

	mu      sync.Mutex
	pending []models.Note
	nextID  int64
}

func newTaker(class string, store Store) *Taker {
	return &Taker{class: class, store: store, now: time.Now}
}

func (t *Taker) Class() string {
	return t.class
}

// Take appends a note to the buffer and assigns its ordering id.
func (t *Taker) Take(note models.Note) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	note.ID = t.nextID
	note.Class = t.class

	if note.Severity == "" {
		note.Severity = models.NoteSeverityInfo
	}

	if note.CreatedAt.IsZero() {
		note.CreatedAt = t.now()
	}

	t.pending = append(t.pending, note)
}

// Pending returns the number of buffered notes.
func (t *Taker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

// Commit writes the whole buffer in one batch. On failure nothing is dropped.
func (t *Taker) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return nil
	}

	batch := make([]models.Note, len(t.pending))
	copy(batch, t.pending)

	err := t.store.SaveNotes(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to commit %d %s notes: %w", len(batch), t.class, err)
	}

	t.pending = nil
	t.nextID = 0

	return nil
}

// Scoped binds the taker to one step run.
func (t *Taker) Scoped(flowRunID, stepRunID string) Recorder {
	return &scoped{taker: t, flowRunID: flowRunID, stepRunID: stepRunID}
}

type scoped struct {
	taker     *Taker
	flowRunID string
	stepRunID string
}

func (s *scoped) Take(note models.Note) {
	note.FlowRunID = s.flowRunID
	note.StepRunID = s.stepRunID
	s.taker.Take(note)
}

// Registry owns every Taker used during one flow run.
type Registry struct {
	store Store

	mu     sync.Mutex
	takers []*Taker
	byName map[string]*Taker
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store, byName: map[string]*Taker{}}
}

// Taker returns the taker of the given class, creating it on first use.
func (r *Registry) Taker(class string) *Taker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.byName[class]; ok {
		return t
	}

	t := newTaker(class, r.store)
	r.byName[class] = t
	r.takers = append(r.takers, t)

	return t
}

// Pending returns the number of buffered notes across all classes.
func (r *Registry) Pending() int {
	total := 0
	for _, t := range r.snapshot() {
		total += t.Pending()
	}

	return total
}

// CommitAll commits every class in registration order. A failing class does not
// prevent the others from being committed.
func (r *Registry) CommitAll(ctx context.Context) error {
	var errs []error

	for _, t := range r.snapshot() {
		if err := t.Commit(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Registry) snapshot() []*Taker {
	r.mu.Lock()
	defer r.mu.Unlock()

	takers := make([]*Taker, len(r.takers))
	copy(takers, r.takers)

	return takers
}
