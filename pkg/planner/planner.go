// Package planner computes the execution order of a flow's steps from their
// type dependencies and explicit run-after links.
package planner

import (
	"fmt"
	"slices"

	"github.com/dukex/stepflow/pkg/models"
)

// Plan is an ordered list of steps ready to be executed one at a time.
type Plan struct {
	Steps       []*models.StepDefinition
	StopOnError map[string]bool
	Overrides   []Override
}

// Override records an explicit follower planned before all producers of the
// type it reads.
type Override struct {
	StepID        string
	PredecessorID string
	Pending       []string
}

type builder struct {
	steps       []*models.StepDefinition
	byID        map[string]*models.StepDefinition
	producers   map[string]map[string]struct{}
	follower    map[string]string
	predecessor map[string]string
	planned     map[string]bool
	plan        *Plan
}

// Create orders the steps of one flow. Steps must be given in load order, which
// breaks ties between steps that are ready at the same time.
func Create(steps []*models.StepDefinition) (*Plan, error) {
	b, err := newBuilder(steps)
	if err != nil {
		return nil, err
	}

	err = b.schedule()
	if err != nil {
		return nil, err
	}

	return b.plan, nil
}

func newBuilder(steps []*models.StepDefinition) (*builder, error) {
	b := &builder{
		steps:       steps,
		byID:        make(map[string]*models.StepDefinition, len(steps)),
		producers:   map[string]map[string]struct{}{},
		follower:    map[string]string{},
		predecessor: map[string]string{},
		planned:     make(map[string]bool, len(steps)),
		plan: &Plan{
			Steps:       make([]*models.StepDefinition, 0, len(steps)),
			StopOnError: map[string]bool{},
		},
	}

	for _, step := range steps {
		if _, ok := b.byID[step.ID]; ok {
			return nil, &PlanningError{StepID: step.ID, Err: ErrDuplicateStep}
		}

		b.byID[step.ID] = step

		if step.ToType == "" {
			continue
		}

		if b.producers[step.ToType] == nil {
			b.producers[step.ToType] = map[string]struct{}{}
		}

		b.producers[step.ToType][step.ID] = struct{}{}
	}

	for _, step := range steps {
		pred := step.RunAfterStepID
		if pred == "" {
			continue
		}

		if pred == step.ID {
			return nil, &PlanningError{StepID: step.ID, Err: ErrSelfFollower}
		}

		if _, ok := b.byID[pred]; !ok {
			return nil, &PlanningError{StepID: step.ID, Related: pred, Err: ErrUnknownPredecessor}
		}

		if other, ok := b.follower[pred]; ok {
			return nil, &PlanningError{StepID: step.ID, Related: other, Err: ErrDuplicateFollower}
		}

		b.follower[pred] = step.ID
		b.predecessor[step.ID] = pred
	}

	return b, nil
}

// schedule restarts the scan from the first unplanned step after every
// planning action, so declaration order wins whenever several steps are ready.
func (b *builder) schedule() error {
	remaining := slices.Clone(b.steps)

	for len(remaining) > 0 {
		idx := slices.IndexFunc(remaining, b.eligible)
		if idx < 0 {
			return b.unorderable(remaining)
		}

		b.planChain(remaining[idx])

		remaining = slices.DeleteFunc(remaining, func(step *models.StepDefinition) bool {
			return b.planned[step.ID]
		})
	}

	return nil
}

func (b *builder) eligible(step *models.StepDefinition) bool {
	if pred, ok := b.predecessor[step.ID]; ok && !b.planned[pred] {
		return false
	}

	return b.typeReady(step)
}

// typeReady reports whether every producer of the step's input type is
// planned. A step that is the only producer left of its own input is ready.
func (b *builder) typeReady(step *models.StepDefinition) bool {
	if !step.HasUpstream() {
		return true
	}

	pending := b.producers[step.FromType]

	switch len(pending) {
	case 0:
		return true
	case 1:
		_, self := pending[step.ID]

		return self
	default:
		return false
	}
}

func (b *builder) planChain(step *models.StepDefinition) {
	b.mark(step)

	current := step.ID

	for {
		next, ok := b.follower[current]
		if !ok || b.planned[next] {
			return
		}

		follower := b.byID[next]
		if !b.typeReady(follower) {
			b.plan.Overrides = append(b.plan.Overrides, Override{
				StepID:        follower.ID,
				PredecessorID: current,
				Pending:       b.pendingProducers(follower),
			})
		}

		b.mark(follower)
		current = next
	}
}

func (b *builder) mark(step *models.StepDefinition) {
	b.planned[step.ID] = true
	b.plan.Steps = append(b.plan.Steps, step)

	if step.StopFlowOnError {
		b.plan.StopOnError[step.ID] = true
	}

	if step.ToType != "" {
		delete(b.producers[step.ToType], step.ID)
	}
}

// pendingProducers lists, in load order, the unplanned producers of the
// step's input type other than the step itself.
func (b *builder) pendingProducers(step *models.StepDefinition) []string {
	if !step.HasUpstream() {
		return nil
	}

	pending := b.producers[step.FromType]

	var ids []string

	for _, candidate := range b.steps {
		if candidate.ID == step.ID {
			continue
		}

		if _, ok := pending[candidate.ID]; ok {
			ids = append(ids, candidate.ID)
		}
	}

	return ids
}

func (b *builder) unorderable(remaining []*models.StepDefinition) error {
	err := &UnorderableStepsError{Waiting: make([]Waiting, 0, len(remaining))}

	for _, step := range remaining {
		w := Waiting{StepID: step.ID, Name: step.Name}

		if pred, ok := b.predecessor[step.ID]; ok && !b.planned[pred] {
			w.On = []string{pred}
			w.Reason = "runs after"
		} else {
			w.On = b.pendingProducers(step)
			w.Reason = fmt.Sprintf("needs %s", step.FromType)
		}

		err.Waiting = append(err.Waiting, w)
	}

	return err
}

// Len returns the number of planned steps.
func (p *Plan) Len() int {
	return len(p.Steps)
}

// StopsOnError reports whether a failure of the step aborts the flow.
func (p *Plan) StopsOnError(stepID string) bool {
	return p.StopOnError[stepID]
}

// Position returns the 1-based position of the step, or 0.
func (p *Plan) Position(stepID string) int {
	for i, step := range p.Steps {
		if step.ID == stepID {
			return i + 1
		}
	}

	return 0
}

// Describe renders the plan as human-readable lines.
func (p *Plan) Describe() []string {
	lines := make([]string, 0, len(p.Steps)+len(p.Overrides))

	for i, step := range p.Steps {
		line := fmt.Sprintf("%d. %s [%s] (%s -> %s)", i+1, step.Name, step.ID, typeOrDash(step.FromType), typeOrDash(step.ToType))

		if step.RunAfterStepID != "" {
			line += " after " + step.RunAfterStepID
		}

		if step.Disabled {
			line += " (disabled)"
		}

		if p.StopsOnError(step.ID) {
			line += " (stops flow on error)"
		}

		lines = append(lines, line)
	}

	for _, o := range p.Overrides {
		lines = append(lines, fmt.Sprintf("warning: %s runs right after %s before its producers %v", o.StepID, o.PredecessorID, o.Pending))
	}

	return lines
}

func typeOrDash(t string) string {
	if t == "" {
		return "-"
	}

	return t
}
