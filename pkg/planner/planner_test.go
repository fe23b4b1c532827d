package planner_test

import (
	"testing"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id, from, to string) *models.StepDefinition {
	return &models.StepDefinition{ID: id, Name: id, FromType: from, ToType: to, Prototype: "log"}
}

func after(s *models.StepDefinition, predecessor string) *models.StepDefinition {
	s.RunAfterStepID = predecessor

	return s
}

func ids(plan *planner.Plan) []string {
	out := make([]string, 0, plan.Len())
	for _, s := range plan.Steps {
		out = append(out, s.ID)
	}

	return out
}

func TestCreate_OrdersByTypeDependency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		steps    []*models.StepDefinition
		expected []string
	}{
		{
			name:     "empty flow",
			steps:    nil,
			expected: []string{},
		},
		{
			name: "independent steps keep load order",
			steps: []*models.StepDefinition{
				step("a", "", "orders"),
				step("b", "", "customers"),
			},
			expected: []string{"a", "b"},
		},
		{
			name: "consumer declared before producer",
			steps: []*models.StepDefinition{
				step("export", "orders", ""),
				step("import", "", "orders"),
			},
			expected: []string{"import", "export"},
		},
		{
			name: "import enrich export in reverse load order",
			steps: []*models.StepDefinition{
				step("export", "orders", ""),
				step("enrich", "orders", "orders"),
				step("import", "", "orders"),
			},
			expected: []string{"import", "enrich", "export"},
		},
		{
			name: "waits for every producer of a type",
			steps: []*models.StepDefinition{
				step("report", "orders", ""),
				step("shop", "", "orders"),
				step("marketplace", "", "orders"),
			},
			expected: []string{"shop", "marketplace", "report"},
		},
		{
			name: "self referencing step alone",
			steps: []*models.StepDefinition{
				step("dedupe", "orders", "orders"),
			},
			expected: []string{"dedupe"},
		},
		{
			name: "multi level chain",
			steps: []*models.StepDefinition{
				step("invoice", "customers", "invoices"),
				step("customers", "orders", "customers"),
				step("orders", "", "orders"),
				step("mail", "invoices", ""),
			},
			expected: []string{"orders", "customers", "invoice", "mail"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			plan, err := planner.Create(tt.steps)
			require.NoError(t, err)

			assert.Equal(t, tt.expected, ids(plan))
			assert.Empty(t, plan.Overrides)
			assertProducersFirst(t, plan)
		})
	}
}

func assertProducersFirst(t *testing.T, plan *planner.Plan) {
	t.Helper()

	for i, consumer := range plan.Steps {
		if consumer.FromType == "" {
			continue
		}

		for j, producer := range plan.Steps {
			if producer.ID == consumer.ID || producer.ToType != consumer.FromType {
				continue
			}

			assert.Less(t, j, i, "%s must run before %s", producer.ID, consumer.ID)
		}
	}
}

func TestCreate_Deterministic(t *testing.T) {
	t.Parallel()

	build := func() []*models.StepDefinition {
		return []*models.StepDefinition{
			step("c", "x", "y"),
			step("a", "", "x"),
			step("b", "", "x"),
			step("d", "y", ""),
		}
	}

	first, err := planner.Create(build())
	require.NoError(t, err)

	for range 10 {
		again, err := planner.Create(build())
		require.NoError(t, err)
		assert.Equal(t, ids(first), ids(again))
	}
}

func TestCreate_ExplicitChainStaysContiguous(t *testing.T) {
	t.Parallel()

	steps := []*models.StepDefinition{
		step("a", "", "raw"),
		after(step("b", "clean", "enriched"), "a"),
		after(step("c", "enriched", ""), "b"),
		step("d", "", "clean"),
	}

	plan, err := planner.Create(steps)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(plan))

	require.Len(t, plan.Overrides, 1)
	assert.Equal(t, "b", plan.Overrides[0].StepID)
	assert.Equal(t, "a", plan.Overrides[0].PredecessorID)
	assert.Equal(t, []string{"d"}, plan.Overrides[0].Pending)
}

func TestCreate_FollowerWaitsForPredecessor(t *testing.T) {
	t.Parallel()

	steps := []*models.StepDefinition{
		after(step("cleanup", "", ""), "load"),
		step("extract", "", "raw"),
		step("load", "raw", "orders"),
	}

	plan, err := planner.Create(steps)
	require.NoError(t, err)

	assert.Equal(t, []string{"extract", "load", "cleanup"}, ids(plan))
}

func TestCreate_DuplicateFollower(t *testing.T) {
	t.Parallel()

	steps := []*models.StepDefinition{
		step("x", "", "orders"),
		after(step("y", "", ""), "x"),
		after(step("z", "", ""), "x"),
	}

	_, err := planner.Create(steps)
	require.Error(t, err)
	assert.True(t, planner.IsPlanningError(err))
	assert.ErrorIs(t, err, planner.ErrDuplicateFollower)

	var planningErr *planner.PlanningError
	require.ErrorAs(t, err, &planningErr)
	assert.Equal(t, "z", planningErr.StepID)
	assert.Equal(t, "y", planningErr.Related)
}

func TestCreate_InvalidConfiguration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		steps    []*models.StepDefinition
		expected error
	}{
		{
			name: "unknown predecessor",
			steps: []*models.StepDefinition{
				after(step("a", "", ""), "missing"),
			},
			expected: planner.ErrUnknownPredecessor,
		},
		{
			name: "step after itself",
			steps: []*models.StepDefinition{
				after(step("a", "", ""), "a"),
			},
			expected: planner.ErrSelfFollower,
		},
		{
			name: "duplicate id",
			steps: []*models.StepDefinition{
				step("a", "", "x"),
				step("a", "x", ""),
			},
			expected: planner.ErrDuplicateStep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			plan, err := planner.Create(tt.steps)
			require.Error(t, err)
			assert.Nil(t, plan)
			assert.ErrorIs(t, err, tt.expected)
			assert.True(t, planner.IsPlanningError(err))
		})
	}
}

func TestCreate_Cycle(t *testing.T) {
	t.Parallel()

	steps := []*models.StepDefinition{
		step("start", "", "seed"),
		step("p", "t1", "t2"),
		step("q", "t2", "t1"),
	}

	_, err := planner.Create(steps)
	require.Error(t, err)
	assert.True(t, planner.IsUnorderable(err))
	assert.False(t, planner.IsPlanningError(err))

	var cycle *planner.UnorderableStepsError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"p", "q"}, cycle.StepIDs())
	assert.Equal(t, []string{"q"}, cycle.Waiting[0].On)
	assert.Equal(t, []string{"p"}, cycle.Waiting[1].On)
	assert.Contains(t, err.Error(), "p waits on q")
}

func TestCreate_ExplicitCycleThroughTypes(t *testing.T) {
	t.Parallel()

	// b must follow a, but a needs what b produces.
	steps := []*models.StepDefinition{
		step("a", "orders", ""),
		after(step("b", "", "orders"), "a"),
	}

	_, err := planner.Create(steps)

	var cycle *planner.UnorderableStepsError
	require.ErrorAs(t, err, &cycle)
	require.Len(t, cycle.Waiting, 2)
	assert.Equal(t, []string{"b"}, cycle.Waiting[0].On)
	assert.Equal(t, "runs after", cycle.Waiting[1].Reason)
	assert.Equal(t, []string{"a"}, cycle.Waiting[1].On)
}

func TestPlan_StopOnErrorAndDescribe(t *testing.T) {
	t.Parallel()

	imp := step("import", "", "orders")
	imp.StopFlowOnError = true
	exp := step("export", "orders", "")
	exp.Disabled = true

	plan, err := planner.Create([]*models.StepDefinition{exp, imp})
	require.NoError(t, err)

	assert.True(t, plan.StopsOnError("import"))
	assert.False(t, plan.StopsOnError("export"))
	assert.Equal(t, 1, plan.Position("import"))
	assert.Equal(t, 2, plan.Position("export"))
	assert.Equal(t, 0, plan.Position("missing"))

	assert.Equal(t, []string{
		"1. import [import] (- -> orders) (stops flow on error)",
		"2. export [export] (orders -> -) (disabled)",
	}, plan.Describe())
}
