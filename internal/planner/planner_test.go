package planner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deliberate/internal/config"
	"deliberate/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestPlanner(t *testing.T, d *Domain) *Planner {
	t.Helper()
	if d != nil {
		require.NoError(t, d.Index())
	}
	p := NewPlanner(config.DefaultConfig(), d)
	p.SetClock(func() time.Time { return epoch })
	return p
}

func actions(steps []types.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Action
	}
	return out
}

func commuteDomain() *Domain {
	return &Domain{
		InitialState: []string{"at-home"},
		Operators: []Operator{
			{Name: "drive", Preconditions: []string{"at-home"}, Add: []string{"at-work"}, Delete: []string{"at-home"}, Cost: 5, Duration: 30 * time.Minute},
			{Name: "bus", Preconditions: []string{"at-home"}, Add: []string{"at-station"}, Delete: []string{"at-home"}, Cost: 1, Duration: 10 * time.Minute},
			{Name: "train", Preconditions: []string{"at-station"}, Add: []string{"at-work"}, Delete: []string{"at-station"}, Cost: 1, Duration: 20 * time.Minute, Uncertainty: 0.5},
		},
	}
}

func chainDomain(levels int) *Domain {
	d := &Domain{}
	for i := 1; i < levels; i++ {
		d.Methods = append(d.Methods, Method{
			Name:     fmt.Sprintf("m%d", i),
			Task:     fmt.Sprintf("t%d", i),
			Subtasks: []string{fmt.Sprintf("t%d", i+1)},
		})
	}
	d.Operators = []Operator{{Name: fmt.Sprintf("t%d", levels)}}
	return d
}

func assertDependencyOrder(t *testing.T, plan *types.Plan) {
	t.Helper()
	order := make(map[string]int, len(plan.Steps))
	for _, s := range plan.Steps {
		order[s.ID] = s.Order
	}
	for _, s := range plan.Steps {
		for _, d := range s.Dependencies {
			assert.Less(t, order[d], s.Order, "%s must follow %s", s.ID, d)
			assert.False(t, plan.Schedule[s.ID].Start.Before(plan.Schedule[d].End), "%s starts before %s ends", s.ID, d)
		}
	}
}

func assertSums(t *testing.T, plan *types.Plan) {
	t.Helper()
	var total time.Duration
	var cost float64
	for _, s := range plan.Steps {
		total += s.Duration
		cost += s.Cost
	}
	assert.Equal(t, total, plan.EstimatedDuration)
	assert.InDelta(t, cost, plan.EstimatedCost, 1e-9)
}

// =============================================================================
// HTN
// =============================================================================

func TestHTNTemporalDecomposition(t *testing.T) {
	d := &Domain{
		Operators: []Operator{
			{Name: "build", Duration: 10 * time.Minute, Cost: 2},
			{Name: "test", Duration: 5 * time.Minute, Cost: 1},
			{Name: "release", Cost: 3},
		},
		Methods: []Method{
			{Name: "ship", Task: "deploy", Subtasks: []string{"build", "test", "release"}},
		},
	}
	p := newTestPlanner(t, d)
	plan, err := p.CreatePlan(context.Background(), &types.Goal{ID: "g1", Task: "deploy"}, types.HorizonShort)
	require.NoError(t, err)

	assert.Equal(t, []string{"build", "test", "release"}, actions(plan.Steps))
	assert.Equal(t, []string{"s1"}, plan.Steps[1].Dependencies)
	assert.Equal(t, []string{"s2"}, plan.Steps[2].Dependencies)
	assert.Equal(t, time.Minute, plan.Steps[2].Duration, "default step duration")
	assert.Equal(t, types.PlanActive, plan.Status)
	assert.Equal(t, 1, plan.Revision)
	assert.Equal(t, types.PlanHTN, plan.Strategy)
	assertDependencyOrder(t, plan)
	assertSums(t, plan)
	assert.Equal(t, epoch.Add(16*time.Minute), plan.Schedule["s3"].End)
}

func TestHTNOrderingStrategies(t *testing.T) {
	ops := []Operator{
		{Name: "a", Resource: "gpu"},
		{Name: "b", Resource: "cpu"},
		{Name: "c", Resource: "gpu"},
	}
	tests := []struct {
		name   string
		method Method
		deps   map[string][]string
	}{
		{
			name:   "functional",
			method: Method{Name: "m", Task: "root", Strategy: Functional, Subtasks: []string{"a", "b", "c"}},
			deps:   map[string][]string{},
		},
		{
			name:   "resource",
			method: Method{Name: "m", Task: "root", Strategy: ResourceBased, Subtasks: []string{"a", "b", "c"}},
			deps:   map[string][]string{"c": {"a"}},
		},
		{
			name: "dependency",
			method: Method{Name: "m", Task: "root", Strategy: DependencyBased, Subtasks: []string{"a", "b", "c"},
				After: map[string][]string{"a": {"c"}, "b": {"c"}}},
			deps: map[string][]string{"a": {"c"}, "b": {"c"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlanner(t, &Domain{Operators: ops, Methods: []Method{tt.method}})
			plan, err := p.CreatePlan(context.Background(), &types.Goal{ID: "g", Task: "root"}, "")
			require.NoError(t, err)

			ids := make(map[string]string)
			for _, s := range plan.Steps {
				ids[s.ID] = s.Action
			}
			got := make(map[string][]string)
			for _, s := range plan.Steps {
				for _, dep := range s.Dependencies {
					got[s.Action] = append(got[s.Action], ids[dep])
				}
			}
			if diff := cmp.Diff(tt.deps, got); diff != "" {
				t.Errorf("dependencies mismatch (-want +got):\n%s", diff)
			}
			assertDependencyOrder(t, plan)
		})
	}
}

func TestHTNBacktracksToNextMethod(t *testing.T) {
	d := &Domain{
		Operators: []Operator{
			{Name: "use-key", Preconditions: []string{"has-key"}, Add: []string{"open"}},
			{Name: "pick-lock", Add: []string{"open"}},
		},
		Methods: []Method{
			{Name: "with-key", Task: "open-door", Subtasks: []string{"use-key"}},
			{Name: "without-key", Task: "open-door", Subtasks: []string{"pick-lock"}},
		},
	}
	p := newTestPlanner(t, d)
	plan, err := p.CreatePlan(context.Background(), &types.Goal{ID: "door", Task: "open-door"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"pick-lock"}, actions(plan.Steps))
	assert.Equal(t, "s1", plan.Steps[0].ID)
}

func TestHTNDepthLimit(t *testing.T) {
	p := newTestPlanner(t, chainDomain(5))
	plan, err := p.CreatePlan(context.Background(), &types.Goal{ID: "g", Task: "t1"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"t5"}, actions(plan.Steps))

	p = newTestPlanner(t, chainDomain(6))
	_, err = p.CreatePlan(context.Background(), &types.Goal{ID: "g", Task: "t1"}, "")
	require.ErrorIs(t, err, types.ErrGoalTooComplex)
	te, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "g", te.GoalID)
}

func TestSubgoalDecomposition(t *testing.T) {
	goal := &types.Goal{
		ID: "launch",
		Subgoals: []types.Goal{
			{ID: "design", Duration: time.Hour, Cost: 4},
			{ID: "build", Dependencies: []string{"design"}, Duration: 2 * time.Hour, Cost: 10},
			{ID: "docs", Dependencies: []string{"design"}, Duration: 30 * time.Minute, Cost: 1},
		},
	}
	p := newTestPlanner(t, nil)
	plan, err := p.CreatePlan(context.Background(), goal, types.HorizonLong)
	require.NoError(t, err)

	assert.Equal(t, []string{"design", "build", "docs"}, actions(plan.Steps))
	assert.Equal(t, []string{"s1"}, plan.Steps[1].Dependencies)
	assert.Equal(t, []string{"s1"}, plan.Steps[2].Dependencies)
	// build and docs run in parallel after design.
	assert.Equal(t, plan.Schedule["s2"].Start, plan.Schedule["s3"].Start)
	assertSums(t, plan)
	assertDependencyOrder(t, plan)
}

func TestSubgoalNestingTooDeep(t *testing.T) {
	leaf := types.Goal{ID: "l6"}
	for i := 5; i >= 1; i-- {
		leaf = types.Goal{ID: fmt.Sprintf("l%d", i), Subgoals: []types.Goal{leaf}}
	}
	_, err := newTestPlanner(t, nil).CreatePlan(context.Background(), &leaf, "")
	assert.ErrorIs(t, err, types.ErrGoalTooComplex)
}

// =============================================================================
// STRIPS
// =============================================================================

func TestSTRIPSFindsCheapestPath(t *testing.T) {
	p := newTestPlanner(t, commuteDomain())
	goal := &types.Goal{ID: "commute", Strategy: types.PlanSTRIPS, DesiredState: []string{"at-work"}}
	plan, err := p.CreatePlan(context.Background(), goal, types.HorizonImmediate)
	require.NoError(t, err)

	assert.Equal(t, []string{"bus", "train"}, actions(plan.Steps))
	assert.InDelta(t, 2.0, plan.EstimatedCost, 1e-9)
	assert.Equal(t, 30*time.Minute, plan.EstimatedDuration)
	assertDependencyOrder(t, plan)

	// The uncertain train step gets a replan fallback and a checkpoint.
	assert.Contains(t, plan.Contingencies, types.Contingency{
		Trigger: types.TriggerStepFailed, Condition: "s2", Action: types.ContingencyReplan, Probability: 0.5,
	})
	require.Len(t, plan.Checkpoints, 1)
	assert.Equal(t, "s2", plan.Checkpoints[0].StepID)
	assert.InDelta(t, 0.75, plan.Confidence, 1e-9)
}

func TestSTRIPSUnreachable(t *testing.T) {
	p := newTestPlanner(t, commuteDomain())
	_, err := p.CreatePlan(context.Background(), &types.Goal{
		ID: "moon", Strategy: types.PlanSTRIPS, DesiredState: []string{"on-moon"},
	}, "")
	assert.ErrorIs(t, err, types.ErrUnreachable)

	cfg := config.DefaultConfig()
	cfg.Planner.MaxExpansions = 1
	p = NewPlanner(cfg, commuteDomain())
	require.NoError(t, p.domain.Index())
	_, err = p.CreatePlan(context.Background(), &types.Goal{
		ID: "commute", Strategy: types.PlanSTRIPS, DesiredState: []string{"at-work"},
	}, "")
	assert.ErrorIs(t, err, types.ErrUnreachable)
}

func TestMonitoringListsEachMetricOnce(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Monitor.AlertThresholds = map[string]float64{"progress": 5, "error_rate": 0.1, "cost_overrun": 0.2}
	p := NewPlanner(cfg, commuteDomain())
	require.NoError(t, p.domain.Index())
	p.SetClock(func() time.Time { return epoch })

	plan, err := p.CreatePlan(context.Background(), &types.Goal{
		ID: "commute", Strategy: types.PlanSTRIPS, DesiredState: []string{"at-work"},
	}, "")
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"progress", "cost_overrun", "error_rate"}, plan.Monitoring.Metrics); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 5.0, plan.Monitoring.AlertThresholds["progress"])
}

func TestPastDeadlineIsUnreachable(t *testing.T) {
	past := epoch.Add(-time.Hour)
	p := newTestPlanner(t, commuteDomain())
	_, err := p.CreatePlan(context.Background(), &types.Goal{
		ID: "late", Strategy: types.PlanSTRIPS, DesiredState: []string{"on-moon"}, Deadline: &past,
	}, "")
	require.ErrorIs(t, err, types.ErrUnreachable)
	te, _ := types.AsError(err)
	assert.Equal(t, "late", te.GoalID)
}

func TestScheduleBeyondDeadlineIsUnreachable(t *testing.T) {
	soon := epoch.Add(15 * time.Minute)
	p := newTestPlanner(t, commuteDomain())
	_, err := p.CreatePlan(context.Background(), &types.Goal{
		ID: "rush", Strategy: types.PlanSTRIPS, DesiredState: []string{"at-work"}, Deadline: &soon,
	}, "")
	assert.ErrorIs(t, err, types.ErrUnreachable)
}

// =============================================================================
// POP
// =============================================================================

func TestPOPLeavesIndependentStepsUnordered(t *testing.T) {
	d := &Domain{
		Operators: []Operator{
			{Name: "boil-water", Add: []string{"water-hot"}},
			{Name: "get-cup", Add: []string{"have-cup"}},
			{Name: "make-tea", Preconditions: []string{"water-hot", "have-cup"}, Add: []string{"tea"}},
		},
	}
	p := newTestPlanner(t, d)
	plan, err := p.CreatePlan(context.Background(), &types.Goal{
		ID: "tea", Strategy: types.PlanPOP, DesiredState: []string{"tea"},
	}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"boil-water", "get-cup", "make-tea"}, actions(plan.Steps))
	assert.Empty(t, plan.Steps[0].Dependencies)
	assert.Empty(t, plan.Steps[1].Dependencies)
	assert.ElementsMatch(t, []string{"s1", "s2"}, plan.Steps[2].Dependencies)
	assert.Equal(t, plan.Schedule["s1"].Start, plan.Schedule["s2"].Start)
}

func TestPOPResolvesThreatByDemotion(t *testing.T) {
	d := &Domain{
		Operators: []Operator{
			{Name: "set-a", Add: []string{"a"}},
			{Name: "set-b", Add: []string{"b"}, Delete: []string{"a"}},
		},
	}
	p := newTestPlanner(t, d)
	plan, err := p.CreatePlan(context.Background(), &types.Goal{
		ID: "ab", Strategy: types.PlanPOP, DesiredState: []string{"a", "b"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"set-b", "set-a"}, actions(plan.Steps))
	assert.Equal(t, []string{"s1"}, plan.Steps[1].Dependencies)
}

func TestPOPUnreachable(t *testing.T) {
	p := newTestPlanner(t, &Domain{Operators: []Operator{{Name: "noop"}}})
	_, err := p.CreatePlan(context.Background(), &types.Goal{
		ID: "x", Strategy: types.PlanPOP, DesiredState: []string{"impossible"},
	}, "")
	assert.ErrorIs(t, err, types.ErrUnreachable)
}

// =============================================================================
// CONSTRAINTS AND IDENTITY
// =============================================================================

func TestConflictingConstraints(t *testing.T) {
	tests := []struct {
		name        string
		constraints []string
	}{
		{"require and forbid", []string{"require:cloud", "forbid:cloud"}},
		{"exclusive requirements", []string{"require:onprem", "require:cloud", "exclusive:onprem:cloud"}},
		{"empty bound range", []string{"min:cost:10", "max:cost:5"}},
		{"ordering cycle", []string{"before:a:b", "before:b:a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			goal := &types.Goal{
				ID:          "g",
				Constraints: tt.constraints,
				Subgoals:    []types.Goal{{ID: "a"}, {ID: "b"}},
			}
			_, err := newTestPlanner(t, nil).CreatePlan(context.Background(), goal, "")
			assert.ErrorIs(t, err, types.ErrConflictingConstraints)
		})
	}
}

func TestOrderingAndBoundConstraints(t *testing.T) {
	goal := &types.Goal{
		ID:          "g",
		Constraints: []string{"before:b:a", "max:cost:10", "prefer weekdays"},
		Subgoals: []types.Goal{
			{ID: "a", Cost: 2},
			{ID: "b", Cost: 3},
		},
	}
	// Without an explicit edge the subgoals run in listed order and
	// before:b:a would close a cycle.
	goal.Subgoals[0].Dependencies = []string{"b"}
	plan, err := newTestPlanner(t, nil).CreatePlan(context.Background(), goal, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, actions(plan.Steps))
	assertDependencyOrder(t, plan)

	goal.Constraints = []string{"max:cost:4"}
	_, err = newTestPlanner(t, nil).CreatePlan(context.Background(), goal, "")
	assert.ErrorIs(t, err, types.ErrUnreachable)
}

func TestPlanIDIsDeterministic(t *testing.T) {
	goal := &types.Goal{ID: "commute", Strategy: types.PlanSTRIPS, DesiredState: []string{"at-work"}}
	p1, err := newTestPlanner(t, commuteDomain()).CreatePlan(context.Background(), goal, "")
	require.NoError(t, err)
	p2, err := newTestPlanner(t, commuteDomain()).CreatePlan(context.Background(), goal, "")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, planID("commute", 1, p1.Steps), p1.ID)
	assert.NotEqual(t, p1.ID, planID("commute", 2, p1.Steps))
}

// =============================================================================
// REPLANNING
// =============================================================================

func TestReplanCarriesCompletedSteps(t *testing.T) {
	p := newTestPlanner(t, commuteDomain())
	goal := &types.Goal{ID: "commute", Strategy: types.PlanSTRIPS, DesiredState: []string{"at-work"}}
	old, err := p.CreatePlan(context.Background(), goal, types.HorizonShort)
	require.NoError(t, err)
	old.Steps[0].Status = types.StepCompleted

	updated, err := p.Replan(context.Background(), goal, old, "train delayed")
	require.NoError(t, err)

	assert.Equal(t, old.GoalID, updated.GoalID)
	assert.Equal(t, old.Revision+1, updated.Revision)
	assert.True(t, updated.UpdatedAt.After(old.UpdatedAt))
	assert.NotEqual(t, old.ID, updated.ID)
	assert.Equal(t, types.PlanActive, updated.Status)
	assert.Equal(t, []string{"bus", "train"}, actions(updated.Steps))
	assert.Equal(t, types.StepCompleted, updated.Steps[0].Status)
	assert.Equal(t, types.StepPending, updated.Steps[1].Status)
	assert.NotEqual(t, updated.Steps[0].ID, updated.Steps[1].ID)
	assertSums(t, updated)
}

func TestReplanHTNMarksDoneSteps(t *testing.T) {
	p := newTestPlanner(t, chainDomain(2))
	d := p.domain
	d.Operators = append(d.Operators, Operator{Name: "t3"})
	d.Methods[0].Subtasks = []string{"t2", "t3"}
	require.NoError(t, d.Index())

	goal := &types.Goal{ID: "g", Task: "t1"}
	old, err := p.CreatePlan(context.Background(), goal, "")
	require.NoError(t, err)
	old.Steps[0].Status = types.StepCompleted

	updated, err := p.Replan(context.Background(), goal, old, "deviation")
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, updated.Steps[0].Status)
	assert.Equal(t, types.StepPending, updated.Steps[1].Status)
	assert.Equal(t, 2, updated.Revision)
}

func TestReplanRejectsForeignGoal(t *testing.T) {
	p := newTestPlanner(t, nil)
	_, err := p.Replan(context.Background(), &types.Goal{ID: "a"}, &types.Plan{GoalID: "b"}, "x")
	assert.ErrorIs(t, err, types.ErrInvalidContext)
}

func TestStepDiff(t *testing.T) {
	old := &types.Plan{ID: "p1", Revision: 1, Steps: []types.Step{{ID: "s1", Action: "a", Status: types.StepCompleted}, {ID: "s2", Action: "b"}}}
	updated := &types.Plan{ID: "p2", Revision: 2, Steps: []types.Step{{ID: "s1", Action: "a", Status: types.StepCompleted}, {ID: "s2", Action: "c"}}}
	diff, err := StepDiff(old, updated)
	require.NoError(t, err)
	assert.Contains(t, diff, "--- p1 (rev 1)")
	assert.Contains(t, diff, "+s2 c")
	assert.Contains(t, diff, "-s2 b")
}

// =============================================================================
// DOMAIN FILES
// =============================================================================

func TestLoadDomain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domain.yaml")
	content := `
initial_state: [at-home]
operators:
  - name: walk
    preconditions: [at-home]
    add: [at-park]
    delete: [at-home]
    duration: 15m
    cost: 0.5
methods:
  - name: outing
    task: go-out
    subtasks: [walk]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	d, err := LoadDomain(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d.Operators[0].Duration)
	assert.Equal(t, Temporal, d.Methods[0].Strategy)

	p := NewPlanner(config.DefaultConfig(), d)
	plan, err := p.CreatePlan(context.Background(), &types.Goal{ID: "g", Task: "go-out"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"walk"}, actions(plan.Steps))
}

func TestDomainIndexRejectsBadDomains(t *testing.T) {
	dup := &Domain{Operators: []Operator{{Name: "x"}, {Name: "x"}}}
	assert.Error(t, dup.Index())

	clash := &Domain{Operators: []Operator{{Name: "x"}}, Methods: []Method{{Task: "x", Subtasks: []string{"x"}}}}
	assert.Error(t, clash.Index())

	_, err := LoadDomain(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCreatePlanHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestPlanner(t, commuteDomain()).CreatePlan(ctx, &types.Goal{
		ID: "commute", Strategy: types.PlanSTRIPS, DesiredState: []string{"at-work"},
	}, "")
	assert.True(t, errors.Is(err, context.Canceled))
}
