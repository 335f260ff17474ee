package planner

import (
	"context"
	"fmt"

	"deliberate/internal/logging"
	"deliberate/internal/types"
)

// =============================================================================
// HIERARCHICAL TASK NETWORK
// =============================================================================

// fragment is the boundary of a decomposed subtree: the steps with no
// predecessor inside it and the steps with no successor inside it.
type fragment struct {
	entries []string
	exits   []string
	lo, hi  int // span of b.steps the subtree occupies
}

type htnBuilder struct {
	p          *Planner
	ctx        context.Context
	steps      []types.Step
	state      State
	backtracks int
}

func stepID(n int) string { return fmt.Sprintf("s%d", n) }

func stepFromOperator(id string, op *Operator) types.Step {
	return types.Step{
		ID:            id,
		Action:        op.Name,
		Preconditions: append([]string(nil), op.Preconditions...),
		Effects:       append([]string(nil), op.Add...),
		Status:        types.StepPending,
		Duration:      op.Duration,
		Cost:          op.Cost,
		Uncertainty:   types.Clamp01(op.Uncertainty),
		Resource:      op.Resource,
	}
}

// planHTN decomposes the goal's root task. Goals whose task is unknown to the
// domain decompose through their subgoals instead.
func (p *Planner) planHTN(ctx context.Context, goal *types.Goal, start State) ([]types.Step, error) {
	b := &htnBuilder{p: p, ctx: ctx, state: start}
	if _, err := b.expandGoal(goal, 1); err != nil {
		return nil, err
	}
	logging.PlannerDebug("HTN produced %d steps for goal %s (%d backtracks)", len(b.steps), goal.ID, b.backtracks)
	return b.steps, nil
}

func (b *htnBuilder) checkDepth(task string, depth int) error {
	if depth > b.p.cfg.Planner.MaxDepth {
		return types.NewError(types.ErrGoalTooComplex,
			"task %q exceeds decomposition depth %d", task, b.p.cfg.Planner.MaxDepth)
	}
	return b.ctx.Err()
}

func (b *htnBuilder) expandGoal(g *types.Goal, depth int) (fragment, error) {
	task := g.Task
	if task == "" {
		task = g.ID
	}
	if err := b.checkDepth(task, depth); err != nil {
		return fragment{}, err
	}
	if b.p.domain.knows(task) {
		return b.expandTask(task, depth)
	}
	if len(g.Subgoals) == 0 {
		// Leaf goals are directly executable.
		id := stepID(len(b.steps) + 1)
		b.steps = append(b.steps, types.Step{
			ID:       id,
			Action:   task,
			Status:   types.StepPending,
			Duration: g.Duration,
			Cost:     g.Cost,
		})
		return b.leaf(id), nil
	}

	frags := make([]fragment, len(g.Subgoals))
	index := make(map[string]int, len(g.Subgoals))
	for i := range g.Subgoals {
		f, err := b.expandGoal(&g.Subgoals[i], depth+1)
		if err != nil {
			return fragment{}, err
		}
		frags[i] = f
		index[g.Subgoals[i].ID] = i
	}

	// Sibling dependencies become edges; without any the subgoals run in order.
	after := make(map[int][]int)
	for i, sg := range g.Subgoals {
		for _, dep := range sg.Dependencies {
			if j, ok := index[dep]; ok && j != i {
				after[i] = append(after[i], j)
			}
		}
	}
	if len(after) == 0 {
		return b.sequence(frags), nil
	}
	return b.join(frags, after), nil
}

// expandTask decomposes a domain task, trying methods in order and undoing
// a failed method before the next one.
func (b *htnBuilder) expandTask(task string, depth int) (fragment, error) {
	if err := b.checkDepth(task, depth); err != nil {
		return fragment{}, err
	}
	if op, ok := b.p.domain.operator(task); ok {
		if !b.state.Holds(op.Preconditions) {
			return fragment{}, types.NewError(types.ErrUnreachable, "preconditions of %q do not hold", task)
		}
		id := stepID(len(b.steps) + 1)
		b.steps = append(b.steps, stepFromOperator(id, op))
		b.state = b.state.Apply(op)
		return b.leaf(id), nil
	}

	methods := b.p.domain.methodsFor(task)
	if len(methods) == 0 {
		return fragment{}, types.NewError(types.ErrUnreachable, "no operator or method for task %q", task)
	}

	var lastErr error
	for _, m := range methods {
		if !b.state.Holds(m.Preconditions) {
			continue
		}
		mark, saved := len(b.steps), b.state
		f, err := b.applyMethod(m, depth)
		if err == nil {
			return f, nil
		}
		if isFatal(err) {
			return fragment{}, err
		}
		b.steps, b.state = b.steps[:mark], saved
		lastErr = err
		b.backtracks++
		if b.backtracks > b.p.cfg.Planner.MaxBacktracks {
			return fragment{}, types.NewError(types.ErrUnreachable, "exceeded %d backtracks", b.p.cfg.Planner.MaxBacktracks)
		}
		logging.PlannerDebug("method %s for %s failed, backtracking: %v", m.Name, task, err)
	}
	if lastErr != nil {
		return fragment{}, lastErr
	}
	return fragment{}, types.NewError(types.ErrUnreachable, "no applicable method for task %q", task)
}

func (b *htnBuilder) applyMethod(m *Method, depth int) (fragment, error) {
	frags := make([]fragment, len(m.Subtasks))
	for i, sub := range m.Subtasks {
		f, err := b.expandTask(sub, depth+1)
		if err != nil {
			return fragment{}, err
		}
		frags[i] = f
	}

	switch m.Strategy {
	case Functional:
		return b.join(frags, nil), nil
	case ResourceBased:
		after := make(map[int][]int)
		for i := range frags {
			for j := 0; j < i; j++ {
				if b.shareResource(frags[j], frags[i]) {
					after[i] = append(after[i], j)
				}
			}
		}
		return b.join(frags, after), nil
	case DependencyBased:
		first := make(map[string]int, len(m.Subtasks))
		for i, sub := range m.Subtasks {
			if _, ok := first[sub]; !ok {
				first[sub] = i
			}
		}
		after := make(map[int][]int)
		for i, sub := range m.Subtasks {
			for _, dep := range m.After[sub] {
				if j, ok := first[dep]; ok && j != i {
					after[i] = append(after[i], j)
				}
			}
		}
		return b.join(frags, after), nil
	default:
		return b.sequence(frags), nil
	}
}

func (b *htnBuilder) leaf(id string) fragment {
	n := len(b.steps)
	return fragment{entries: []string{id}, exits: []string{id}, lo: n - 1, hi: n}
}

// sequence orders fragments one after another.
func (b *htnBuilder) sequence(frags []fragment) fragment {
	for i := 1; i < len(frags); i++ {
		b.link(frags[i-1], frags[i])
	}
	return fragment{
		entries: frags[0].entries,
		exits:   frags[len(frags)-1].exits,
		lo:      frags[0].lo,
		hi:      frags[len(frags)-1].hi,
	}
}

// join links fragments along the after edges (i follows each of after[i]) and
// returns the combined boundary.
func (b *htnBuilder) join(frags []fragment, after map[int][]int) fragment {
	hasPred := make([]bool, len(frags))
	hasSucc := make([]bool, len(frags))
	for i := range frags {
		for _, j := range after[i] {
			b.link(frags[j], frags[i])
			hasPred[i] = true
			hasSucc[j] = true
		}
	}
	out := fragment{lo: frags[0].lo, hi: frags[len(frags)-1].hi}
	for i, f := range frags {
		if !hasPred[i] {
			out.entries = append(out.entries, f.entries...)
		}
		if !hasSucc[i] {
			out.exits = append(out.exits, f.exits...)
		}
	}
	return out
}

// link makes every entry of to depend on every exit of from.
func (b *htnBuilder) link(from, to fragment) {
	for _, id := range to.entries {
		s := b.step(id)
		for _, dep := range from.exits {
			if !contains(s.Dependencies, dep) {
				s.Dependencies = append(s.Dependencies, dep)
			}
		}
	}
}

func (b *htnBuilder) shareResource(x, y fragment) bool {
	rx := b.resources(x)
	for r := range b.resources(y) {
		if rx[r] {
			return true
		}
	}
	return false
}

func (b *htnBuilder) resources(f fragment) map[string]bool {
	out := make(map[string]bool)
	for _, s := range b.steps[f.lo:f.hi] {
		if s.Resource != "" {
			out[s.Resource] = true
		}
	}
	return out
}

func (b *htnBuilder) step(id string) *types.Step {
	for i := range b.steps {
		if b.steps[i].ID == id {
			return &b.steps[i]
		}
	}
	return nil
}

// isFatal reports errors that must not trigger backtracking.
func isFatal(err error) bool {
	te, ok := types.AsError(err)
	if ok && te.Kind == types.ErrGoalTooComplex {
		return true
	}
	return err == context.Canceled || err == context.DeadlineExceeded
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
