package planner

import (
	"context"
	"errors"
	"sort"

	"deliberate/internal/logging"
	"deliberate/internal/types"
)

// =============================================================================
// PARTIAL-ORDER PLANNING
// =============================================================================

const (
	popStart  = 0
	popFinish = 1
	// maxPOPSteps bounds plan size so refinement cannot grow without limit.
	maxPOPSteps = 64
)

type causalLink struct {
	from, to int
	fact     string
}

type openCondition struct {
	step int
	fact string
}

// partialPlan is a set of steps with ordering constraints and causal links.
// Step 0 is the start step (adds the initial state) and step 1 the finish
// step (requires the goal).
type partialPlan struct {
	ops    []*Operator
	before map[int][]int // a -> steps a must precede
	links  []causalLink
	agenda []openCondition
}

func (pp *partialPlan) clone() *partialPlan {
	out := &partialPlan{
		ops:    append([]*Operator(nil), pp.ops...),
		before: make(map[int][]int, len(pp.before)),
		links:  append([]causalLink(nil), pp.links...),
		agenda: append([]openCondition(nil), pp.agenda...),
	}
	for k, v := range pp.before {
		out.before[k] = append([]int(nil), v...)
	}
	return out
}

// precedes reports whether a is ordered before b.
func (pp *partialPlan) precedes(a, b int) bool {
	if a == b {
		return false
	}
	seen := map[int]bool{a: true}
	stack := []int{a}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, m := range pp.before[n] {
			if m == b {
				return true
			}
			if !seen[m] {
				seen[m] = true
				stack = append(stack, m)
			}
		}
	}
	return false
}

// order adds a < b and reports false when that would create a cycle.
func (pp *partialPlan) order(a, b int) bool {
	if a == b || pp.precedes(b, a) {
		return false
	}
	for _, m := range pp.before[a] {
		if m == b {
			return true
		}
	}
	pp.before[a] = append(pp.before[a], b)
	return true
}

func adds(op *Operator, fact string) bool {
	for _, f := range op.Add {
		if f == fact {
			return true
		}
	}
	return false
}

func deletes(op *Operator, fact string) bool {
	for _, f := range op.Delete {
		if f == fact {
			return true
		}
	}
	return false
}

// threat finds a step that could fall between a link's producer and consumer
// and delete the linked fact.
func (pp *partialPlan) threat() (causalLink, int, bool) {
	for _, l := range pp.links {
		for t, op := range pp.ops {
			if t == l.from || t == l.to || !deletes(op, l.fact) {
				continue
			}
			if pp.precedes(t, l.from) || pp.precedes(l.to, t) {
				continue
			}
			return l, t, true
		}
	}
	return causalLink{}, 0, false
}

type popSearch struct {
	p          *Planner
	ctx        context.Context
	backtracks int
	refined    int
}

var errPOPBudget = errors.New("refinement budget exhausted")

// refine resolves threats, then closes the next open condition, recursing
// depth first over the alternatives.
func (s *popSearch) refine(pp *partialPlan) (*partialPlan, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	s.refined++
	if s.refined > s.p.cfg.Planner.MaxExpansions {
		return nil, errPOPBudget
	}

	if l, t, ok := pp.threat(); ok {
		// Promotion then demotion.
		for _, edge := range [][2]int{{l.to, t}, {t, l.from}} {
			next := pp.clone()
			if !next.order(edge[0], edge[1]) {
				continue
			}
			out, err := s.refine(next)
			if err == nil {
				return out, nil
			}
			if err == errPOPBudget || isFatal(err) {
				return nil, err
			}
			if err := s.backtrack(); err != nil {
				return nil, err
			}
		}
		return nil, types.NewError(types.ErrUnreachable, "unresolvable threat to %q", l.fact)
	}

	if len(pp.agenda) == 0 {
		return pp, nil
	}
	oc := pp.agenda[0]

	type candidate struct {
		step int
		op   *Operator
	}
	var cands []candidate
	for i, op := range pp.ops {
		if i != oc.step && adds(op, oc.fact) && !pp.precedes(oc.step, i) {
			cands = append(cands, candidate{step: i})
		}
	}
	if len(pp.ops) < maxPOPSteps {
		for _, op := range s.p.domain.achievers(oc.fact) {
			cands = append(cands, candidate{step: -1, op: op})
		}
	}

	for _, c := range cands {
		next := pp.clone()
		next.agenda = next.agenda[1:]
		producer := c.step
		if producer < 0 {
			producer = len(next.ops)
			next.ops = append(next.ops, c.op)
			next.order(popStart, producer)
			next.order(producer, popFinish)
			for _, pre := range c.op.Preconditions {
				next.agenda = append(next.agenda, openCondition{step: producer, fact: pre})
			}
		}
		if !next.order(producer, oc.step) {
			continue
		}
		next.links = append(next.links, causalLink{from: producer, to: oc.step, fact: oc.fact})

		out, err := s.refine(next)
		if err == nil {
			return out, nil
		}
		if err == errPOPBudget || isFatal(err) {
			return nil, err
		}
		if err := s.backtrack(); err != nil {
			return nil, err
		}
	}
	return nil, types.NewError(types.ErrUnreachable, "no achiever for %q", oc.fact)
}

func (s *popSearch) backtrack() error {
	s.backtracks++
	if s.backtracks > s.p.cfg.Planner.MaxBacktracks {
		return types.NewError(types.ErrUnreachable, "exceeded %d backtracks", s.p.cfg.Planner.MaxBacktracks)
	}
	return nil
}

// planPOP builds a partial-order plan and linearises it. Step dependencies
// keep only the partial order, so unrelated steps stay unordered.
func (p *Planner) planPOP(ctx context.Context, start State, goal []string) ([]types.Step, error) {
	if len(goal) == 0 {
		return nil, types.NewError(types.ErrUnreachable, "goal has no desired state")
	}
	initial := make([]string, 0, len(start))
	for f := range start {
		initial = append(initial, f)
	}
	sort.Strings(initial)

	pp := &partialPlan{
		ops: []*Operator{
			{Name: "start", Add: initial},
			{Name: "finish", Preconditions: goal},
		},
		before: map[int][]int{popStart: {popFinish}},
	}
	for _, g := range goal {
		pp.agenda = append(pp.agenda, openCondition{step: popFinish, fact: g})
	}

	search := &popSearch{p: p, ctx: ctx}
	done, err := search.refine(pp)
	if err != nil {
		if err == errPOPBudget {
			return nil, types.NewError(types.ErrUnreachable, "partial-order search exceeded %d refinements", p.cfg.Planner.MaxExpansions)
		}
		return nil, err
	}
	logging.PlannerDebug("POP closed %d links over %d steps (%d backtracks)", len(done.links), len(done.ops)-2, search.backtracks)
	return done.linearise(), nil
}

// linearise orders the real steps topologically, breaking ties by creation
// order, and turns each ordering edge between real steps into a dependency.
func (pp *partialPlan) linearise() []types.Step {
	n := len(pp.ops)
	indeg := make([]int, n)
	preds := make([][]int, n)
	for a := 0; a < n; a++ {
		for _, b := range pp.before[a] {
			indeg[b]++
			if a != popStart {
				preds[b] = append(preds[b], a)
			}
		}
	}

	var order []int
	ready := []int{}
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		if i != popStart && i != popFinish {
			order = append(order, i)
		}
		for _, b := range pp.before[i] {
			indeg[b]--
			if indeg[b] == 0 {
				ready = append(ready, b)
			}
		}
	}

	ids := make(map[int]string, len(order))
	pos := make(map[int]int, len(order))
	for k, i := range order {
		ids[i] = stepID(k + 1)
		pos[i] = k
	}
	steps := make([]types.Step, 0, len(order))
	for _, i := range order {
		s := stepFromOperator(ids[i], pp.ops[i])
		deps := preds[i]
		sort.Slice(deps, func(x, y int) bool { return pos[deps[x]] < pos[deps[y]] })
		for _, d := range deps {
			s.Dependencies = append(s.Dependencies, ids[d])
		}
		steps = append(steps, s)
	}
	return steps
}
