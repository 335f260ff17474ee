package planner

import (
	"container/heap"
	"context"
	"math"
	"sort"

	"deliberate/internal/logging"
	"deliberate/internal/types"
)

// searchNode is one A* frontier entry.
type searchNode struct {
	state  State
	key    string
	g      float64
	f      float64
	parent *searchNode
	op     *Operator
	seq    int // insertion order, breaks f ties deterministically
	index  int
}

type frontier []*searchNode

func (q frontier) Len() int { return len(q) }
func (q frontier) Less(i, j int) bool {
	if q[i].f != q[j].f {
		return q[i].f < q[j].f
	}
	if q[i].g != q[j].g {
		return q[i].g > q[j].g
	}
	return q[i].seq < q[j].seq
}
func (q frontier) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *frontier) Push(x any) {
	n := x.(*searchNode)
	n.index = len(*q)
	*q = append(*q, n)
}
func (q *frontier) Pop() any {
	old := *q
	n := old[len(old)-1]
	old[len(old)-1] = nil
	n.index = -1
	*q = old[:len(old)-1]
	return n
}

// heuristic is h_max: the largest, over unmet goal facts, of the cheapest
// operator that adds that fact. Every unmet fact needs at least one achiever,
// so it never overestimates. It returns +Inf when some fact has no achiever.
func (p *Planner) heuristic(s State, goal []string, cheapest map[string]float64) float64 {
	h := 0.0
	for _, f := range goal {
		if s[f] {
			continue
		}
		c, ok := cheapest[f]
		if !ok {
			return math.Inf(1)
		}
		if c > h {
			h = c
		}
	}
	return h
}

// searchSTRIPS runs A* from start to a state satisfying goal and returns the
// operator sequence.
func (p *Planner) searchSTRIPS(ctx context.Context, start State, goal []string) ([]*Operator, error) {
	d := p.domain
	cheapest := make(map[string]float64)
	if d != nil {
		for i := range d.Operators {
			op := &d.Operators[i]
			for _, f := range op.Add {
				if c, ok := cheapest[f]; !ok || op.stepCost() < c {
					cheapest[f] = op.stepCost()
				}
			}
		}
	}

	ops := []Operator(nil)
	if d != nil {
		ops = append(ops, d.Operators...)
		sort.SliceStable(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })
	}

	root := &searchNode{state: start, key: start.Key()}
	root.f = p.heuristic(start, goal, cheapest)
	if math.IsInf(root.f, 1) {
		return nil, types.NewError(types.ErrUnreachable, "no operator achieves some goal fact")
	}

	open := &frontier{}
	heap.Push(open, root)
	best := map[string]float64{root.key: 0}
	seq := 0
	expansions := 0

	for open.Len() > 0 {
		if expansions%128 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		n := heap.Pop(open).(*searchNode)
		if g, ok := best[n.key]; ok && n.g > g {
			continue // stale entry
		}
		if n.state.Holds(goal) {
			logging.PlannerDebug("A* reached goal after %d expansions, cost %.2f", expansions, n.g)
			var path []*Operator
			for cur := n; cur.parent != nil; cur = cur.parent {
				path = append(path, cur.op)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path, nil
		}
		expansions++
		if expansions > p.cfg.Planner.MaxExpansions {
			return nil, types.NewError(types.ErrUnreachable, "search exceeded %d expansions", p.cfg.Planner.MaxExpansions)
		}
		for i := range ops {
			op := &ops[i]
			if !n.state.Holds(op.Preconditions) {
				continue
			}
			next := n.state.Apply(op)
			key := next.Key()
			g := n.g + op.stepCost()
			if old, ok := best[key]; ok && g >= old {
				continue
			}
			h := p.heuristic(next, goal, cheapest)
			if math.IsInf(h, 1) {
				continue
			}
			best[key] = g
			seq++
			heap.Push(open, &searchNode{state: next, key: key, g: g, f: g + h, parent: n, op: op, seq: seq})
		}
	}
	return nil, types.NewError(types.ErrUnreachable, "state space exhausted after %d expansions", expansions)
}

// planSTRIPS turns the A* path into a totally ordered step list.
func (p *Planner) planSTRIPS(ctx context.Context, start State, goal []string) ([]types.Step, error) {
	if len(goal) == 0 {
		return nil, types.NewError(types.ErrUnreachable, "goal has no desired state")
	}
	path, err := p.searchSTRIPS(ctx, start, goal)
	if err != nil {
		return nil, err
	}
	steps := make([]types.Step, 0, len(path))
	for i, op := range path {
		s := stepFromOperator(stepID(i+1), op)
		if i > 0 {
			s.Dependencies = []string{steps[i-1].ID}
		}
		steps = append(steps, s)
	}
	return steps, nil
}
