package decision

import (
	"context"
	"math"
	"math/rand"

	"deliberate/internal/config"
	"deliberate/internal/logging"
	"deliberate/internal/types"

	"golang.org/x/sync/errgroup"
)

// MCTS scores options by Monte Carlo tree search. Decision nodes choose an
// option by UCB1, chance nodes sample one of its predicted outcomes, and the
// search repeats the decision after each non-terminal outcome up to MaxDepth.
// Workers build independent trees (root parallelisation) whose root statistics
// are summed, so the result depends only on the seed.
type MCTS struct {
	cfg config.MCTSConfig
}

// NewMCTS returns the strategy with defaults filled in.
func NewMCTS(cfg config.MCTSConfig) *MCTS {
	if cfg.Iterations <= 0 {
		cfg.Iterations = 500
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 5
	}
	if cfg.Exploration <= 0 {
		cfg.Exploration = math.Sqrt2
	}
	if cfg.Discount <= 0 || cfg.Discount > 1 {
		cfg.Discount = 0.9
	}
	return &MCTS{cfg: cfg}
}

func (m *MCTS) Kind() types.StrategyKind { return types.StrategyMCTS }

type mctsNode struct {
	visits   float64
	total    float64
	children []*mctsNode // decision node: one per option; chance node: one per outcome
}

type rootStats struct {
	visits []float64
	total  []float64
}

func (m *MCTS) Score(ctx context.Context, dc *types.DecisionContext, options []types.DecisionOption) ([]float64, error) {
	outcomes := make([][]types.Outcome, len(options))
	for i := range options {
		outcomes[i] = chanceOutcomes(&options[i])
	}

	workers := m.cfg.Workers
	if workers > m.cfg.Iterations {
		workers = m.cfg.Iterations
	}
	stats := make([]rootStats, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		iters := m.cfg.Iterations / workers
		if w < m.cfg.Iterations%workers {
			iters++
		}
		g.Go(func() error {
			t := &mctsTree{
				cfg:      m.cfg,
				outcomes: outcomes,
				rng:      rand.New(rand.NewSource(m.cfg.Seed + int64(w)*7919)),
				root:     &mctsNode{},
			}
			for i := 0; i < iters; i++ {
				if i%64 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				t.iterate()
			}
			st := rootStats{visits: make([]float64, len(options)), total: make([]float64, len(options))}
			for i, c := range t.root.children {
				st.visits[i] = c.visits
				st.total[i] = c.total
			}
			stats[w] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	visits := make([]float64, len(options))
	means := make([]float64, len(options))
	var all float64
	for i := range options {
		var total float64
		for _, st := range stats {
			visits[i] += st.visits[i]
			total += st.total[i]
		}
		if visits[i] > 0 {
			means[i] = total / visits[i]
		}
		all += visits[i]
	}
	lo, hi := means[0], means[0]
	for _, v := range means {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	scores := make([]float64, len(options))
	for i := range options {
		share := 0.0
		if all > 0 {
			share = visits[i] / all
		}
		scores[i] = share * normalize(means[i], lo, hi, false)
	}
	logging.DecisionDebug("mcts: %d iterations over %d workers, visits=%v", m.cfg.Iterations, workers, visits)
	return scores, nil
}

// chanceOutcomes returns the outcome distribution of an option, or a single
// certain outcome worth its expected value.
func chanceOutcomes(opt *types.DecisionOption) []types.Outcome {
	var out []types.Outcome
	for _, o := range opt.PredictedOutcomes {
		if o.Probability > 0 {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []types.Outcome{{ID: opt.ID, Probability: 1, Value: opt.ExpectedValue, Terminal: true}}
	}
	return out
}

type mctsTree struct {
	cfg      config.MCTSConfig
	outcomes [][]types.Outcome
	rng      *rand.Rand
	root     *mctsNode
}

// iterate runs one selection / expansion / rollout / backpropagation pass.
func (t *mctsTree) iterate() {
	t.descend(t.root, 0)
}

// descend returns the discounted value obtained from a decision node at depth.
func (t *mctsTree) descend(node *mctsNode, depth int) float64 {
	if node.children == nil {
		node.children = make([]*mctsNode, len(t.outcomes))
		for i := range node.children {
			node.children[i] = &mctsNode{}
		}
	}
	i := t.selectUCB(node)
	chance := node.children[i]

	var value float64
	if chance.visits == 0 && node != t.root {
		// Expansion stops at the first unvisited child; estimate by rollout.
		value = t.rollout(i, depth)
	} else {
		value = t.stepChance(chance, i, depth)
	}

	chance.visits++
	chance.total += value
	node.visits++
	node.total += value
	return value
}

// stepChance samples an outcome of option i and continues the search below it.
func (t *mctsTree) stepChance(chance *mctsNode, i, depth int) float64 {
	outs := t.outcomes[i]
	if chance.children == nil {
		chance.children = make([]*mctsNode, len(outs))
		for k := range chance.children {
			chance.children[k] = &mctsNode{}
		}
	}
	k := t.sample(outs)
	o := outs[k]
	if o.Terminal || depth+1 >= t.cfg.MaxDepth {
		return o.Value
	}
	return o.Value + t.cfg.Discount*t.descend(chance.children[k], depth+1)
}

// rollout plays option i and then random options to the depth limit.
func (t *mctsTree) rollout(i, depth int) float64 {
	value, discount := 0.0, 1.0
	for d := depth; d < t.cfg.MaxDepth; d++ {
		o := t.outcomes[i][t.sample(t.outcomes[i])]
		value += discount * o.Value
		if o.Terminal {
			break
		}
		discount *= t.cfg.Discount
		i = t.rng.Intn(len(t.outcomes))
	}
	return value
}

func (t *mctsTree) selectUCB(node *mctsNode) int {
	best, bestVal := 0, math.Inf(-1)
	for i, c := range node.children {
		if c.visits == 0 {
			return i
		}
		v := c.total/c.visits + t.cfg.Exploration*math.Sqrt(math.Log(node.visits)/c.visits)
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	return best
}

func (t *mctsTree) sample(outs []types.Outcome) int {
	var mass float64
	for _, o := range outs {
		mass += o.Probability
	}
	r := t.rng.Float64() * mass
	for k, o := range outs {
		r -= o.Probability
		if r <= 0 {
			return k
		}
	}
	return len(outs) - 1
}
