// Package ethics scores decision options against weighted ethical principles
// and screens out options below the ethical floor.
package ethics

import (
	"fmt"
	"sort"
	"sync"

	"deliberate/internal/config"
	"deliberate/internal/logging"
	"deliberate/internal/types"
)

// Principle names, used as breakdown keys.
const (
	NonMaleficence = "non_maleficence"
	Autonomy       = "autonomy"
	Fairness       = "fairness"
	Transparency   = "transparency"
)

// DefaultFloor is the minimum ethical score an option needs to stay eligible.
const DefaultFloor = 0.4

// Evaluator holds the active principle weights. Evaluate itself depends only on
// the option it is given and the weights snapshot taken at call time.
type Evaluator struct {
	mu      sync.RWMutex
	weights config.EthicsWeights
}

// NewEvaluator returns an evaluator using w, or the default weights when w is all zero.
func NewEvaluator(w config.EthicsWeights) *Evaluator {
	e := &Evaluator{}
	e.SetWeights(w)
	return e
}

// SetWeights swaps the principle weights (cultural-context reload).
func (e *Evaluator) SetWeights(w config.EthicsWeights) {
	if weightSum(w) <= 0 {
		w = config.DefaultEthicsWeights()
	}
	e.mu.Lock()
	e.weights = w
	e.mu.Unlock()
	logging.EthicsDebug("ethical weights set: nm=%.2f au=%.2f fa=%.2f tr=%.2f",
		w.NonMaleficence, w.Autonomy, w.Fairness, w.Transparency)
}

// Weights returns the active weights.
func (e *Evaluator) Weights() config.EthicsWeights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

func weightSum(w config.EthicsWeights) float64 {
	return w.NonMaleficence + w.Autonomy + w.Fairness + w.Transparency
}

// Evaluate returns the weighted ethical score of opt in [0,1] and the per-principle breakdown.
func (e *Evaluator) Evaluate(opt *types.DecisionOption) (float64, map[string]float64) {
	w := e.Weights()
	breakdown := map[string]float64{
		NonMaleficence: nonMaleficence(opt),
		Autonomy:       autonomy(opt),
		Fairness:       fairness(opt),
		Transparency:   transparency(opt),
	}
	total := w.NonMaleficence*breakdown[NonMaleficence] +
		w.Autonomy*breakdown[Autonomy] +
		w.Fairness*breakdown[Fairness] +
		w.Transparency*breakdown[Transparency]
	return types.Clamp01(total / weightSum(w)), breakdown
}

// Screen scores every option and splits them at floor. Options named by an
// approved override stay eligible regardless of score. Eligible options keep
// their input order; the returned options carry EthicalScore and EthicalBreakdown.
func (e *Evaluator) Screen(options []types.DecisionOption, floor float64, override *types.EthicalOverride) ([]types.DecisionOption, []types.ExcludedOption) {
	var eligible []types.DecisionOption
	var excluded []types.ExcludedOption
	for _, opt := range options {
		opt = opt.Clone()
		opt.EthicalScore, opt.EthicalBreakdown = e.Evaluate(&opt)
		switch {
		case opt.EthicalScore >= floor:
			eligible = append(eligible, opt)
		case override.Allows(opt.ID):
			logging.Ethics("option %s (score %.3f) re-admitted by override from %s: %s",
				opt.ID, opt.EthicalScore, override.ApprovedBy, override.Reason)
			eligible = append(eligible, opt)
		default:
			logging.EthicsDebug("option %s excluded: score %.3f below floor %.2f", opt.ID, opt.EthicalScore, floor)
			excluded = append(excluded, types.ExcludedOption{
				OptionID:     opt.ID,
				EthicalScore: opt.EthicalScore,
				Reason:       fmt.Sprintf("ethical score %.3f below floor %.2f (weakest: %s)", opt.EthicalScore, floor, weakest(opt.EthicalBreakdown)),
			})
		}
	}
	return eligible, excluded
}

func weakest(breakdown map[string]float64) string {
	names := make([]string, 0, len(breakdown))
	for k := range breakdown {
		names = append(names, k)
	}
	sort.Strings(names)
	min := ""
	for _, n := range names {
		if min == "" || breakdown[n] < breakdown[min] {
			min = n
		}
	}
	return min
}
