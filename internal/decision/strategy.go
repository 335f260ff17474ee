package decision

import (
	"context"
	"math"
	"sort"

	"deliberate/internal/types"
)

// Strategy scores a set of options. Higher is better. Scores are only compared
// within one call, so each strategy may use its own scale.
type Strategy interface {
	Kind() types.StrategyKind
	Score(ctx context.Context, dc *types.DecisionContext, options []types.DecisionOption) ([]float64, error)
}

// scoreEpsilon is the tolerance under which two scores count as tied.
const scoreEpsilon = 1e-9

// rank orders options best first: higher score, then lower risk, then lower
// resource cost, then lowest id.
func rank(options []types.DecisionOption) {
	sort.SliceStable(options, func(i, j int) bool {
		a, b := options[i], options[j]
		if math.Abs(a.Score-b.Score) > scoreEpsilon {
			return a.Score > b.Score
		}
		if a.Risk != b.Risk {
			return a.Risk < b.Risk
		}
		if a.ResourceCost != b.ResourceCost {
			return a.ResourceCost < b.ResourceCost
		}
		return a.ID < b.ID
	})
}

// expectedValue is the declared expected value, or the probability-weighted
// outcome value when only outcomes are declared.
func expectedValue(opt *types.DecisionOption) float64 {
	if opt.ExpectedValue != 0 || len(opt.PredictedOutcomes) == 0 {
		return opt.ExpectedValue
	}
	var ev, mass float64
	for _, o := range opt.PredictedOutcomes {
		ev += o.Probability * o.Value
		mass += o.Probability
	}
	if mass == 0 {
		return 0
	}
	return ev / mass
}

// confidenceOf is the option's declared confidence, or 1 - risk.
func confidenceOf(opt *types.DecisionOption) float64 {
	if opt.Confidence > 0 {
		return types.Clamp01(opt.Confidence)
	}
	return types.Clamp01(1 - opt.Risk)
}
