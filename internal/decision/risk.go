package decision

import (
	"context"

	"deliberate/internal/types"
)

// RiskAdjusted scores utility = expectedValue - (1 - riskTolerance) * risk.
type RiskAdjusted struct {
	tolerance float64
}

// NewRiskAdjusted returns the strategy with a default tolerance used when the
// context does not carry one.
func NewRiskAdjusted(tolerance float64) *RiskAdjusted {
	return &RiskAdjusted{tolerance: types.Clamp01(tolerance)}
}

func (r *RiskAdjusted) Kind() types.StrategyKind { return types.StrategyRiskAdjusted }

func (r *RiskAdjusted) Score(ctx context.Context, dc *types.DecisionContext, options []types.DecisionOption) ([]float64, error) {
	tol := r.tolerance
	if dc.RiskTolerance != nil {
		tol = types.Clamp01(*dc.RiskTolerance)
	}
	scores := make([]float64, len(options))
	for i := range options {
		scores[i] = expectedValue(&options[i]) - (1-tol)*options[i].Risk
	}
	return scores, nil
}
