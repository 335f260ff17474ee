package decision

import (
	"context"
	"sort"

	"deliberate/internal/config"
	"deliberate/internal/types"
)

// Built-in MCDA criteria.
const (
	CriterionExpectedValue = "expected_value"
	CriterionRisk          = "risk"
	CriterionResourceCost  = "resource_cost"
	CriterionConfidence    = "confidence"
)

// MCDA is weighted-sum multi-criteria scoring over min-max normalised criteria.
type MCDA struct {
	criteria map[string]config.CriterionConfig
}

// NewMCDA returns an MCDA strategy for the configured criteria.
func NewMCDA(criteria map[string]config.CriterionConfig) *MCDA {
	if len(criteria) == 0 {
		criteria = config.DefaultConfig().Decision.Criteria
	}
	return &MCDA{criteria: criteria}
}

func (m *MCDA) Kind() types.StrategyKind { return types.StrategyMCDA }

func criterionValue(opt *types.DecisionOption, name string) float64 {
	switch name {
	case CriterionExpectedValue:
		return expectedValue(opt)
	case CriterionRisk:
		return opt.Risk
	case CriterionResourceCost:
		return opt.ResourceCost
	case CriterionConfidence:
		return confidenceOf(opt)
	default:
		return opt.Criteria[name]
	}
}

func (m *MCDA) Score(ctx context.Context, dc *types.DecisionContext, options []types.DecisionOption) ([]float64, error) {
	names := make([]string, 0, len(m.criteria))
	for name := range m.criteria {
		names = append(names, name)
	}
	sort.Strings(names)

	scores := make([]float64, len(options))
	values := make([]float64, len(options))
	for _, name := range names {
		c := m.criteria[name]
		if c.Weight == 0 {
			continue
		}
		lo, hi := 0.0, 0.0
		for i := range options {
			v := criterionValue(&options[i], name)
			values[i] = v
			if i == 0 || v < lo {
				lo = v
			}
			if i == 0 || v > hi {
				hi = v
			}
		}
		for i, v := range values {
			scores[i] += c.Weight * normalize(v, lo, hi, c.Direction == "cost")
		}
	}
	return scores, nil
}

// normalize maps v into [0,1] over [lo,hi]. A degenerate range scores 1 so a
// criterion every option shares does not separate them.
func normalize(v, lo, hi float64, cost bool) float64 {
	if hi-lo <= scoreEpsilon {
		return 1
	}
	if cost {
		return (hi - v) / (hi - lo)
	}
	return (v - lo) / (hi - lo)
}
