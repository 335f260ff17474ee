package ethics

import (
	"sort"

	"deliberate/internal/types"
)

// nonMaleficence is 1 minus the probability-weighted harm of the predicted
// outcomes. Without outcomes the option's overall risk stands in for harm.
func nonMaleficence(opt *types.DecisionOption) float64 {
	if len(opt.PredictedOutcomes) == 0 {
		return types.Clamp01(1 - opt.Risk)
	}
	var harm, mass float64
	for _, o := range opt.PredictedOutcomes {
		p := types.Clamp01(o.Probability)
		harm += p * types.Clamp01(o.Harm)
		mass += p
	}
	if mass == 0 {
		return types.Clamp01(1 - opt.Risk)
	}
	return types.Clamp01(1 - harm/mass)
}

// autonomy is the mean consent of the stakeholders the option affects.
func autonomy(opt *types.DecisionOption) float64 {
	if len(opt.Consent) == 0 {
		return 1
	}
	var sum float64
	for _, c := range opt.Consent {
		sum += types.Clamp01(c)
	}
	return sum / float64(len(opt.Consent))
}

// fairness is 1 minus the Gini coefficient of expected per-stakeholder benefit.
func fairness(opt *types.DecisionOption) float64 {
	expected := make(map[string]float64)
	for _, o := range opt.PredictedOutcomes {
		p := types.Clamp01(o.Probability)
		for who, b := range o.Benefits {
			expected[who] += p * b
		}
	}
	if len(expected) < 2 {
		return 1
	}
	values := make([]float64, 0, len(expected))
	for _, v := range expected {
		if v < 0 {
			v = 0
		}
		values = append(values, v)
	}
	return types.Clamp01(1 - gini(values))
}

// gini computes the Gini coefficient of non-negative values using the sorted
// form G = (2 Σ i·x_i) / (n Σ x_i) − (n+1)/n.
func gini(values []float64) float64 {
	sort.Float64s(values)
	n := float64(len(values))
	var sum, weighted float64
	for i, v := range values {
		sum += v
		weighted += float64(i+1) * v
	}
	if sum == 0 {
		return 0
	}
	return (2*weighted)/(n*sum) - (n+1)/n
}

// transparency is the declared explainability, or how much of the option's
// reasoning is on record when none is declared.
func transparency(opt *types.DecisionOption) float64 {
	if opt.Explainability > 0 {
		return types.Clamp01(opt.Explainability)
	}
	t := 0.5
	if opt.Description != "" {
		t += 0.25
	}
	if len(opt.PredictedOutcomes) > 0 {
		t += 0.25
	}
	return t
}
