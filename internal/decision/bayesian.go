package decision

import (
	"context"
	"sort"

	"deliberate/internal/logging"
	"deliberate/internal/types"
)

// Bayesian scores options by expected value under a belief over outcome labels.
// The belief starts uniform over every label the options predict and is
// updated multiplicatively by each piece of evidence. An option's outcome
// probabilities are then reweighted by posterior/prior for their label.
type Bayesian struct{}

// NewBayesian returns the strategy.
func NewBayesian() *Bayesian { return &Bayesian{} }

func (b *Bayesian) Kind() types.StrategyKind { return types.StrategyBayesian }

// outcomeLabel is the label evidence refers to: the outcome id, else its description.
func outcomeLabel(o types.Outcome) string {
	if o.ID != "" {
		return o.ID
	}
	return o.Description
}

// Belief is a normalised distribution over outcome labels.
type Belief map[string]float64

// UpdateBelief applies evidence to a uniform prior over labels and returns the
// prior and posterior. Labels an evidence item does not list take its Default
// likelihood; a Default of zero leaves those labels unchanged. Contradictory
// evidence that rules out every label falls back to the prior.
func UpdateBelief(labels []string, evidence []types.Evidence) (prior, posterior Belief) {
	prior = make(Belief, len(labels))
	posterior = make(Belief, len(labels))
	for _, l := range labels {
		prior[l] = 1 / float64(len(labels))
		posterior[l] = prior[l]
	}
	for _, ev := range evidence {
		for _, l := range labels {
			lk, ok := ev.Likelihoods[l]
			if !ok {
				lk = ev.Default
				if lk <= 0 {
					lk = 1
				}
			}
			posterior[l] *= types.Clamp01(lk)
		}
	}
	var z float64
	for _, p := range posterior {
		z += p
	}
	if z == 0 {
		logging.DecisionWarn("bayesian evidence rules out every outcome; keeping uniform prior")
		for l, p := range prior {
			posterior[l] = p
		}
		return prior, posterior
	}
	for l := range posterior {
		posterior[l] /= z
	}
	return prior, posterior
}

func (b *Bayesian) Score(ctx context.Context, dc *types.DecisionContext, options []types.DecisionOption) ([]float64, error) {
	seen := make(map[string]bool)
	var labels []string
	for i := range options {
		for _, o := range options[i].PredictedOutcomes {
			if l := outcomeLabel(o); !seen[l] {
				seen[l] = true
				labels = append(labels, l)
			}
		}
	}
	sort.Strings(labels)
	prior, posterior := UpdateBelief(labels, dc.Evidence)

	scores := make([]float64, len(options))
	for i := range options {
		outs := options[i].PredictedOutcomes
		if len(outs) == 0 {
			scores[i] = options[i].ExpectedValue
			continue
		}
		var ev, z float64
		for _, o := range outs {
			l := outcomeLabel(o)
			w := types.Clamp01(o.Probability) * posterior[l] / prior[l]
			ev += w * o.Value
			z += w
		}
		if z > 0 {
			scores[i] = ev / z
		}
	}
	return scores, nil
}
