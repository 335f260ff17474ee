package ethics

import (
	"math"
	"math/rand"
	"testing"

	"deliberate/internal/config"
	"deliberate/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateDefaultWeights(t *testing.T) {
	e := NewEvaluator(config.EthicsWeights{})
	assert.Equal(t, config.DefaultEthicsWeights(), e.Weights())

	opt := &types.DecisionOption{ID: "x", ExpectedValue: 10, Risk: 0.1}
	score, breakdown := e.Evaluate(opt)

	assert.InDelta(t, 0.9, breakdown[NonMaleficence], 1e-9)
	assert.Equal(t, 1.0, breakdown[Autonomy])
	assert.Equal(t, 1.0, breakdown[Fairness])
	assert.Equal(t, 0.5, breakdown[Transparency])
	want := (1.5*0.9 + 1.2*1 + 1.0*1 + 0.8*0.5) / 4.5
	assert.InDelta(t, want, score, 1e-9)
}

func TestPrinciples(t *testing.T) {
	tests := []struct {
		name      string
		opt       types.DecisionOption
		principle string
		want      float64
	}{
		{
			name: "expected harm",
			opt: types.DecisionOption{PredictedOutcomes: []types.Outcome{
				{Probability: 0.5, Harm: 0.8},
				{Probability: 0.5, Harm: 0},
			}},
			principle: NonMaleficence,
			want:      0.6,
		},
		{
			name:      "mean consent",
			opt:       types.DecisionOption{Consent: map[string]float64{"a": 1, "b": 0.5, "c": 0}},
			principle: Autonomy,
			want:      0.5,
		},
		{
			name: "equal benefit is fair",
			opt: types.DecisionOption{PredictedOutcomes: []types.Outcome{
				{Probability: 1, Benefits: map[string]float64{"a": 2, "b": 2}},
			}},
			principle: Fairness,
			want:      1,
		},
		{
			name: "one party takes everything",
			opt: types.DecisionOption{PredictedOutcomes: []types.Outcome{
				{Probability: 1, Benefits: map[string]float64{"a": 0, "b": 4}},
			}},
			principle: Fairness,
			want:      0.5,
		},
		{
			name:      "declared explainability",
			opt:       types.DecisionOption{Explainability: 0.3},
			principle: Transparency,
			want:      0.3,
		},
		{
			name: "described with outcomes",
			opt: types.DecisionOption{Description: "d", PredictedOutcomes: []types.Outcome{
				{Probability: 1},
			}},
			principle: Transparency,
			want:      1,
		},
	}
	e := NewEvaluator(config.DefaultEthicsWeights())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, breakdown := e.Evaluate(&tt.opt)
			assert.InDelta(t, tt.want, breakdown[tt.principle], 1e-9)
		})
	}
}

func TestScoreAlwaysInUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e := NewEvaluator(config.DefaultEthicsWeights())
	for i := 0; i < 500; i++ {
		opt := types.DecisionOption{
			Risk:           rng.Float64()*3 - 1,
			Explainability: rng.Float64()*2 - 0.5,
			Consent:        map[string]float64{"a": rng.Float64()*2 - 0.5},
		}
		for j := 0; j < rng.Intn(4); j++ {
			opt.PredictedOutcomes = append(opt.PredictedOutcomes, types.Outcome{
				Probability: rng.Float64()*2 - 0.5,
				Harm:        rng.Float64()*2 - 0.5,
				Benefits:    map[string]float64{"a": rng.NormFloat64(), "b": rng.NormFloat64()},
			})
		}
		score, breakdown := e.Evaluate(&opt)
		require.False(t, math.IsNaN(score))
		require.GreaterOrEqual(t, score, 0.0)
		require.LessOrEqual(t, score, 1.0)
		for k, v := range breakdown {
			require.GreaterOrEqual(t, v, 0.0, k)
			require.LessOrEqual(t, v, 1.0, k)
		}
	}
}

func TestEvaluateIsPure(t *testing.T) {
	e := NewEvaluator(config.DefaultEthicsWeights())
	opt := types.DecisionOption{ID: "a", Risk: 0.3, Consent: map[string]float64{"u": 0.7}}
	before := opt.Clone()
	s1, _ := e.Evaluate(&opt)
	s2, _ := e.Evaluate(&opt)
	assert.Equal(t, s1, s2)
	assert.Equal(t, before, opt)
}

func TestSetWeightsChangesScore(t *testing.T) {
	e := NewEvaluator(config.DefaultEthicsWeights())
	opt := types.DecisionOption{Risk: 0.9, Explainability: 1}
	before, _ := e.Evaluate(&opt)
	e.SetWeights(config.EthicsWeights{Transparency: 1})
	after, _ := e.Evaluate(&opt)
	assert.Less(t, before, after)
	assert.Equal(t, 1.0, after)
}

func TestScreen(t *testing.T) {
	e := NewEvaluator(config.DefaultEthicsWeights())
	harmful := types.DecisionOption{
		ID: "harm", Risk: 1, Explainability: 0.01,
		Consent: map[string]float64{"u": 0},
		PredictedOutcomes: []types.Outcome{
			{Probability: 1, Harm: 1, Benefits: map[string]float64{"u": 0, "v": 1}},
		},
	}
	safe := types.DecisionOption{ID: "safe", Risk: 0.1, Description: "safe"}

	eligible, excluded := e.Screen([]types.DecisionOption{harmful, safe}, DefaultFloor, nil)
	require.Len(t, eligible, 1)
	assert.Equal(t, "safe", eligible[0].ID)
	assert.Greater(t, eligible[0].EthicalScore, DefaultFloor)
	assert.NotEmpty(t, eligible[0].EthicalBreakdown)
	require.Len(t, excluded, 1)
	assert.Equal(t, "harm", excluded[0].OptionID)
	assert.Less(t, excluded[0].EthicalScore, DefaultFloor)
	assert.Contains(t, excluded[0].Reason, "below floor")

	// Input options are not modified.
	assert.Zero(t, harmful.EthicalScore)

	// An override without an approver is ignored; with one it re-admits the named option.
	_, excluded = e.Screen([]types.DecisionOption{harmful}, DefaultFloor, &types.EthicalOverride{OptionIDs: []string{"harm"}})
	assert.Len(t, excluded, 1)
	eligible, excluded = e.Screen([]types.DecisionOption{harmful}, DefaultFloor,
		&types.EthicalOverride{ApprovedBy: "operator", Reason: "drill", OptionIDs: []string{"harm"}})
	assert.Len(t, eligible, 1)
	assert.Empty(t, excluded)
}
