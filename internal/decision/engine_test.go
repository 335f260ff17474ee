package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"deliberate/internal/bus"
	"deliberate/internal/config"
	"deliberate/internal/store"
	"deliberate/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Decision.MCTS.Iterations = 200
	st := store.NewMemoryStore()
	return NewEngine(cfg, nil, st), st
}

func allStrategies() []types.StrategyKind {
	return []types.StrategyKind{
		types.StrategyMCDA, types.StrategyGameTheory, types.StrategyMCTS,
		types.StrategyBayesian, types.StrategyRiskAdjusted,
	}
}

func harmfulOption(id string) types.DecisionOption {
	return types.DecisionOption{
		ID: id, Description: "cut corners", ExpectedValue: 100, Risk: 0.95, Explainability: 0.05,
		Consent: map[string]float64{"users": 0},
		PredictedOutcomes: []types.Outcome{
			{ID: "breach", Probability: 1, Value: 100, Harm: 1, Benefits: map[string]float64{"users": 0, "owner": 10}},
		},
	}
}

func TestSingleOptionSelectedByMCDA(t *testing.T) {
	e, st := newTestEngine(t)
	dc := types.DecisionContext{
		Situation: "pick a deployment",
		Strategy:  types.StrategyMCDA,
		Candidates: []types.DecisionOption{
			{ID: "x", ExpectedValue: 10, Risk: 0.1, Confidence: 0.9},
		},
	}
	res, err := e.MakeDecision(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, "x", res.SelectedOption.ID)
	assert.GreaterOrEqual(t, res.SelectedOption.EthicalScore, 0.4)

	history, err := st.Decisions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.ID, history[0].ID)
}

func TestRiskAdjustedTieBreak(t *testing.T) {
	e, _ := newTestEngine(t)
	tol := 0.2
	dc := types.DecisionContext{
		Situation:     "two equal-value options",
		Strategy:      types.StrategyRiskAdjusted,
		RiskTolerance: &tol,
		Candidates: []types.DecisionOption{
			{ID: "B", ExpectedValue: 8, Risk: 0.3},
			{ID: "A", ExpectedValue: 8, Risk: 0.1},
		},
	}
	res, err := e.MakeDecision(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, "A", res.SelectedOption.ID)
	assert.Equal(t, []string{"A", "B"}, res.Ranking)
}

func TestTieBreakOrder(t *testing.T) {
	opts := []types.DecisionOption{
		{ID: "c", Score: 1, Risk: 0.2, ResourceCost: 1},
		{ID: "b", Score: 1, Risk: 0.2, ResourceCost: 1},
		{ID: "a", Score: 1, Risk: 0.2, ResourceCost: 2},
		{ID: "d", Score: 1, Risk: 0.1, ResourceCost: 5},
		{ID: "e", Score: 2, Risk: 0.9, ResourceCost: 9},
	}
	rank(opts)
	got := make([]string, len(opts))
	for i, o := range opts {
		got[i] = o.ID
	}
	assert.Equal(t, []string{"e", "d", "b", "c", "a"}, got)
}

func TestSingleEligibleOptionSelectedByEveryStrategy(t *testing.T) {
	for _, kind := range allStrategies() {
		t.Run(string(kind), func(t *testing.T) {
			e, _ := newTestEngine(t)
			dc := types.DecisionContext{
				Situation: "only one sane choice",
				Strategy:  kind,
				Candidates: []types.DecisionOption{
					harmfulOption("bad"),
					{ID: "good", Description: "do it properly", ExpectedValue: 1, Risk: 0.2,
						PredictedOutcomes: []types.Outcome{{ID: "ok", Probability: 1, Value: 1}}},
				},
			}
			res, err := e.MakeDecision(context.Background(), dc)
			require.NoError(t, err)
			assert.Equal(t, "good", res.SelectedOption.ID)
			require.Len(t, res.Excluded, 1)
			assert.Equal(t, "bad", res.Excluded[0].OptionID)
			assert.Contains(t, res.Reasoning, "excluded bad")
		})
	}
}

func TestBelowFloorNeverSelected(t *testing.T) {
	for _, kind := range allStrategies() {
		t.Run(string(kind), func(t *testing.T) {
			e, _ := newTestEngine(t)
			dc := types.DecisionContext{
				Situation: "tempting but harmful",
				Strategy:  kind,
				Candidates: []types.DecisionOption{
					harmfulOption("top"),
					{ID: "modest", ExpectedValue: 0.5, Risk: 0.3, Description: "modest"},
					{ID: "fine", ExpectedValue: 0.6, Risk: 0.35, Description: "fine"},
				},
			}
			res, err := e.MakeDecision(context.Background(), dc)
			require.NoError(t, err)
			assert.NotEqual(t, "top", res.SelectedOption.ID)
			assert.GreaterOrEqual(t, res.SelectedOption.EthicalScore, 0.4)
			assert.NotContains(t, res.Ranking, "top")
		})
	}
}

func TestEthicallyBlocked(t *testing.T) {
	e, st := newTestEngine(t)
	b := bus.New(16)
	rec := bus.NewRecorder(b)
	e.SetPublisher(b)

	dc := types.DecisionContext{
		GoalID:     "g1",
		Situation:  "nothing acceptable",
		Candidates: []types.DecisionOption{harmfulOption("h1"), harmfulOption("h2")},
	}
	_, err := e.MakeDecision(context.Background(), dc)
	b.Close()

	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrEthicallyBlocked))
	assert.Contains(t, err.Error(), "h1")
	assert.Contains(t, err.Error(), "h2")
	te, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "g1", te.GoalID)
	assert.NotEmpty(t, te.ContextID)

	history, _ := st.Decisions(context.Background(), "")
	assert.Empty(t, history)
	assert.Equal(t, 1, rec.Count(bus.TopicDecisionStart))
	assert.Equal(t, 1, rec.Count(bus.TopicDecisionError))
	assert.Equal(t, 0, rec.Count(bus.TopicDecisionComplete))
}

func TestEthicalOverrideReadmits(t *testing.T) {
	e, _ := newTestEngine(t)
	dc := types.DecisionContext{
		Situation:  "emergency drill",
		Candidates: []types.DecisionOption{harmfulOption("h1")},
		Override:   &types.EthicalOverride{ApprovedBy: "ops-lead", Reason: "controlled drill", OptionIDs: []string{"h1"}},
	}
	res, err := e.MakeDecision(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, "h1", res.SelectedOption.ID)
	require.NotNil(t, res.Override)
	assert.Contains(t, res.Reasoning, "ethical override by ops-lead")
}

func TestInvalidContext(t *testing.T) {
	e, _ := newTestEngine(t)
	tests := []struct {
		name string
		dc   types.DecisionContext
	}{
		{"empty", types.DecisionContext{Candidates: []types.DecisionOption{{ID: "a"}}}},
		{"uncertainty", types.DecisionContext{Situation: "s", Uncertainty: 1.5}},
		{"criticality", types.DecisionContext{Goals: []string{"g"}, Criticality: -0.1}},
		{"horizon", types.DecisionContext{Constraints: []string{"c"}, TimeHorizon: "/eventually"}},
		{"strategy", types.DecisionContext{Situation: "s", Strategy: "/coin_flip", Candidates: []types.DecisionOption{{ID: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.MakeDecision(context.Background(), tt.dc)
			assert.ErrorIs(t, err, types.ErrInvalidContext)
		})
	}
}

func TestNoViableOptions(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.MakeDecision(context.Background(), types.DecisionContext{Situation: "nothing to pick"})
	assert.ErrorIs(t, err, types.ErrNoViableOptions)

	_, err = e.MakeDecision(context.Background(), types.DecisionContext{
		Situation:  "bad input",
		Candidates: []types.DecisionOption{{ID: "a", Risk: 2}, {Description: "no id"}},
	})
	assert.ErrorIs(t, err, types.ErrNoViableOptions)

	e.SetGenerator(GeneratorFunc(func(ctx context.Context, dc *types.DecisionContext) ([]types.DecisionOption, error) {
		return nil, errors.New("generator offline")
	}))
	_, err = e.MakeDecision(context.Background(), types.DecisionContext{Situation: "s"})
	assert.ErrorIs(t, err, types.ErrNoViableOptions)
	assert.Contains(t, err.Error(), "generator offline")
}

func TestExecutionPlanFromActions(t *testing.T) {
	e, _ := newTestEngine(t)
	dc := types.DecisionContext{
		Situation: "migrate",
		Candidates: []types.DecisionOption{{
			ID: "m", Description: "migrate", ExpectedValue: 1, Risk: 0.2,
			Actions: []types.OptionAction{
				{ID: "cutover", Action: "switch traffic", DependsOn: []string{"copy", "verify"}, Uncertainty: 0.6},
				{ID: "verify", Action: "verify copy", DependsOn: []string{"copy"}, Uncertainty: 0.1},
				{ID: "copy", Action: "copy data", Uncertainty: 0.4},
			},
			Branches: []types.Branch{
				{Condition: "cutover", AlternativeID: "rollback-plan", Probability: 0.2},
				{Trigger: types.TriggerStepFailed, Condition: "verify", Action: types.ContingencyRetry},
			},
		}},
	}
	res, err := e.MakeDecision(context.Background(), dc)
	require.NoError(t, err)
	ep := res.ExecutionPlan
	assert.Equal(t, res.ID, ep.DecisionID)

	order := map[string]int{}
	for _, s := range ep.Steps {
		order[s.ID] = s.Order
	}
	for _, s := range ep.Steps {
		for _, d := range s.Dependencies {
			assert.Less(t, order[d], s.Order, "%s must follow %s", s.ID, d)
		}
	}

	var cps []string
	for _, cp := range ep.Checkpoints {
		cps = append(cps, cp.StepID)
	}
	assert.ElementsMatch(t, []string{"copy", "cutover"}, cps)

	require.Len(t, ep.Contingencies, 2)
	assert.Equal(t, types.TriggerStepFailed, ep.Contingencies[0].Trigger)
	assert.Equal(t, types.ContingencyReplan, ep.Contingencies[0].Action)
	assert.Equal(t, "rollback-plan", ep.Contingencies[0].AlternativePlanID)
	assert.Equal(t, types.ContingencyRetry, ep.Contingencies[1].Action)

	assert.Equal(t, 60*time.Second, res.MonitoringPlan.Period)
	assert.NotEmpty(t, res.MonitoringPlan.AlertThresholds)
}

func TestSingleStepCheckpointFromOutcomeUncertainty(t *testing.T) {
	e, _ := newTestEngine(t)
	res, err := e.Decide(context.Background(), types.DecisionContext{
		Situation: "s",
		Candidates: []types.DecisionOption{{
			ID: "o", Description: "survey", ExpectedValue: 1, Risk: 0.1,
			PredictedOutcomes: []types.Outcome{{ID: "a", Probability: 0.5, Value: 1, Uncertainty: 0.45}, {ID: "b", Probability: 0.5, Value: 1}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, res.ExecutionPlan.Steps, 1)
	assert.Equal(t, "survey", res.ExecutionPlan.Steps[0].Action)
	require.Len(t, res.ExecutionPlan.Checkpoints, 1)
}

func TestCyclicActionsRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Decide(context.Background(), types.DecisionContext{
		Situation: "s",
		Candidates: []types.DecisionOption{{
			ID: "o", ExpectedValue: 1, Risk: 0.1,
			Actions: []types.OptionAction{{ID: "a", DependsOn: []string{"b"}}, {ID: "b", DependsOn: []string{"a"}}},
		}},
	})
	assert.ErrorIs(t, err, types.ErrInvalidContext)
}

func TestHandoffOnConfidentShortHorizon(t *testing.T) {
	tests := []struct {
		name    string
		horizon types.TimeHorizon
		conf    float64
		want    bool
	}{
		{"immediate confident", types.HorizonImmediate, 0.95, true},
		{"short confident", types.HorizonShort, 0.95, true},
		{"short unsure", types.HorizonShort, 0.7, false},
		{"long confident", types.HorizonLong, 0.95, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			called := false
			e.SetHandoff(func(ctx context.Context, r *types.DecisionResult) error {
				called = true
				return nil
			})
			_, err := e.MakeDecision(context.Background(), types.DecisionContext{
				Situation:   "s",
				TimeHorizon: tt.horizon,
				Candidates:  []types.DecisionOption{{ID: "a", Description: "a", ExpectedValue: 1, Risk: 0.05, Confidence: tt.conf}},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, called)
		})
	}
}

func TestHandoffFailureKeepsCommittedDecision(t *testing.T) {
	e, st := newTestEngine(t)
	e.SetHandoff(func(ctx context.Context, r *types.DecisionResult) error {
		return types.NewError(types.ErrStepFailed, "boom").WithStep("a/step-1")
	})
	res, err := e.MakeDecision(context.Background(), types.DecisionContext{
		Situation: "s", TimeHorizon: types.HorizonImmediate,
		Candidates: []types.DecisionOption{{ID: "a", Description: "a", ExpectedValue: 1, Risk: 0.05, Confidence: 0.99}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStepFailed)
	require.NotNil(t, res)
	got, gerr := st.Decision(context.Background(), res.ID)
	require.NoError(t, gerr)
	assert.Equal(t, res.ID, got.ID)
}

func TestTimeoutDiscardsDecision(t *testing.T) {
	e, st := newTestEngine(t)
	e.SetGenerator(GeneratorFunc(func(ctx context.Context, dc *types.DecisionContext) ([]types.DecisionOption, error) {
		<-ctx.Done()
		return []types.DecisionOption{{ID: "late", ExpectedValue: 1, Risk: 0.1}}, nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.MakeDecision(ctx, types.DecisionContext{Situation: "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	history, _ := st.Decisions(context.Background(), "")
	assert.Empty(t, history)
}

func TestDecideDoesNotRecord(t *testing.T) {
	e, st := newTestEngine(t)
	_, err := e.Decide(context.Background(), types.DecisionContext{
		Situation:  "s",
		Candidates: []types.DecisionOption{{ID: "a", ExpectedValue: 1, Risk: 0.1}},
	})
	require.NoError(t, err)
	history, _ := st.Decisions(context.Background(), "")
	assert.Empty(t, history)
}

func TestContextIsNotMutated(t *testing.T) {
	e, _ := newTestEngine(t)
	dc := types.DecisionContext{
		Situation:  "s",
		Candidates: []types.DecisionOption{{ID: "a", ExpectedValue: 1, Risk: 0.1}},
	}
	before := dc.Clone()
	_, err := e.MakeDecision(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, before, dc)
}
