package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"deliberate/internal/bus"
	"deliberate/internal/config"
	"deliberate/internal/execution"
	"deliberate/internal/learning"
	"deliberate/internal/monitor"
	"deliberate/internal/store"
	"deliberate/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingRunner struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingRunner) RunStep(_ context.Context, step types.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, step.Action)
	return nil
}

func (r *recordingRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.actions...)
}

type harness struct {
	core      *Core
	rec       *bus.Recorder
	runner    *recordingRunner
	collector *learning.Collector
}

func newHarness(t *testing.T, mutate func(*config.Config, *Options)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Monitor.Period = "5ms"
	cfg.Decision.MCTS.Iterations = 100
	h := &harness{runner: &recordingRunner{}, collector: &learning.Collector{}}
	opts := Options{
		Config: cfg,
		Runner: h.runner,
		Sinks:  []learning.Sink{h.collector},
	}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	h.core = c
	h.rec = bus.NewRecorder(c.Bus())
	return h
}

func launchGoal() *types.Goal {
	return &types.Goal{
		ID:          "launch",
		Type:        types.GoalAchievement,
		Description: "ship the release",
		Subgoals: []types.Goal{
			{ID: "build", Duration: 10 * time.Minute, Cost: 2},
			{ID: "test", Duration: 20 * time.Minute, Cost: 1, Dependencies: []string{"build"}},
			{ID: "ship", Duration: 5 * time.Minute, Cost: 1, Dependencies: []string{"test"}},
		},
	}
}

func TestPlanAndExecuteGoal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	plan, err := h.core.CreatePlan(ctx, launchGoal(), types.HorizonMedium)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Revision)
	assert.Equal(t, 35*time.Minute, plan.EstimatedDuration)
	assert.InDelta(t, 4, plan.EstimatedCost, 1e-9)

	goal, err := h.core.Goal(ctx, "launch")
	require.NoError(t, err)
	assert.Equal(t, types.GoalActive, goal.Status)

	report, err := h.core.ExecutePlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, report.Status)
	assert.Equal(t, []string{"build", "test", "ship"}, h.runner.ran())

	goal, err = h.core.Goal(ctx, "launch")
	require.NoError(t, err)
	assert.Equal(t, types.GoalAchieved, goal.Status)
	assert.Equal(t, 100.0, goal.Progress)

	active, archived, err := h.core.PlanHistory(ctx, "launch")
	require.NoError(t, err)
	assert.Nil(t, active)
	require.Len(t, archived, 1)
	assert.Equal(t, types.PlanCompleted, archived[0].Status)

	require.NoError(t, h.core.Close())
	assert.Equal(t, 1, h.rec.Count(bus.TopicPlanCreated))
	assert.Equal(t, 1, h.rec.Count(bus.TopicPlanCompleted))
	assert.Equal(t, 3, h.rec.Count(bus.TopicStepCompleted))

	var topics []string
	for _, fb := range h.collector.Feedback() {
		topics = append(topics, fb.Topic)
	}
	assert.ElementsMatch(t, []string{string(bus.TopicPlanCompleted), string(bus.TopicExecutionCompleted)}, topics)
}

func TestMonitorReplansOnceThenAchievesGoal(t *testing.T) {
	var mu sync.Mutex
	samples := 0
	source := monitor.MetricSourceFunc(func(_ context.Context, plan *types.Plan) (map[string]float64, error) {
		mu.Lock()
		defer mu.Unlock()
		samples++
		switch {
		case samples == 1:
			return map[string]float64{"progress": 10, "error_rate": 0.5}, nil
		case samples < 4:
			return map[string]float64{"progress": 50, "error_rate": 0}, nil
		default:
			return map[string]float64{"progress": 100, "error_rate": 0}, nil
		}
	})
	h := newHarness(t, func(_ *config.Config, o *Options) { o.Metrics = source })
	ctx := context.Background()

	goal := launchGoal()
	goal.SuccessCriteria = []types.SuccessCriterion{{Metric: "progress", Value: 100}}
	plan, err := h.core.CreatePlan(ctx, goal, types.HorizonLong)
	require.NoError(t, err)

	handle, err := h.core.MonitorExecution(ctx, plan.ID)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	outcome, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, monitor.OutcomeAchieved, outcome)

	_, archived, err := h.core.PlanHistory(ctx, "launch")
	require.NoError(t, err)
	require.Len(t, archived, 2)
	assert.Equal(t, plan.ID, archived[0].ID)
	assert.Equal(t, types.PlanSuperseded, archived[0].Status)
	assert.Equal(t, 2, archived[1].Revision)
	assert.Equal(t, types.PlanCompleted, archived[1].Status)
	assert.Equal(t, "launch", archived[1].GoalID)
	assert.True(t, archived[1].UpdatedAt.After(plan.UpdatedAt))

	history, err := h.core.History(ctx, "launch")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, archived[1].ID, history[0].SelectedOption.ID)
	assert.Contains(t, history[0].Reasoning, "error_rate")

	require.NoError(t, h.core.Close())
	assert.Equal(t, 1, h.rec.Count(bus.TopicPlanReplanning))
	assert.Equal(t, 1, h.rec.Count(bus.TopicPlanAdapted))
	assert.Equal(t, 1, h.rec.Count(bus.TopicPlanCompleted))
}

func TestCancelledPlanNeedsNewPlan(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.core.CreatePlan(ctx, launchGoal(), types.HorizonMedium)
	require.NoError(t, err)
	cancelled, err := h.core.CancelPlan(ctx, "launch")
	require.NoError(t, err)
	assert.Equal(t, types.PlanCancelled, cancelled.Status)

	_, err = h.core.ExecutePlan(ctx, first.ID)
	assert.ErrorIs(t, err, types.ErrPlanCancelled)

	second, err := h.core.CreatePlan(ctx, launchGoal(), types.HorizonMedium)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Revision)

	goal, err := h.core.Goal(ctx, "launch")
	require.NoError(t, err)
	assert.Equal(t, types.GoalActive, goal.Status)
}

func TestCreatePlanChecksGoal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	st := h.core.Store()
	require.NoError(t, st.SaveGoal(ctx, &types.Goal{ID: "dead", Status: types.GoalFailed}))
	require.NoError(t, st.SaveGoal(ctx, &types.Goal{ID: "done", Status: types.GoalAchieved}))

	tests := []struct {
		name string
		goal *types.Goal
		kind error
	}{
		{"no id", &types.Goal{}, types.ErrInvalidContext},
		{"failed dependency", &types.Goal{ID: "g1", Dependencies: []string{"dead"}}, types.ErrUnreachable},
		{"unknown dependency", &types.Goal{ID: "g2", Dependencies: []string{"ghost"}}, types.ErrUnreachable},
		{"self dependency", &types.Goal{ID: "g3", Dependencies: []string{"g3"}}, types.ErrConflictingConstraints},
		{"achieved goal", &types.Goal{ID: "done"}, types.ErrInvalidContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.core.CreatePlan(ctx, tt.goal, types.HorizonShort)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

// refusingStore rejects every plan installation.
type refusingStore struct {
	store.Store
}

func (refusingStore) InstallPlan(context.Context, *types.Plan) (*types.Plan, error) {
	return nil, errors.New("disk full")
}

func TestFailedInstallLeavesGoalUntouched(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.SaveGoal(ctx, &types.Goal{ID: "launch", Status: types.GoalPending}))

	h := newHarness(t, func(_ *config.Config, o *Options) { o.Store = refusingStore{st} })

	_, err := h.core.CreatePlan(ctx, launchGoal(), types.HorizonMedium)
	require.ErrorContains(t, err, "disk full")
	goal, err := st.Goal(ctx, "launch")
	require.NoError(t, err)
	assert.Equal(t, types.GoalPending, goal.Status)

	other := launchGoal()
	other.ID = "fresh"
	_, err = h.core.CreatePlan(ctx, other, types.HorizonMedium)
	require.Error(t, err)
	_, err = st.Goal(ctx, "fresh")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, h.core.Close())
	assert.Zero(t, h.rec.Count(bus.TopicPlanCreated))
}

func TestConfidentDecisionIsHandedOff(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.core.MakeDecision(ctx, types.DecisionContext{
		Situation:   "roll out the fix",
		TimeHorizon: types.HorizonImmediate,
		Candidates: []types.DecisionOption{
			{ID: "deploy", Description: "deploy now", ExpectedValue: 1, Risk: 0.05, Confidence: 0.95},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "deploy", res.SelectedOption.ID)
	assert.Equal(t, []string{"deploy now"}, h.runner.ran())

	history, err := h.core.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, history, 1)

	report, err := h.core.ExecuteDecision(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, report.Status)
	assert.Equal(t, res.ID, report.DecisionID)
}

func TestEthicalWeightsReloadFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deliberate.yaml")
	initial := config.DefaultConfig()
	require.NoError(t, initial.Save(path))

	h := newHarness(t, func(_ *config.Config, o *Options) { o.ConfigPath = path })
	assert.Equal(t, config.DefaultEthicsWeights(), h.core.Engine().Evaluator().Weights())

	strict := config.EthicsWeights{NonMaleficence: 3, Autonomy: 1, Fairness: 1, Transparency: 1}
	updated := config.DefaultConfig()
	updated.Ethics.Profiles["strict"] = strict
	updated.Ethics.CulturalContext = "strict"
	require.NoError(t, updated.Save(path))

	require.Eventually(t, func() bool {
		return h.core.Engine().Evaluator().Weights() == strict
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGoalLocksSerialiseWriters(t *testing.T) {
	locks := newGoalLocks()
	var wg sync.WaitGroup
	var mu sync.Mutex
	inside, peak := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("g")
			defer unlock()
			mu.Lock()
			inside++
			if inside > peak {
				peak = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)

	a := locks.Lock("a")
	b := locks.Lock("b")
	b()
	a()
}
