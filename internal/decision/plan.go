package decision

import (
	"fmt"
	"sort"
	"time"

	"deliberate/internal/types"
)

// DefaultMetrics are sampled for every executing decision.
var DefaultMetrics = []string{"progress", "error_rate", "schedule_slip", "cost_overrun"}

// buildExecutionPlan turns the selected option into ordered steps. Actions keep
// their dependency edges and are ordered topologically (input order breaks
// ties). An option without actions becomes a single step.
func (e *Engine) buildExecutionPlan(decisionID string, opt *types.DecisionOption) (types.ExecutionPlan, error) {
	ep := types.ExecutionPlan{DecisionID: decisionID}
	threshold := e.cfg.Decision.CheckpointUncertainty

	if len(opt.Actions) == 0 {
		unc := opt.MaxOutcomeUncertainty()
		ep.Steps = []types.Step{{
			ID:          opt.ID + "/step-1",
			Action:      firstNonEmpty(opt.Description, opt.ID),
			Order:       0,
			Status:      types.StepPending,
			Uncertainty: unc,
			Cost:        opt.ResourceCost,
		}}
	} else {
		ordered, err := topoOrder(opt.Actions)
		if err != nil {
			return ep, err
		}
		for i, a := range ordered {
			ep.Steps = append(ep.Steps, types.Step{
				ID:           a.ID,
				Action:       a.Action,
				Order:        i,
				Dependencies: append([]string(nil), a.DependsOn...),
				Status:       types.StepPending,
				Duration:     a.Duration,
				Cost:         a.Cost,
				Uncertainty:  a.Uncertainty,
			})
		}
	}

	for _, s := range ep.Steps {
		if s.Uncertainty >= threshold {
			ep.Checkpoints = append(ep.Checkpoints, types.Checkpoint{
				ID:     "cp/" + s.ID,
				StepID: s.ID,
				Reason: fmt.Sprintf("uncertainty %.2f >= %.2f", s.Uncertainty, threshold),
			})
		}
	}

	for _, b := range opt.Branches {
		c := types.Contingency{
			Trigger:           firstNonEmpty(b.Trigger, types.TriggerStepFailed),
			Condition:         b.Condition,
			Action:            b.Action,
			AlternativePlanID: b.AlternativeID,
			Probability:       b.Probability,
		}
		if c.Action == "" {
			c.Action = types.ContingencyReplan
			if b.AlternativeID == "" {
				c.Action = types.ContingencyAbort
			}
		}
		ep.Contingencies = append(ep.Contingencies, c)
	}
	return ep, nil
}

// topoOrder sorts actions so every action follows its dependencies.
func topoOrder(actions []types.OptionAction) ([]types.OptionAction, error) {
	index := make(map[string]int, len(actions))
	for i, a := range actions {
		if _, dup := index[a.ID]; dup {
			return nil, fmt.Errorf("duplicate action id %q", a.ID)
		}
		index[a.ID] = i
	}
	indeg := make([]int, len(actions))
	next := make([][]int, len(actions))
	for i, a := range actions {
		for _, d := range a.DependsOn {
			j, ok := index[d]
			if !ok {
				return nil, fmt.Errorf("action %q depends on unknown action %q", a.ID, d)
			}
			indeg[i]++
			next[j] = append(next[j], i)
		}
	}
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]types.OptionAction, 0, len(actions))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		out = append(out, actions[i])
		for _, k := range next[i] {
			indeg[k]--
			if indeg[k] == 0 {
				ready = append(ready, k)
			}
		}
	}
	if len(out) != len(actions) {
		return nil, fmt.Errorf("actions contain a dependency cycle")
	}
	return out, nil
}

func (e *Engine) buildMonitoringPlan() types.MonitoringPlan {
	period := e.cfg.GetDecisionMonitoringPeriod()
	if period <= 0 {
		period = 60 * time.Second
	}
	thresholds := make(map[string]float64, len(e.cfg.Monitor.AlertThresholds))
	for k, v := range e.cfg.Monitor.AlertThresholds {
		thresholds[k] = v
	}
	return types.MonitoringPlan{
		Metrics:         append([]string(nil), DefaultMetrics...),
		Period:          period,
		AlertThresholds: thresholds,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
