package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"deliberate/internal/mangle"
	"deliberate/internal/types"
)

// =============================================================================
// CONSTRAINTS
// =============================================================================

// Goal constraints use a small colon syntax:
//
//	require:X          the plan needs capability X
//	forbid:X           the plan must not use X
//	exclusive:X:Y      X and Y cannot both be required
//	min:METRIC:V       lower bound on a metric
//	max:METRIC:V       upper bound on a metric (cost and duration are enforced)
//	before:A:B         every step with action A precedes every step with action B
//
// Anything else is free text and ignored by the planner.
type bound struct {
	metric string
	value  float64
}

type constraintSet struct {
	facts  []mangle.Fact
	before [][2]string
	max    []bound
}

func parseConstraints(constraints []string) constraintSet {
	var cs constraintSet
	for _, c := range constraints {
		parts := strings.Split(c, ":")
		switch {
		case len(parts) == 2 && parts[0] == "require":
			cs.facts = append(cs.facts,
				mangle.Fact{Predicate: "constraint", Args: []interface{}{c}},
				mangle.Fact{Predicate: "requires", Args: []interface{}{c, parts[1]}})
		case len(parts) == 2 && parts[0] == "forbid":
			cs.facts = append(cs.facts,
				mangle.Fact{Predicate: "constraint", Args: []interface{}{c}},
				mangle.Fact{Predicate: "forbids", Args: []interface{}{c, parts[1]}})
		case len(parts) == 3 && parts[0] == "exclusive":
			cs.facts = append(cs.facts,
				mangle.Fact{Predicate: "exclusive", Args: []interface{}{parts[1], parts[2]}},
				mangle.Fact{Predicate: "exclusive", Args: []interface{}{parts[2], parts[1]}})
		case len(parts) == 3 && (parts[0] == "min" || parts[0] == "max"):
			v, err := strconv.ParseFloat(parts[2], 64)
			if err != nil {
				continue
			}
			pred := "lower_bound"
			if parts[0] == "max" {
				pred = "upper_bound"
				cs.max = append(cs.max, bound{metric: parts[1], value: v})
			}
			cs.facts = append(cs.facts,
				mangle.Fact{Predicate: "constraint", Args: []interface{}{c}},
				mangle.Fact{Predicate: pred, Args: []interface{}{c, parts[1], int64(v * 1000)}})
		case len(parts) == 3 && parts[0] == "before":
			cs.before = append(cs.before, [2]string{parts[1], parts[2]})
		}
	}
	return cs
}

// applyOrdering adds the dependencies implied by before: constraints.
func applyOrdering(steps []types.Step, before [][2]string) {
	for _, pair := range before {
		for i := range steps {
			if steps[i].Action != pair[1] {
				continue
			}
			for _, s := range steps {
				if s.Action == pair[0] && s.ID != steps[i].ID && !contains(steps[i].Dependencies, s.ID) {
					steps[i].Dependencies = append(steps[i].Dependencies, s.ID)
				}
			}
		}
	}
}

// checkConsistency derives constraint conflicts and dependency cycles.
func checkConsistency(cs constraintSet, steps []types.Step) error {
	facts := append([]mangle.Fact(nil), cs.facts...)
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
	}
	for _, s := range steps {
		for _, d := range s.Dependencies {
			if !known[d] {
				return types.NewError(types.ErrConflictingConstraints, "step %s depends on unknown step %s", s.ID, d)
			}
			facts = append(facts, mangle.Fact{Predicate: "depends", Args: []interface{}{s.ID, d}})
		}
	}
	if len(facts) == 0 {
		return nil
	}
	report, err := mangle.CheckPlanning(facts)
	if err != nil {
		return fmt.Errorf("failed to check plan consistency: %w", err)
	}
	if len(report.Conflicts) > 0 {
		pairs := make([]string, len(report.Conflicts))
		for i, c := range report.Conflicts {
			pairs[i] = c.A + " vs " + c.B
		}
		return types.NewError(types.ErrConflictingConstraints, "%s", strings.Join(pairs, ", "))
	}
	if len(report.Cycles) > 0 {
		return types.NewError(types.ErrConflictingConstraints, "dependency cycle through %s", strings.Join(report.Cycles, ", "))
	}
	return nil
}

// =============================================================================
// ORDERING AND SCHEDULE
// =============================================================================

// topoSort orders steps so every dependency comes first, keeping the
// current order among unrelated steps, and assigns Order from 1.
func topoSort(steps []types.Step) []types.Step {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}
	indeg := make([]int, len(steps))
	succ := make([][]int, len(steps))
	for i, s := range steps {
		for _, d := range s.Dependencies {
			j := index[d]
			succ[j] = append(succ[j], i)
			indeg[i]++
		}
	}
	var ready []int
	for i := range steps {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]types.Step, 0, len(steps))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		s := steps[i]
		s.Order = len(out) + 1
		out = append(out, s)
		for _, j := range succ[i] {
			indeg[j]--
			if indeg[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	return out
}

// schedule assigns each step the earliest window after its dependencies.
// Done steps keep their previous window when one is known.
func schedule(steps []types.Step, now time.Time, previous map[string]types.Window) (map[string]types.Window, time.Time) {
	windows := make(map[string]types.Window, len(steps))
	end := now
	for _, s := range steps {
		if s.Status.Done() {
			w, ok := previous[s.ID]
			if !ok {
				w = types.Window{Start: now, End: now}
			}
			windows[s.ID] = w
			continue
		}
		start := now
		for _, d := range s.Dependencies {
			if w := windows[d]; w.End.After(start) {
				start = w.End
			}
		}
		w := types.Window{Start: start, End: start.Add(s.Duration)}
		windows[s.ID] = w
		if w.End.After(end) {
			end = w.End
		}
	}
	return windows, end
}

// planID hashes the goal id, revision, and step actions.
func planID(goalID string, revision int, steps []types.Step) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d", goalID, revision)
	for _, s := range steps {
		h.Write([]byte{'|'})
		h.Write([]byte(s.Action))
	}
	return "plan-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// =============================================================================
// ASSEMBLY
// =============================================================================

type assembly struct {
	goal     *types.Goal
	horizon  types.TimeHorizon
	strategy types.PlanStrategy
	steps    []types.Step
	revision int
	now      time.Time
	previous map[string]types.Window
}

// finalize validates the steps against the goal's constraints and deadline
// and assembles the plan.
func (p *Planner) finalize(a assembly) (*types.Plan, error) {
	cs := parseConstraints(a.goal.Constraints)
	applyOrdering(a.steps, cs.before)
	if err := checkConsistency(cs, a.steps); err != nil {
		return nil, err
	}

	steps := topoSort(a.steps)
	defaultDuration := p.cfg.GetDefaultStepDuration()
	var total time.Duration
	var cost, uncertainty float64
	for i := range steps {
		if steps[i].Duration <= 0 {
			steps[i].Duration = defaultDuration
		}
		if steps[i].Status == "" {
			steps[i].Status = types.StepPending
		}
		total += steps[i].Duration
		cost += steps[i].Cost
		uncertainty += steps[i].Uncertainty
	}

	windows, end := schedule(steps, a.now, a.previous)
	if a.goal.Deadline != nil && end.After(*a.goal.Deadline) {
		return nil, types.NewError(types.ErrUnreachable, "schedule ends %s, after deadline %s",
			end.Format(time.RFC3339), a.goal.Deadline.Format(time.RFC3339))
	}
	for _, b := range cs.max {
		switch b.metric {
		case "cost":
			if cost > b.value {
				return nil, types.NewError(types.ErrUnreachable, "estimated cost %.2f exceeds bound %.2f", cost, b.value)
			}
		case "duration":
			if total.Seconds() > b.value {
				return nil, types.NewError(types.ErrUnreachable, "estimated duration %s exceeds bound %.0fs", total, b.value)
			}
		}
	}

	threshold := p.cfg.Decision.CheckpointUncertainty
	var contingencies []types.Contingency
	var checkpoints []types.Checkpoint
	for _, s := range steps {
		if s.Status.Done() {
			continue
		}
		contingencies = append(contingencies, types.Contingency{
			Trigger:     types.TriggerStepFailed,
			Condition:   s.ID,
			Action:      types.ContingencyRetry,
			Probability: s.Uncertainty,
		})
		if s.Uncertainty >= threshold {
			contingencies = append(contingencies, types.Contingency{
				Trigger:     types.TriggerStepFailed,
				Condition:   s.ID,
				Action:      types.ContingencyReplan,
				Probability: s.Uncertainty,
			})
			checkpoints = append(checkpoints, types.Checkpoint{
				ID:     "cp/" + s.ID,
				StepID: s.ID,
				Reason: fmt.Sprintf("uncertainty %.2f", s.Uncertainty),
			})
		}
	}

	thresholds := make(map[string]float64, len(p.cfg.Monitor.AlertThresholds))
	metrics := []string{"progress"}
	for k, v := range p.cfg.Monitor.AlertThresholds {
		thresholds[k] = v
		if k != "progress" {
			metrics = append(metrics, k)
		}
	}
	sort.Strings(metrics[1:])

	confidence := 1.0
	if len(steps) > 0 {
		confidence = types.Clamp01(1 - uncertainty/float64(len(steps)))
	}

	horizon := a.horizon
	if horizon == "" {
		horizon = types.HorizonMedium
	}

	return &types.Plan{
		ID:            planID(a.goal.ID, a.revision, steps),
		GoalID:        a.goal.ID,
		Horizon:       horizon,
		Strategy:      a.strategy,
		Revision:      a.revision,
		Status:        types.PlanActive,
		Steps:         steps,
		Schedule:      windows,
		Contingencies: contingencies,
		Checkpoints:   checkpoints,
		Monitoring: types.Monitoring{
			Metrics:         metrics,
			Frequency:       p.cfg.GetMonitorPeriod(),
			AlertThresholds: thresholds,
		},
		Adaptation: types.AdaptationPolicy{
			DeviationTolerance: p.cfg.Monitor.DeviationTolerance,
		},
		EstimatedDuration: total,
		EstimatedCost:     cost,
		Confidence:        confidence,
		CreatedAt:         a.now,
		UpdatedAt:         a.now,
	}, nil
}
