// Package planner decomposes goals into scheduled, executable plans using
// hierarchical task networks, STRIPS-style A* search, or partial-order
// planning.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deliberate/internal/config"
	"deliberate/internal/logging"
	"deliberate/internal/types"

	"github.com/pmezard/go-difflib/difflib"
)

// Planner builds plans for goals against a domain.
type Planner struct {
	cfg    *config.Config
	domain *Domain
	now    func() time.Time
}

// NewPlanner creates a planner. A nil domain is valid: goals then plan
// through their subgoals only.
func NewPlanner(cfg *config.Config, domain *Domain) *Planner {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Planner{cfg: cfg, domain: domain, now: time.Now}
}

// SetClock replaces the time source.
func (p *Planner) SetClock(now func() time.Time) {
	p.now = now
}

// Domain returns the planner's world model.
func (p *Planner) Domain() *Domain {
	return p.domain
}

func (p *Planner) initialState() State {
	if p.domain == nil {
		return NewState()
	}
	return NewState(p.domain.InitialState...)
}

func (p *Planner) strategyFor(goal *types.Goal) types.PlanStrategy {
	if goal.Strategy != "" {
		return goal.Strategy
	}
	return types.PlanStrategy(p.cfg.Planner.DefaultStrategy)
}

func (p *Planner) search(ctx context.Context, strategy types.PlanStrategy, goal *types.Goal, start State) ([]types.Step, error) {
	switch strategy {
	case types.PlanSTRIPS:
		return p.planSTRIPS(ctx, start, goal.DesiredState)
	case types.PlanPOP:
		return p.planPOP(ctx, start, goal.DesiredState)
	case types.PlanHTN, "":
		return p.planHTN(ctx, goal, start)
	default:
		return nil, types.NewError(types.ErrInvalidContext, "unknown plan strategy %q", strategy)
	}
}

// CreatePlan decomposes the goal into an active plan at revision 1.
func (p *Planner) CreatePlan(ctx context.Context, goal *types.Goal, horizon types.TimeHorizon) (*types.Plan, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "CreatePlan")
	defer timer.Stop()

	if goal == nil || goal.ID == "" {
		return nil, types.NewError(types.ErrInvalidContext, "goal has no id")
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.GetPlannerTimeout())
	defer cancel()

	now := p.now()
	if goal.Deadline != nil && !goal.Deadline.After(now) {
		return nil, types.NewError(types.ErrUnreachable, "deadline %s already passed",
			goal.Deadline.Format(time.RFC3339)).WithGoal(goal.ID)
	}

	strategy := p.strategyFor(goal)
	steps, err := p.search(ctx, strategy, goal, p.initialState())
	if err != nil {
		return nil, p.planError(goal.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, p.planError(goal.ID, err)
	}

	plan, err := p.finalize(assembly{
		goal:     goal,
		horizon:  horizon,
		strategy: strategy,
		steps:    steps,
		revision: 1,
		now:      now,
	})
	if err != nil {
		return nil, p.planError(goal.ID, err)
	}

	logging.Planner("Created plan %s for goal %s: %d steps via %s, est %s / %.2f",
		plan.ID, goal.ID, len(plan.Steps), strategy, plan.EstimatedDuration, plan.EstimatedCost)
	return plan, nil
}

// Replan recomputes a plan from the world state after the old plan's done
// steps. The result keeps the goal id, carries the done steps over, bumps the
// revision, and has an UpdatedAt strictly after the old plan's.
func (p *Planner) Replan(ctx context.Context, goal *types.Goal, old *types.Plan, reason string) (*types.Plan, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "Replan")
	defer timer.Stop()

	if goal == nil || old == nil || goal.ID != old.GoalID {
		return nil, types.NewError(types.ErrInvalidContext, "replan needs the plan's own goal")
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.GetPlannerTimeout())
	defer cancel()

	logging.Planner("Replanning %s (goal %s, revision %d): %s", old.ID, goal.ID, old.Revision, reason)

	now := p.now()
	if !now.After(old.UpdatedAt) {
		now = old.UpdatedAt.Add(time.Nanosecond)
	}

	var done []types.Step
	state := p.initialState()
	for _, s := range old.Steps {
		if !s.Status.Done() {
			continue
		}
		done = append(done, s)
		if s.Status != types.StepCompleted {
			continue
		}
		if op, ok := p.domain.operator(s.Action); ok {
			state = state.Apply(op)
		} else {
			state = state.Apply(&Operator{Add: s.Effects})
		}
	}

	strategy := old.Strategy
	if strategy == "" {
		strategy = p.strategyFor(goal)
	}

	var steps []types.Step
	switch strategy {
	case types.PlanSTRIPS, types.PlanPOP:
		fresh, err := p.search(ctx, strategy, goal, state)
		if err != nil {
			return nil, p.planError(goal.ID, err)
		}
		steps = mergeCarried(done, fresh)
	default:
		// Decomposition is state-independent, so rebuild it and mark the
		// steps that already ran.
		fresh, err := p.search(ctx, strategy, goal, p.initialState())
		if err != nil {
			return nil, p.planError(goal.ID, err)
		}
		steps = markDone(fresh, done)
	}
	if err := ctx.Err(); err != nil {
		return nil, p.planError(goal.ID, err)
	}

	plan, err := p.finalize(assembly{
		goal:     goal,
		horizon:  old.Horizon,
		strategy: strategy,
		steps:    steps,
		revision: old.Revision + 1,
		now:      now,
		previous: old.Schedule,
	})
	if err != nil {
		return nil, p.planError(goal.ID, err)
	}
	plan.CreatedAt = old.CreatedAt

	if diff, err := StepDiff(old, plan); err == nil && diff != "" {
		logging.PlannerDebug("Replan diff for goal %s:\n%s", goal.ID, diff)
	}
	logging.Planner("Plan %s replaced by %s (revision %d, %d steps)", old.ID, plan.ID, plan.Revision, len(plan.Steps))
	return plan, nil
}

// mergeCarried prefixes fresh steps with the done steps, renumbering fresh
// ids that collide with carried ones.
func mergeCarried(done, fresh []types.Step) []types.Step {
	taken := make(map[string]bool, len(done))
	for _, s := range done {
		taken[s.ID] = true
	}
	rename := make(map[string]string, len(fresh))
	n := 0
	for _, s := range fresh {
		id := s.ID
		for taken[id] {
			n++
			id = stepID(len(done) + n)
		}
		taken[id] = true
		rename[s.ID] = id
	}
	out := types.CloneSteps(done)
	for _, s := range types.CloneSteps(fresh) {
		s.ID = rename[s.ID]
		for i, d := range s.Dependencies {
			s.Dependencies[i] = rename[d]
		}
		out = append(out, s)
	}
	return out
}

// markDone copies the status of done steps onto matching fresh steps,
// matching by action in order.
func markDone(fresh, done []types.Step) []types.Step {
	out := types.CloneSteps(fresh)
	used := make([]bool, len(out))
	for _, d := range done {
		for i := range out {
			if !used[i] && out[i].Action == d.Action {
				out[i].Status = d.Status
				used[i] = true
				break
			}
		}
	}
	return out
}

// StepDiff renders a unified diff between two plans' step lists.
func StepDiff(old, updated *types.Plan) (string, error) {
	lines := func(p *types.Plan) []string {
		out := make([]string, 0, len(p.Steps))
		for _, s := range p.Steps {
			out = append(out, fmt.Sprintf("%s %s %s after[%s]\n", s.ID, s.Action, s.Status, strings.Join(s.Dependencies, ",")))
		}
		return out
	}
	diff := difflib.UnifiedDiff{
		A:        lines(old),
		B:        lines(updated),
		FromFile: fmt.Sprintf("%s (rev %d)", old.ID, old.Revision),
		ToFile:   fmt.Sprintf("%s (rev %d)", updated.ID, updated.Revision),
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}

func (p *Planner) planError(goalID string, err error) error {
	if te, ok := types.AsError(err); ok {
		if te.GoalID == "" {
			te.GoalID = goalID
		}
		logging.PlannerWarn("Planning failed for goal %s: %v", goalID, te)
		return te
	}
	logging.PlannerWarn("Planning failed for goal %s: %v", goalID, err)
	return fmt.Errorf("failed to plan goal %s: %w", goalID, err)
}
