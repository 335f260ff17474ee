package core

import (
	"context"
	"errors"
	"fmt"

	"deliberate/internal/bus"
	"deliberate/internal/execution"
	"deliberate/internal/logging"
	"deliberate/internal/monitor"
	"deliberate/internal/store"
	"deliberate/internal/types"
)

// MakeDecision selects an option for dc and records the result.
func (c *Core) MakeDecision(ctx context.Context, dc types.DecisionContext) (*types.DecisionResult, error) {
	return c.engine.MakeDecision(ctx, dc)
}

// CreatePlan plans a goal and installs the plan as the goal's active plan.
//
// A goal that already has plans is planned from its most recent one, so the
// new plan carries completed steps forward and takes the next revision. Goals
// that depend on failed or abandoned goals are unreachable.
func (c *Core) CreatePlan(ctx context.Context, goal *types.Goal, horizon types.TimeHorizon) (*types.Plan, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "CreatePlan")
	defer timer.Stop()

	if goal == nil || goal.ID == "" {
		return nil, types.NewError(types.ErrInvalidContext, "goal has no id")
	}
	if horizon == "" {
		horizon = types.HorizonMedium
	}
	g := goal.Clone()

	unlock := c.locks.Lock(g.ID)
	defer unlock()

	stored, err := c.store.Goal(ctx, g.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		stored = nil
	case err != nil:
		return nil, fmt.Errorf("failed to load goal %s: %w", g.ID, err)
	case stored.Status.Terminal():
		return nil, types.NewError(types.ErrInvalidContext, "goal is %s", stored.Status).WithGoal(g.ID)
	}
	if err := c.checkDependencies(ctx, &g); err != nil {
		return nil, err
	}

	previous, err := c.latestPlan(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	var plan *types.Plan
	if previous == nil {
		plan, err = c.planner.CreatePlan(ctx, &g, horizon)
	} else {
		from := previous.Clone()
		from.Horizon = horizon
		plan, err = c.planner.Replan(ctx, &g, from, "new plan requested")
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrPlanCancelled, "planning discarded before commit").WithGoal(g.ID).Wrap(err)
	}

	// The goal only turns active once its plan is installed.
	if _, err := c.store.InstallPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to install plan %s: %w", plan.ID, err)
	}
	g.Status = types.GoalActive
	if stored != nil {
		g.Progress = stored.Progress
	}
	if err := c.store.SaveGoal(ctx, &g); err != nil {
		if _, aerr := c.store.ArchivePlan(ctx, g.ID, types.PlanAborted); aerr != nil {
			logging.PlannerWarn("Failed to withdraw plan %s: %v", plan.ID, aerr)
		}
		return nil, fmt.Errorf("failed to save goal %s: %w", g.ID, err)
	}

	logging.AuditForGoal(g.ID).PlanEvent(logging.AuditPlanCreated, plan.ID, g.ID, true,
		fmt.Sprintf("%d steps via %s", len(plan.Steps), plan.Strategy))
	c.bus.Publish(bus.Event{Topic: bus.TopicPlanCreated, GoalID: g.ID, PlanID: plan.ID,
		Message: fmt.Sprintf("revision %d", plan.Revision), Data: plan.Clone()})
	return plan, nil
}

func (c *Core) checkDependencies(ctx context.Context, g *types.Goal) error {
	for _, dep := range g.Dependencies {
		if dep == g.ID {
			return types.NewError(types.ErrConflictingConstraints, "goal depends on itself").WithGoal(g.ID)
		}
		d, err := c.store.Goal(ctx, dep)
		if errors.Is(err, store.ErrNotFound) {
			return types.NewError(types.ErrUnreachable, "depends on unknown goal %s", dep).WithGoal(g.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to load dependency %s: %w", dep, err)
		}
		if d.Status == types.GoalFailed || d.Status == types.GoalAbandoned {
			return types.NewError(types.ErrUnreachable, "depends on goal %s, which is %s", dep, d.Status).WithGoal(g.ID)
		}
	}
	return nil
}

// latestPlan returns the active plan of a goal, else its newest archived
// plan, else nil.
func (c *Core) latestPlan(ctx context.Context, goalID string) (*types.Plan, error) {
	active, err := c.store.ActivePlan(ctx, goalID)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load active plan of %s: %w", goalID, err)
	}
	archived, err := c.store.ArchivedPlans(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load archived plans of %s: %w", goalID, err)
	}
	if len(archived) == 0 {
		return nil, nil
	}
	return archived[len(archived)-1], nil
}

// ExecutePlan runs the active plan with the given id.
func (c *Core) ExecutePlan(ctx context.Context, planID string) (*execution.Report, error) {
	plan, err := c.store.Plan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}
	return c.controller.ExecutePlan(ctx, plan)
}

// ExecuteDecision runs a recorded decision's execution plan.
func (c *Core) ExecuteDecision(ctx context.Context, decisionID string) (*execution.Report, error) {
	result, err := c.store.Decision(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load decision %s: %w", decisionID, err)
	}
	return c.controller.ExecuteDecision(ctx, result)
}

// MonitorExecution starts the monitor loop for an active plan.
func (c *Core) MonitorExecution(ctx context.Context, planID string) (*monitor.Handle, error) {
	return c.monitor.Start(ctx, planID)
}

// CancelPlan retires a goal's active plan as cancelled. The goal stays active
// and needs a new plan to resume.
func (c *Core) CancelPlan(ctx context.Context, goalID string) (*types.Plan, error) {
	unlock := c.locks.Lock(goalID)
	defer unlock()
	archived, err := c.store.ArchivePlan(ctx, goalID, types.PlanCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel plan of %s: %w", goalID, err)
	}
	logging.Planner("Cancelled plan %s of goal %s", archived.ID, goalID)
	c.bus.Publish(bus.Event{Topic: bus.TopicPlanCancelled, GoalID: goalID, PlanID: archived.ID, Data: archived})
	return archived, nil
}

// Goal returns a stored goal.
func (c *Core) Goal(ctx context.Context, id string) (*types.Goal, error) {
	return c.store.Goal(ctx, id)
}

// History returns the decision history, filtered by goal when goalID is set.
func (c *Core) History(ctx context.Context, goalID string) ([]*types.DecisionResult, error) {
	return c.store.Decisions(ctx, goalID)
}

// PlanHistory returns a goal's active plan, if any, and its archive.
func (c *Core) PlanHistory(ctx context.Context, goalID string) (*types.Plan, []*types.Plan, error) {
	active, err := c.store.ActivePlan(ctx, goalID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}
	archived, err := c.store.ArchivedPlans(ctx, goalID)
	if err != nil {
		return nil, nil, err
	}
	return active, archived, nil
}
