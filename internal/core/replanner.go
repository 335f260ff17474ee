package core

import (
	"context"
	"errors"
	"fmt"

	"deliberate/internal/bus"
	"deliberate/internal/logging"
	"deliberate/internal/store"
	"deliberate/internal/types"

	"github.com/google/uuid"
)

// Replan replaces plan, which must be its goal's active plan, with a new
// revision and installs it. The old plan is archived as superseded and the
// replacement is recorded in the decision history. When the goal has
// already moved past plan, the current active plan is returned unchanged.
//
// Replan serves both the execution controller and the plan monitor.
func (c *Core) Replan(ctx context.Context, plan *types.Plan, reason string) (*types.Plan, error) {
	timer := logging.StartTimer(logging.CategoryPlanner, "Replan")
	defer timer.Stop()

	unlock := c.locks.Lock(plan.GoalID)
	defer unlock()

	active, err := c.store.ActivePlan(ctx, plan.GoalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewError(types.ErrPlanCancelled, "goal has no active plan").WithGoal(plan.GoalID).WithPlan(plan.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active plan of %s: %w", plan.GoalID, err)
	}
	if active.ID != plan.ID {
		if active.Revision > plan.Revision {
			logging.Planner("Goal %s already moved from %s to %s", plan.GoalID, plan.ID, active.ID)
			return active, nil
		}
		return nil, types.NewError(types.ErrInvalidContext, "plan is not active").WithGoal(plan.GoalID).WithPlan(plan.ID)
	}
	goal, err := c.store.Goal(ctx, plan.GoalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load goal %s: %w", plan.GoalID, err)
	}

	// Step statuses on plan may be newer than the stored copy.
	from := active
	if len(plan.Steps) > 0 {
		from = plan.Clone()
	}
	next, err := c.planner.Replan(ctx, goal, from, reason)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrPlanCancelled, "replan discarded before commit").
			WithGoal(plan.GoalID).WithPlan(plan.ID).Wrap(err)
	}
	if _, err := c.store.InstallPlan(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to install plan %s: %w", next.ID, err)
	}
	c.recordReplan(ctx, goal, from, next, reason)

	logging.AuditForGoal(goal.ID).PlanEvent(logging.AuditPlanAdapted, next.ID, goal.ID, true, reason)
	c.bus.Publish(bus.Event{Topic: bus.TopicPlanAdapted, GoalID: goal.ID, PlanID: next.ID,
		Message: fmt.Sprintf("revision %d: %s", next.Revision, reason), Data: next.Clone()})
	return next.Clone(), nil
}

// recordReplan appends the replacement to the decision history so a goal's
// timeline shows each replan after the deviation that caused it.
func (c *Core) recordReplan(ctx context.Context, goal *types.Goal, old, next *types.Plan, reason string) {
	id := uuid.NewString()
	result := &types.DecisionResult{
		ID:        id,
		Timestamp: next.UpdatedAt,
		Context: types.DecisionContext{
			ID:          uuid.NewString(),
			GoalID:      goal.ID,
			Situation:   fmt.Sprintf("replan %s: %s", old.ID, reason),
			TimeHorizon: next.Horizon,
		},
		SelectedOption: types.DecisionOption{
			ID:          next.ID,
			Description: fmt.Sprintf("revision %d of goal %s", next.Revision, goal.ID),
			Confidence:  next.Confidence,
		},
		Ranking:    []string{next.ID},
		Reasoning:  reason,
		Confidence: next.Confidence,
		ExecutionPlan: types.ExecutionPlan{
			DecisionID:    id,
			PlanID:        next.ID,
			Checkpoints:   append([]types.Checkpoint(nil), next.Checkpoints...),
			Contingencies: append([]types.Contingency(nil), next.Contingencies...),
		},
	}
	if err := c.store.AppendDecision(ctx, result); err != nil {
		logging.PlannerWarn("Failed to record replan of goal %s: %v", goal.ID, err)
	}
}
