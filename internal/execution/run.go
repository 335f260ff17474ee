package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"deliberate/internal/bus"
	"deliberate/internal/logging"
	"deliberate/internal/store"
	"deliberate/internal/types"
)

// finalWriteTimeout bounds the bookkeeping done after a run ends, which must
// happen even when the run's own context was cancelled.
const finalWriteTimeout = 5 * time.Second

// run is the mutable state of one execution.
type run struct {
	goalID        string
	decisionID    string
	plan          *types.Plan // nil when executing a bare decision
	owningPlanID  string
	steps         []types.Step
	checkpoints   []types.Checkpoint
	contingencies []types.Contingency
	attempts      map[string]int
	replans       int
}

func (r *run) key() string {
	if r.goalID != "" {
		return r.goalID
	}
	return r.decisionID
}

func (r *run) planID() string {
	if r.plan != nil {
		return r.plan.ID
	}
	return r.owningPlanID
}

func (r *run) status(id string) (types.StepStatus, bool) {
	for _, s := range r.steps {
		if s.ID == id {
			return s.Status, true
		}
	}
	return "", false
}

func (r *run) checkpoint(stepID string) (types.Checkpoint, bool) {
	for _, cp := range r.checkpoints {
		if cp.StepID == stepID {
			return cp, true
		}
	}
	return types.Checkpoint{}, false
}

// matching returns the step-failure contingencies that apply to step, in
// declaration order. A condition matches the step id, the action, "*", or
// any substring of the error text; an empty condition matches everything.
func (r *run) matching(step *types.Step, err error) []types.Contingency {
	var out []types.Contingency
	for _, ct := range r.contingencies {
		if ct.Trigger != types.TriggerStepFailed {
			continue
		}
		switch {
		case ct.Condition == "", ct.Condition == "*", ct.Condition == step.ID, ct.Condition == step.Action:
			out = append(out, ct)
		case err != nil && strings.Contains(err.Error(), ct.Condition):
			out = append(out, ct)
		}
	}
	return out
}

// sortSteps orders steps by Order when every step carries one.
func sortSteps(steps []types.Step) {
	for _, s := range steps {
		if s.Order <= 0 {
			return
		}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
}

func (r *run) adopt(p *types.Plan) {
	done := make(map[string]types.Step, len(r.steps))
	for _, s := range r.steps {
		if s.Status.Done() {
			done[s.ID] = s
		}
	}
	r.plan = p.Clone()
	r.steps = r.plan.Steps
	for i := range r.steps {
		if prev, ok := done[r.steps[i].ID]; ok && prev.Action == r.steps[i].Action && !r.steps[i].Status.Done() {
			r.steps[i].Status = prev.Status
		}
		if r.steps[i].Status == types.StepRunning || r.steps[i].Status == types.StepFailed {
			r.steps[i].Status = types.StepPending
		}
	}
	sortSteps(r.steps)
	r.checkpoints = r.plan.Checkpoints
	r.contingencies = r.plan.Contingencies
}

// =============================================================================
// ENTRY POINTS
// =============================================================================

// ExecutePlan runs an active plan to completion, abort, or failure. The
// report is always returned; err is the report's error.
func (c *Controller) ExecutePlan(ctx context.Context, plan *types.Plan) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryExecution, "ExecutePlan")
	defer timer.Stop()

	if plan == nil || plan.ID == "" {
		return nil, types.NewError(types.ErrInvalidContext, "no plan to execute")
	}
	switch plan.Status {
	case "", types.PlanActive, types.PlanPending:
	case types.PlanCancelled:
		return nil, types.NewError(types.ErrPlanCancelled, "plan was cancelled").WithGoal(plan.GoalID).WithPlan(plan.ID)
	default:
		return nil, types.NewError(types.ErrInvalidContext, "plan is %s", plan.Status).WithGoal(plan.GoalID).WithPlan(plan.ID)
	}

	r := &run{goalID: plan.GoalID, attempts: make(map[string]int)}
	r.adopt(plan)
	logging.Execution("Executing plan %s for goal %s (%d steps)", plan.ID, plan.GoalID, len(r.steps))
	c.activateGoal(ctx, r)

	report := c.execute(ctx, r)
	return report, report.Err
}

// ExecuteDecision runs a decision's execution plan.
func (c *Controller) ExecuteDecision(ctx context.Context, result *types.DecisionResult) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryExecution, "ExecuteDecision")
	defer timer.Stop()

	if result == nil {
		return nil, types.NewError(types.ErrInvalidContext, "no decision to execute")
	}
	ep := result.ExecutionPlan
	r := &run{
		goalID:        result.Context.GoalID,
		decisionID:    result.ID,
		owningPlanID:  ep.PlanID,
		steps:         types.CloneSteps(ep.Steps),
		checkpoints:   append([]types.Checkpoint(nil), ep.Checkpoints...),
		contingencies: append([]types.Contingency(nil), ep.Contingencies...),
		attempts:      make(map[string]int),
	}
	for i := range r.steps {
		if r.steps[i].Status == "" {
			r.steps[i].Status = types.StepPending
		}
	}
	sortSteps(r.steps)
	logging.Execution("Executing decision %s (option %s, %d steps)", result.ID, result.SelectedOption.ID, len(r.steps))

	report := c.execute(ctx, r)
	return report, report.Err
}

// =============================================================================
// STEP LOOP
// =============================================================================

type recovery int

const (
	recoverNone recovery = iota
	recoverRetry
	recoverSkip
	recoverReplanned
	recoverAbort
)

func (c *Controller) execute(ctx context.Context, r *run) *Report {
	var estimated time.Duration
	var cost float64
	for _, s := range r.steps {
		estimated += s.Duration
		cost += s.Cost
	}
	c.tracker.begin(r.key(), r.steps, estimated, cost)

	for i := 0; i < len(r.steps); {
		if err := ctx.Err(); err != nil {
			return c.finish(ctx, r, StatusAborted, c.cancelled(r, err))
		}
		step := &r.steps[i]
		if step.Status.Done() {
			i++
			continue
		}

		for _, dep := range step.Dependencies {
			st, ok := r.status(dep)
			if !ok || st != types.StepCompleted {
				if !ok {
					st = "missing"
				}
				err := types.NewError(types.ErrDependencyUnmet, "step %s needs %s, which is %s", step.ID, dep, st).
					WithGoal(r.goalID).WithPlan(r.planID()).WithStep(step.ID)
				return c.finish(ctx, r, StatusAborted, err)
			}
		}

		step.Status = types.StepRunning
		err := c.runStep(ctx, r, step)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				step.Status = types.StepPending
				return c.finish(ctx, r, StatusAborted, c.cancelled(r, ctxErr))
			}
			step.Status = types.StepFailed
			outcome, ferr := c.recover(ctx, r, step, err)
			switch outcome {
			case recoverRetry:
				step.Status = types.StepPending
			case recoverSkip:
				step.Status = types.StepSkipped
				c.tracker.skipped(r.key())
				if c.persist(ctx, r) {
					i = 0
				} else {
					i++
				}
			case recoverReplanned:
				i = 0
			case recoverAbort:
				return c.finish(ctx, r, StatusAborted, ferr)
			default:
				return c.finish(ctx, r, StatusFailed, ferr)
			}
			continue
		}

		step.Status = types.StepCompleted
		if c.persist(ctx, r) {
			i = 0
			continue
		}

		if cp, ok := r.checkpoint(step.ID); ok {
			switch c.verify(ctx, cp, *step) {
			case VerdictAbort:
				err := types.NewError(types.ErrPlanCancelled, "checkpoint %s aborted execution", cp.ID).
					WithGoal(r.goalID).WithPlan(r.planID()).WithStep(step.ID)
				return c.finish(ctx, r, StatusAborted, err)
			case VerdictAdapt:
				if err := c.replan(ctx, r, fmt.Sprintf("checkpoint %s requested adaptation", cp.ID)); err != nil {
					logging.ExecutionWarn("Checkpoint %s asked to adapt but replanning failed, continuing: %v", cp.ID, err)
				} else {
					i = 0
					continue
				}
			}
		}
		i++
	}
	return c.finish(ctx, r, StatusCompleted, nil)
}

func (c *Controller) runStep(ctx context.Context, r *run, step *types.Step) error {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.GetStepTimeout())
	defer cancel()

	r.attempts[step.ID]++
	start := time.Now()
	var err error
	_, _, decider, _ := c.deps()
	switch {
	case strings.HasPrefix(step.Action, DecisionPrefix) && decider != nil:
		var res *types.DecisionResult
		res, err = decider.MakeDecision(stepCtx, types.DecisionContext{
			GoalID:      r.goalID,
			Situation:   strings.TrimPrefix(step.Action, DecisionPrefix),
			TimeHorizon: types.HorizonImmediate,
		})
		if err == nil {
			logging.Execution("Step %s decided %s (decision %s)", step.ID, res.SelectedOption.ID, res.ID)
		}
	case c.runner == nil:
		err = fmt.Errorf("no step runner configured")
	default:
		err = c.runner.RunStep(stepCtx, *step)
	}
	took := time.Since(start)
	c.tracker.attempt(r.key(), *step, took, err)

	if err != nil {
		logging.ExecutionWarn("Step %s (%s) attempt %d failed: %v", step.ID, step.Action, r.attempts[step.ID], err)
		c.emit(bus.Event{Topic: bus.TopicStepFailed, GoalID: r.goalID, PlanID: r.planID(), DecisionID: r.decisionID,
			StepID: step.ID, Message: err.Error()})
		logging.AuditForGoal(r.goalID).StepEvent(logging.AuditStepFailed, r.planID(), step.ID, took, err.Error())
		return err
	}
	logging.ExecutionDebug("Step %s (%s) completed in %s", step.ID, step.Action, took)
	c.emit(bus.Event{Topic: bus.TopicStepCompleted, GoalID: r.goalID, PlanID: r.planID(), DecisionID: r.decisionID,
		StepID: step.ID, Message: step.Action})
	logging.AuditForGoal(r.goalID).StepEvent(logging.AuditStepCompleted, r.planID(), step.ID, took, "")
	return nil
}

// recover applies the first usable contingency. A retry whose cap is spent
// and a replan that cannot be performed fall through to the next match.
func (c *Controller) recover(ctx context.Context, r *run, step *types.Step, cause error) (recovery, error) {
	failed := func(format string, args ...interface{}) error {
		return types.NewError(types.ErrStepFailed, format, args...).
			WithGoal(r.goalID).WithPlan(r.planID()).WithStep(step.ID).Wrap(cause)
	}
	for _, ct := range r.matching(step, cause) {
		switch ct.Action {
		case types.ContingencyRetry:
			if r.attempts[step.ID] <= c.cfg.Execution.MaxRetries {
				logging.ExecutionDebug("Retrying step %s (attempt %d of %d)", step.ID, r.attempts[step.ID]+1, c.cfg.Execution.MaxRetries+1)
				return recoverRetry, nil
			}
		case types.ContingencySkip:
			logging.ExecutionWarn("Skipping failed step %s", step.ID)
			return recoverSkip, nil
		case types.ContingencyReplan:
			if err := c.replan(ctx, r, fmt.Sprintf("step %s failed: %v", step.ID, cause)); err != nil {
				logging.ExecutionWarn("Contingency replan for step %s failed: %v", step.ID, err)
				continue
			}
			return recoverReplanned, nil
		case types.ContingencyAbort:
			return recoverAbort, failed("step %s (%s) failed and its contingency aborts the run", step.ID, step.Action)
		}
	}
	return recoverNone, failed("step %s (%s) failed with no applicable contingency", step.ID, step.Action)
}

func (c *Controller) verify(ctx context.Context, cp types.Checkpoint, step types.Step) Verdict {
	handler, _, _, _ := c.deps()
	if handler == nil {
		return VerdictContinue
	}
	v, err := handler.Verify(ctx, cp, step)
	if err != nil {
		logging.ExecutionWarn("Checkpoint %s verification failed, aborting: %v", cp.ID, err)
		return VerdictAbort
	}
	logging.ExecutionDebug("Checkpoint %s after step %s: %s", cp.ID, step.ID, v)
	return v
}

// replan asks the replanner for a successor of the owning plan and resumes
// from its steps.
func (c *Controller) replan(ctx context.Context, r *run, reason string) error {
	_, replanner, _, _ := c.deps()
	if replanner == nil {
		return errors.New("no replanner configured")
	}
	owning := r.plan
	if owning == nil && r.owningPlanID != "" && c.store != nil {
		p, err := c.store.Plan(ctx, r.owningPlanID)
		if err != nil {
			return fmt.Errorf("failed to load owning plan: %w", err)
		}
		owning = p
	}
	if owning == nil {
		return errors.New("execution has no owning plan")
	}
	if limit := c.replanLimit(owning); r.replans >= limit {
		return fmt.Errorf("replan budget of %d spent", limit)
	}

	snapshot := owning.Clone()
	if r.plan != nil {
		snapshot.Steps = types.CloneSteps(r.steps)
	}
	c.emit(bus.Event{Topic: bus.TopicPlanReplanning, GoalID: snapshot.GoalID, PlanID: snapshot.ID, Message: reason})
	next, err := replanner.Replan(ctx, snapshot, reason)
	if err != nil {
		return err
	}
	r.adopt(next)
	r.replans++
	c.tracker.begin(r.key(), r.steps, next.EstimatedDuration, next.EstimatedCost)
	logging.Execution("Resuming goal %s on plan %s (revision %d)", r.goalID, next.ID, next.Revision)
	return nil
}

// replanLimit is the plan's own replan cap, else the configured one.
func (c *Controller) replanLimit(p *types.Plan) int {
	if p.Adaptation.MaxReplans > 0 {
		return p.Adaptation.MaxReplans
	}
	return c.cfg.Execution.MaxReplans
}

func (c *Controller) cancelled(r *run, cause error) error {
	return types.NewError(types.ErrPlanCancelled, "execution cancelled").
		WithGoal(r.goalID).WithPlan(r.planID()).Wrap(cause)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func (c *Controller) activateGoal(ctx context.Context, r *run) {
	if c.store == nil || r.goalID == "" {
		return
	}
	_, _, _, locker := c.deps()
	unlock := locker.Lock(r.goalID)
	defer unlock()
	g, err := c.store.Goal(ctx, r.goalID)
	if err != nil {
		return
	}
	if g.Status == types.GoalPending || g.Status == "" {
		g.Status = types.GoalActive
		if err := c.store.SaveGoal(ctx, g); err != nil {
			logging.ExecutionWarn("Failed to activate goal %s: %v", r.goalID, err)
		}
	}
}

// persist writes step statuses and goal progress. It reports true when the
// goal's active plan was replaced underneath the run, in which case the run
// has adopted the replacement and must restart its scan.
func (c *Controller) persist(ctx context.Context, r *run) bool {
	if c.store == nil || r.plan == nil {
		return false
	}
	_, _, _, locker := c.deps()
	unlock := locker.Lock(r.goalID)
	defer unlock()

	active, err := c.store.ActivePlan(ctx, r.goalID)
	if err != nil {
		logging.ExecutionWarn("Plan %s is no longer active: %v", r.plan.ID, err)
		return false
	}
	if active.ID != r.plan.ID {
		logging.Execution("Goal %s moved to plan %s during execution, adopting it", r.goalID, active.ID)
		r.adopt(active)
		r.replans++
		c.tracker.begin(r.key(), r.steps, active.EstimatedDuration, active.EstimatedCost)
		c.writeProgress(ctx, r)
		return true
	}
	c.writeProgress(ctx, r)
	return false
}

// writeProgress must be called with the goal lock held.
func (c *Controller) writeProgress(ctx context.Context, r *run) {
	plan := r.plan.Clone()
	plan.Steps = types.CloneSteps(r.steps)
	if now := time.Now(); now.After(plan.UpdatedAt) {
		plan.UpdatedAt = now
	}
	if err := c.store.UpdatePlan(ctx, plan); err != nil {
		logging.ExecutionWarn("Failed to record progress of plan %s: %v", plan.ID, err)
		return
	}
	r.plan.UpdatedAt = plan.UpdatedAt

	progress := plan.CompletedFraction() * 100
	if g, err := c.store.Goal(ctx, r.goalID); err == nil && g.AdvanceProgress(progress) {
		if err := c.store.SaveGoal(ctx, g); err != nil {
			logging.ExecutionWarn("Failed to record progress of goal %s: %v", r.goalID, err)
		}
	}
	c.emit(bus.Event{Topic: bus.TopicPlanProgress, GoalID: r.goalID, PlanID: plan.ID,
		Message: fmt.Sprintf("%.0f%%", progress), Data: progress})
}

func (c *Controller) finish(ctx context.Context, r *run, status Status, err error) *Report {
	report := &Report{
		Status:     status,
		GoalID:     r.goalID,
		PlanID:     r.planID(),
		DecisionID: r.decisionID,
		Steps:      make(map[string]types.StepStatus, len(r.steps)),
		Attempts:   r.attempts,
		Replans:    r.replans,
		Err:        err,
	}
	for _, s := range r.steps {
		report.Steps[s.ID] = s.Status
	}

	ev := bus.Event{GoalID: r.goalID, PlanID: r.planID(), DecisionID: r.decisionID, Data: report}
	switch status {
	case StatusCompleted:
		logging.Execution("Execution of %s completed (%d steps, %d replans)", r.key(), len(r.steps), r.replans)
		ev.Topic = bus.TopicExecutionCompleted
	case StatusAborted:
		logging.ExecutionWarn("Execution of %s aborted: %v", r.key(), err)
		ev.Topic = bus.TopicExecutionAborted
		ev.Message = err.Error()
		logging.AuditForGoal(r.goalID).PlanEvent(logging.AuditExecAborted, r.planID(), r.goalID, false, err.Error())
	default:
		logging.ExecutionError("Execution of %s failed: %v", r.key(), err)
		ev.Topic = bus.TopicExecutionFailed
		ev.Message = err.Error()
	}

	if c.store != nil && r.plan != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
		defer cancel()
		c.settle(wctx, r, status, err)
	}
	c.emit(ev)
	return report
}

// settle moves the plan and goal records to their final state.
func (c *Controller) settle(ctx context.Context, r *run, status Status, cause error) {
	_, _, _, locker := c.deps()
	unlock := locker.Lock(r.goalID)
	defer unlock()

	active, err := c.store.ActivePlan(ctx, r.goalID)
	if err != nil || active.ID != r.plan.ID {
		logging.ExecutionDebug("Plan %s already retired, leaving records as they are", r.plan.ID)
		return
	}
	c.writeProgress(ctx, r)

	goal, gerr := c.store.Goal(ctx, r.goalID)
	if gerr != nil && !errors.Is(gerr, store.ErrNotFound) {
		logging.ExecutionWarn("Failed to load goal %s: %v", r.goalID, gerr)
	}

	var planStatus types.PlanStatus
	var goalStatus types.GoalStatus
	topic := bus.TopicPlanFailed
	audit := logging.AuditPlanFailed
	switch {
	case status == StatusCompleted:
		if goal != nil && len(goal.SuccessCriteria) > 0 {
			// The monitor decides achievement against the success criteria.
			return
		}
		planStatus, goalStatus = types.PlanCompleted, types.GoalAchieved
		topic, audit = bus.TopicPlanCompleted, logging.AuditPlanCompleted
	case status == StatusFailed, errors.Is(cause, types.ErrDependencyUnmet):
		planStatus, goalStatus = types.PlanFailed, types.GoalFailed
	case errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded):
		planStatus = types.PlanCancelled
		topic = bus.TopicPlanCancelled
	default:
		planStatus = types.PlanAborted
	}

	archived, err := c.store.ArchivePlan(ctx, r.goalID, planStatus)
	if err != nil {
		logging.ExecutionWarn("Failed to archive plan %s: %v", r.plan.ID, err)
		return
	}
	if goal != nil && goalStatus != "" {
		goal.Status = goalStatus
		if goalStatus == types.GoalAchieved {
			goal.Progress = 100
		}
		if err := c.store.SaveGoal(ctx, goal); err != nil {
			logging.ExecutionWarn("Failed to update goal %s: %v", r.goalID, err)
		}
	}
	msg := string(planStatus)
	if cause != nil {
		msg = cause.Error()
	}
	logging.AuditForGoal(r.goalID).PlanEvent(audit, archived.ID, r.goalID, status == StatusCompleted, msg)
	c.emit(bus.Event{Topic: topic, GoalID: r.goalID, PlanID: archived.ID, Message: msg, Data: archived})
}
