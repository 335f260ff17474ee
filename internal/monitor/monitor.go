// Package monitor watches a goal's active plan on a fixed period. Each tick it
// samples metrics, replans when they drift past the plan's alert thresholds,
// and otherwise decides whether the goal has been achieved or has missed its
// deadline.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"deliberate/internal/bus"
	"deliberate/internal/config"
	"deliberate/internal/logging"
	"deliberate/internal/store"
	"deliberate/internal/types"
)

// MetricSource samples the metrics of a running plan.
type MetricSource interface {
	Sample(ctx context.Context, plan *types.Plan) (map[string]float64, error)
}

// MetricSourceFunc adapts a function to MetricSource.
type MetricSourceFunc func(ctx context.Context, plan *types.Plan) (map[string]float64, error)

func (f MetricSourceFunc) Sample(ctx context.Context, plan *types.Plan) (map[string]float64, error) {
	return f(ctx, plan)
}

// Replanner replaces an active plan and returns its installed successor.
type Replanner interface {
	Replan(ctx context.Context, plan *types.Plan, reason string) (*types.Plan, error)
}

// Locker serialises writes to one goal's records.
type Locker interface {
	Lock(goalID string) (unlock func())
}

type noLock struct{}

func (noLock) Lock(string) func() { return func() {} }

// Monitor runs one background loop per monitored goal.
type Monitor struct {
	cfg    *config.Config
	store  store.Store
	source MetricSource

	mu        sync.RWMutex
	replanner Replanner
	publisher bus.Publisher
	locker    Locker
	now       func() time.Time

	hmu     sync.Mutex
	handles map[string]*Handle
}

// New creates a monitor reading plans from st and metrics from source.
func New(cfg *config.Config, st store.Store, source MetricSource) *Monitor {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Monitor{
		cfg:     cfg,
		store:   st,
		source:  source,
		locker:  noLock{},
		now:     time.Now,
		handles: make(map[string]*Handle),
	}
}

// SetReplanner wires plan adaptation. Without one deviations are only logged.
func (m *Monitor) SetReplanner(r Replanner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replanner = r
}

// SetPublisher wires the event bus.
func (m *Monitor) SetPublisher(p bus.Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// SetLocker wires per-goal write serialisation.
func (m *Monitor) SetLocker(l Locker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l == nil {
		l = noLock{}
	}
	m.locker = l
}

// SetClock replaces the clock used for deadline checks.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Monitor) deps() (Replanner, bus.Publisher, Locker, func() time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.replanner, m.publisher, m.locker, m.now
}

func (m *Monitor) emit(ev bus.Event) {
	_, p, _, _ := m.deps()
	bus.Emit(p, ev)
}

// =============================================================================
// HANDLES
// =============================================================================

// Outcome is how a monitor loop ended.
type Outcome string

const (
	OutcomeRunning  Outcome = "/running"
	OutcomeAchieved Outcome = "/achieved"
	OutcomeFailed   Outcome = "/failed"
	OutcomeStopped  Outcome = "/stopped"
	// OutcomeRetired means the plan left the active table through another
	// path, usually the execution controller settling it.
	OutcomeRetired Outcome = "/retired"
)

// Handle controls one monitor loop. A stopped loop cannot be restarted.
type Handle struct {
	GoalID string
	PlanID string // plan the loop started on

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	outcome  Outcome
	err      error
	replans  int
	baseline map[string]float64 // deviations already answered by a replan
	handled  map[string]bool    // plans whose deadline contingency was applied
}

// Stop cancels the loop and waits for it to exit.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed when the loop exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the loop's outcome, OutcomeRunning while it runs.
func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Err returns the error that ended the loop, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Replans returns how many replans the loop has triggered.
func (h *Handle) Replans() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replans
}

// Wait blocks until the loop exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.Outcome(), h.Err()
	case <-ctx.Done():
		return OutcomeRunning, ctx.Err()
	}
}

func (h *Handle) settle(o Outcome, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcome == OutcomeRunning {
		h.outcome = o
		h.err = err
	}
}

// =============================================================================
// LOOP
// =============================================================================

// Start launches the monitor loop for an active plan. A goal already being
// monitored returns its existing handle.
func (m *Monitor) Start(ctx context.Context, planID string) (*Handle, error) {
	plan, err := m.store.Plan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}
	active, err := m.store.ActivePlan(ctx, plan.GoalID)
	if err != nil || active.ID != planID {
		return nil, types.NewError(types.ErrInvalidContext, "plan %s is %s, not active", planID, plan.Status).
			WithGoal(plan.GoalID).WithPlan(planID)
	}

	m.hmu.Lock()
	defer m.hmu.Unlock()
	if h, ok := m.handles[plan.GoalID]; ok {
		return h, nil
	}

	period := active.Monitoring.Frequency
	if period <= 0 {
		period = m.cfg.GetMonitorPeriod()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		GoalID:   plan.GoalID,
		PlanID:   planID,
		cancel:   cancel,
		done:     make(chan struct{}),
		outcome:  OutcomeRunning,
		baseline: make(map[string]float64),
		handled:  make(map[string]bool),
	}
	m.handles[plan.GoalID] = h
	logging.Monitor("Monitoring goal %s on plan %s every %s", plan.GoalID, planID, period)

	go m.loop(loopCtx, h, period)
	return h, nil
}

// StopAll stops every running loop.
func (m *Monitor) StopAll() {
	m.hmu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.hmu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
}

func (m *Monitor) loop(ctx context.Context, h *Handle, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	defer func() {
		m.hmu.Lock()
		if m.handles[h.GoalID] == h {
			delete(m.handles, h.GoalID)
		}
		m.hmu.Unlock()
		h.cancel()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			h.settle(OutcomeStopped, nil)
			logging.MonitorDebug("Monitor for goal %s stopped", h.GoalID)
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, period)
			done := m.tick(tickCtx, h)
			cancel()
			if done {
				return
			}
		}
	}
}

// tick runs one sampling round and reports whether the loop should exit.
func (m *Monitor) tick(ctx context.Context, h *Handle) bool {
	active, err := m.store.ActivePlan(ctx, h.GoalID)
	if errors.Is(err, store.ErrNotFound) {
		return m.retired(ctx, h)
	}
	if err != nil {
		logging.MonitorWarn("Failed to load active plan of goal %s: %v", h.GoalID, err)
		return false
	}
	goal, err := m.store.Goal(ctx, h.GoalID)
	if err != nil {
		logging.MonitorWarn("Failed to load goal %s: %v", h.GoalID, err)
		return false
	}
	if goal.Status.Terminal() {
		h.settle(outcomeFor(goal.Status), nil)
		return true
	}

	metrics, err := m.source.Sample(ctx, active)
	if err != nil {
		logging.MonitorWarn("Sampling plan %s failed: %v", active.ID, err)
		return false
	}
	logging.MonitorDebug("Plan %s sample: %v", active.ID, metrics)
	m.recordProgress(ctx, active, metrics)

	thresholds := active.Monitoring.AlertThresholds
	if len(thresholds) == 0 {
		thresholds = m.cfg.Monitor.AlertThresholds
	}
	devs := Deviations(metrics, thresholds)
	if worst, ok := m.exceeds(h, active, devs); ok {
		return m.adapt(ctx, h, active, devs, fmt.Sprintf("deviation on %s", worst))
	}

	if len(goal.SuccessCriteria) > 0 && criteriaMet(goal.SuccessCriteria, metrics) {
		return m.conclude(ctx, h, active.ID, true, "success criteria met")
	}

	_, _, _, now := m.deps()
	if goal.Deadline != nil && now().After(*goal.Deadline) {
		return m.deadlineMissed(ctx, h, active)
	}
	return false
}

// exceeds reports the worst metric whose deviation is past tolerance and
// worse than the deviation an earlier replan already answered. A metric back
// within tolerance forgets its answered deviation, so a later spike counts
// as new.
func (m *Monitor) exceeds(h *Handle, plan *types.Plan, devs map[string]float64) (string, bool) {
	tolerance := plan.Adaptation.DeviationTolerance
	h.mu.Lock()
	defer h.mu.Unlock()
	worst, top := "", tolerance
	for _, metric := range sortedKeys(devs) {
		d := devs[metric]
		if d <= tolerance {
			delete(h.baseline, metric)
			continue
		}
		if d > top && d > h.baseline[metric] {
			worst, top = metric, d
		}
	}
	return worst, worst != ""
}

func (m *Monitor) recordProgress(ctx context.Context, plan *types.Plan, metrics map[string]float64) {
	progress, ok := metrics["progress"]
	if !ok {
		progress = plan.CompletedFraction() * 100
	}
	_, _, locker, _ := m.deps()
	unlock := locker.Lock(plan.GoalID)
	defer unlock()
	goal, err := m.store.Goal(ctx, plan.GoalID)
	if err != nil || goal.Status != types.GoalActive || !goal.AdvanceProgress(progress) {
		return
	}
	if err := m.store.SaveGoal(ctx, goal); err != nil {
		logging.MonitorWarn("Failed to record progress of goal %s: %v", goal.ID, err)
		return
	}
	m.emit(bus.Event{Topic: bus.TopicPlanProgress, GoalID: goal.ID, PlanID: plan.ID,
		Message: fmt.Sprintf("%.0f%%", goal.Progress), Data: goal.Progress})
}

// adapt asks the replanner for a successor. The replanner installs it and
// announces plan:adapted; the monitor announces plan:replanning.
func (m *Monitor) adapt(ctx context.Context, h *Handle, plan *types.Plan, devs map[string]float64, reason string) bool {
	replanner, _, _, _ := m.deps()
	if replanner == nil {
		logging.MonitorWarn("Plan %s needs adapting (%s) but no replanner is configured", plan.ID, reason)
		m.answered(h, devs)
		return false
	}
	if limit := plan.Adaptation.MaxReplans; limit > 0 && h.Replans() >= limit {
		return m.conclude(ctx, h, plan.ID, false, fmt.Sprintf("%s after %d replans", reason, limit))
	}

	logging.Monitor("Replanning goal %s: %s", plan.GoalID, reason)
	m.emit(bus.Event{Topic: bus.TopicPlanReplanning, GoalID: plan.GoalID, PlanID: plan.ID, Message: reason, Data: devs})
	logging.AuditForGoal(plan.GoalID).PlanEvent(logging.AuditPlanReplanning, plan.ID, plan.GoalID, true, reason)

	next, err := replanner.Replan(ctx, plan, reason)
	if err != nil {
		logging.MonitorWarn("Replanning goal %s failed: %v", plan.GoalID, err)
		return false
	}
	m.answered(h, devs)
	h.mu.Lock()
	h.replans++
	h.mu.Unlock()
	logging.Monitor("Goal %s now follows plan %s (revision %d)", plan.GoalID, next.ID, next.Revision)
	return false
}

func (m *Monitor) answered(h *Handle, devs map[string]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for metric, d := range devs {
		if d > h.baseline[metric] {
			h.baseline[metric] = d
		}
	}
}

func (m *Monitor) deadlineMissed(ctx context.Context, h *Handle, plan *types.Plan) bool {
	var ct *types.Contingency
	for i := range plan.Contingencies {
		if plan.Contingencies[i].Trigger == types.TriggerDeadlineMissed {
			ct = &plan.Contingencies[i]
			break
		}
	}
	if ct == nil {
		return m.conclude(ctx, h, plan.ID, false, "deadline passed")
	}

	h.mu.Lock()
	seen := h.handled[plan.ID]
	h.handled[plan.ID] = true
	h.mu.Unlock()
	if seen {
		if ct.Action == types.ContingencyReplan {
			return m.conclude(ctx, h, plan.ID, false, "deadline passed and replanning did not recover")
		}
		return false
	}

	switch ct.Action {
	case types.ContingencyReplan:
		return m.adapt(ctx, h, plan, nil, "deadline passed")
	case types.ContingencyAbort:
		return m.conclude(ctx, h, plan.ID, false, "deadline passed")
	default:
		logging.MonitorWarn("Goal %s is past its deadline, continuing under contingency %s", plan.GoalID, ct.Action)
		return false
	}
}

// conclude archives the plan and settles the goal. It declines, and keeps the
// loop running, when the plan was replaced since it was sampled.
func (m *Monitor) conclude(ctx context.Context, h *Handle, planID string, achieved bool, reason string) bool {
	_, _, locker, _ := m.deps()
	unlock := locker.Lock(h.GoalID)
	active, err := m.store.ActivePlan(ctx, h.GoalID)
	if err != nil || active.ID != planID {
		unlock()
		return false
	}

	planStatus, goalStatus := types.PlanFailed, types.GoalFailed
	topic, audit := bus.TopicPlanFailed, logging.AuditPlanFailed
	if achieved {
		planStatus, goalStatus = types.PlanCompleted, types.GoalAchieved
		topic, audit = bus.TopicPlanCompleted, logging.AuditPlanCompleted
	}
	archived, err := m.store.ArchivePlan(ctx, h.GoalID, planStatus)
	if err != nil {
		unlock()
		logging.MonitorWarn("Failed to archive plan %s: %v", planID, err)
		return false
	}
	if goal, err := m.store.Goal(ctx, h.GoalID); err == nil {
		goal.Status = goalStatus
		if achieved {
			goal.Progress = 100
		}
		if err := m.store.SaveGoal(ctx, goal); err != nil {
			logging.MonitorWarn("Failed to update goal %s: %v", h.GoalID, err)
		}
	}
	unlock()

	logging.Monitor("Goal %s %s: %s", h.GoalID, strings.TrimPrefix(string(goalStatus), "/"), reason)
	logging.AuditForGoal(h.GoalID).PlanEvent(audit, archived.ID, h.GoalID, achieved, reason)
	m.emit(bus.Event{Topic: topic, GoalID: h.GoalID, PlanID: archived.ID, Message: reason, Data: archived})

	if achieved {
		h.settle(OutcomeAchieved, nil)
	} else {
		h.settle(OutcomeFailed, types.NewError(types.ErrUnreachable, "%s", reason).WithGoal(h.GoalID).WithPlan(planID))
	}
	return true
}

func (m *Monitor) retired(ctx context.Context, h *Handle) bool {
	goal, err := m.store.Goal(ctx, h.GoalID)
	if err == nil && goal.Status.Terminal() {
		h.settle(outcomeFor(goal.Status), nil)
	} else {
		h.settle(OutcomeRetired, nil)
	}
	logging.MonitorDebug("Goal %s has no active plan, monitor exiting", h.GoalID)
	return true
}

func outcomeFor(s types.GoalStatus) Outcome {
	if s == types.GoalAchieved {
		return OutcomeAchieved
	}
	return OutcomeFailed
}

// =============================================================================
// DEVIATION
// =============================================================================

// Deviations returns, per thresholded metric, how far the sample exceeds its
// threshold relative to the threshold: max(0, v-t)/t. Metrics without a
// positive threshold or without a sample are left out.
func Deviations(metrics, thresholds map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(thresholds))
	for metric, t := range thresholds {
		if t <= 0 {
			continue
		}
		v, ok := metrics[metric]
		if !ok {
			continue
		}
		d := (v - t) / t
		if d < 0 {
			d = 0
		}
		out[metric] = d
	}
	return out
}

// MaxDeviation returns the largest deviation and its metric.
func MaxDeviation(devs map[string]float64) (string, float64) {
	worst, top := "", 0.0
	for _, metric := range sortedKeys(devs) {
		if devs[metric] > top {
			worst, top = metric, devs[metric]
		}
	}
	return worst, top
}

func criteriaMet(criteria []types.SuccessCriterion, metrics map[string]float64) bool {
	for _, c := range criteria {
		if !c.Satisfied(metrics) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
