// Package execution runs plans and decision execution plans step by step,
// applying checkpoints and contingencies and keeping the store's plan and
// goal records in step with what actually ran.
package execution

import (
	"context"
	"sync"

	"deliberate/internal/bus"
	"deliberate/internal/config"
	"deliberate/internal/store"
	"deliberate/internal/types"
)

// StepRunner performs the work of one step.
type StepRunner interface {
	RunStep(ctx context.Context, step types.Step) error
}

// StepRunnerFunc adapts a function to StepRunner.
type StepRunnerFunc func(ctx context.Context, step types.Step) error

func (f StepRunnerFunc) RunStep(ctx context.Context, step types.Step) error { return f(ctx, step) }

// Verdict is a checkpoint outcome.
type Verdict string

const (
	VerdictContinue Verdict = "/continue"
	VerdictAdapt    Verdict = "/adapt"
	VerdictAbort    Verdict = "/abort"
)

// CheckpointHandler verifies progress after a checkpointed step.
type CheckpointHandler interface {
	Verify(ctx context.Context, cp types.Checkpoint, step types.Step) (Verdict, error)
}

// CheckpointFunc adapts a function to CheckpointHandler.
type CheckpointFunc func(ctx context.Context, cp types.Checkpoint, step types.Step) (Verdict, error)

func (f CheckpointFunc) Verify(ctx context.Context, cp types.Checkpoint, step types.Step) (Verdict, error) {
	return f(ctx, cp, step)
}

// Replanner replaces an active plan and returns its successor, already
// installed as the goal's active plan.
type Replanner interface {
	Replan(ctx context.Context, plan *types.Plan, reason string) (*types.Plan, error)
}

// Decider resolves decision-point steps (actions prefixed "decide:").
type Decider interface {
	MakeDecision(ctx context.Context, dc types.DecisionContext) (*types.DecisionResult, error)
}

// Locker serialises writes to one goal's records.
type Locker interface {
	Lock(goalID string) (unlock func())
}

// DecisionPrefix marks a step whose action is a decision to take at run time.
// The rest of the action becomes the situation of a context with no
// candidates, so the decider's generator must supply the options; the
// default candidate generator yields none and the step fails.
const DecisionPrefix = "decide:"

// Status is the state of one execution.
type Status string

const (
	StatusPending   Status = "/pending"
	StatusRunning   Status = "/running"
	StatusCompleted Status = "/completed"
	StatusAborted   Status = "/aborted"
	StatusFailed    Status = "/failed"
)

// Report is the outcome of an execution.
type Report struct {
	Status     Status                      `json:"status"`
	GoalID     string                      `json:"goal_id,omitempty"`
	PlanID     string                      `json:"plan_id,omitempty"` // final plan id, after any replans
	DecisionID string                      `json:"decision_id,omitempty"`
	Steps      map[string]types.StepStatus `json:"steps"`
	Attempts   map[string]int              `json:"attempts"`
	Replans    int                         `json:"replans"`
	Err        error                       `json:"-"`
}

// Controller executes plans.
type Controller struct {
	cfg     *config.Config
	runner  StepRunner
	store   store.Store
	tracker *Tracker

	mu          sync.RWMutex
	checkpoints CheckpointHandler
	replanner   Replanner
	decider     Decider
	publisher   bus.Publisher
	locker      Locker
}

// NewController creates a controller. st may be nil for decision-only use.
func NewController(cfg *config.Config, runner StepRunner, st store.Store) *Controller {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Controller{
		cfg:     cfg,
		runner:  runner,
		store:   st,
		tracker: NewTracker(),
		locker:  noLock{},
	}
}

// SetCheckpointHandler wires checkpoint verification. Without one every
// checkpoint continues.
func (c *Controller) SetCheckpointHandler(h CheckpointHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints = h
}

// SetReplanner wires plan adaptation.
func (c *Controller) SetReplanner(r Replanner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replanner = r
}

// SetDecider wires decision-point steps.
func (c *Controller) SetDecider(d Decider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decider = d
}

// SetPublisher wires the event bus.
func (c *Controller) SetPublisher(p bus.Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publisher = p
}

// SetLocker wires per-goal write serialisation.
func (c *Controller) SetLocker(l Locker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l == nil {
		l = noLock{}
	}
	c.locker = l
}

// Tracker returns the controller's execution metrics.
func (c *Controller) Tracker() *Tracker { return c.tracker }

func (c *Controller) emit(ev bus.Event) {
	c.mu.RLock()
	p := c.publisher
	c.mu.RUnlock()
	bus.Emit(p, ev)
}

func (c *Controller) deps() (CheckpointHandler, Replanner, Decider, Locker) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkpoints, c.replanner, c.decider, c.locker
}

type noLock struct{}

func (noLock) Lock(string) func() { return func() {} }
