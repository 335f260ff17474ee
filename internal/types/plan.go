package types

import (
	"time"
)

// =============================================================================
// GOALS
// =============================================================================

// GoalType classifies what a goal asks for.
type GoalType string

const (
	GoalAchievement  GoalType = "/achievement"
	GoalMaintenance  GoalType = "/maintenance"
	GoalAvoidance    GoalType = "/avoidance"
	GoalOptimization GoalType = "/optimization"
	GoalExploration  GoalType = "/exploration"
)

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	GoalPending   GoalStatus = "/pending"
	GoalActive    GoalStatus = "/active"
	GoalAchieved  GoalStatus = "/achieved"
	GoalFailed    GoalStatus = "/failed"
	GoalAbandoned GoalStatus = "/abandoned"
)

// Terminal reports whether the goal can no longer change.
func (s GoalStatus) Terminal() bool {
	return s == GoalAchieved || s == GoalFailed || s == GoalAbandoned
}

// SuccessCriterion is a predicate over sampled metrics: Metric Op Value.
// Op is one of ">=", "<=", ">", "<", "==". An empty Op means ">=".
type SuccessCriterion struct {
	Metric string  `json:"metric" yaml:"metric"`
	Op     string  `json:"op,omitempty" yaml:"op,omitempty"`
	Value  float64 `json:"value" yaml:"value"`
}

// Satisfied evaluates the criterion against a metric sample. A missing metric is unsatisfied.
func (c SuccessCriterion) Satisfied(metrics map[string]float64) bool {
	v, ok := metrics[c.Metric]
	if !ok {
		return false
	}
	switch c.Op {
	case "<=":
		return v <= c.Value
	case "<":
		return v < c.Value
	case ">":
		return v > c.Value
	case "==":
		return v == c.Value
	default:
		return v >= c.Value
	}
}

// Goal is a desired state the planner decomposes into a plan.
type Goal struct {
	ID              string             `json:"id" yaml:"id"`
	Type            GoalType           `json:"type" yaml:"type"`
	Description     string             `json:"description" yaml:"description"`
	Priority        float64            `json:"priority" yaml:"priority"`
	Deadline        *time.Time         `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	Dependencies    []string           `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Constraints     []string           `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	SuccessCriteria []SuccessCriterion `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	Status          GoalStatus         `json:"status" yaml:"status"`
	Progress        float64            `json:"progress" yaml:"progress"`
	Subgoals        []Goal             `json:"subgoals,omitempty" yaml:"subgoals,omitempty"`
	Resources       map[string]float64 `json:"resources,omitempty" yaml:"resources,omitempty"`

	// DesiredState is the fact set the STRIPS and POP planners search for.
	DesiredState []string `json:"desired_state,omitempty" yaml:"desired_state,omitempty"`
	// Task is the HTN root task; defaults to the goal id.
	Task     string       `json:"task,omitempty" yaml:"task,omitempty"`
	Strategy PlanStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	// Duration and Cost estimate a leaf goal when it becomes a primitive step.
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Cost     float64       `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// Clone returns a deep copy of the goal.
func (g Goal) Clone() Goal {
	out := g
	if g.Deadline != nil {
		d := *g.Deadline
		out.Deadline = &d
	}
	out.Dependencies = append([]string(nil), g.Dependencies...)
	out.Constraints = append([]string(nil), g.Constraints...)
	out.SuccessCriteria = append([]SuccessCriterion(nil), g.SuccessCriteria...)
	if g.Subgoals != nil {
		out.Subgoals = make([]Goal, len(g.Subgoals))
		for i := range g.Subgoals {
			out.Subgoals[i] = g.Subgoals[i].Clone()
		}
	}
	out.Resources = cloneFloatMap(g.Resources)
	out.DesiredState = append([]string(nil), g.DesiredState...)
	return out
}

// AdvanceProgress raises progress to p, never lowering it, clamped to [0,100].
// It returns true when the stored value changed.
func (g *Goal) AdvanceProgress(p float64) bool {
	if p > 100 {
		p = 100
	}
	if p <= g.Progress {
		return false
	}
	g.Progress = p
	return true
}

// =============================================================================
// PLANS
// =============================================================================

// PlanStrategy selects the planning algorithm.
type PlanStrategy string

const (
	PlanHTN    PlanStrategy = "/htn"
	PlanSTRIPS PlanStrategy = "/strips"
	PlanPOP    PlanStrategy = "/pop"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "/pending"
	PlanActive     PlanStatus = "/active"
	PlanCompleted  PlanStatus = "/completed"
	PlanFailed     PlanStatus = "/failed"
	PlanAborted    PlanStatus = "/aborted"
	PlanSuperseded PlanStatus = "/superseded"
	PlanCancelled  PlanStatus = "/cancelled"
)

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepPending   StepStatus = "/pending"
	StepRunning   StepStatus = "/running"
	StepCompleted StepStatus = "/completed"
	StepFailed    StepStatus = "/failed"
	StepSkipped   StepStatus = "/skipped"
)

// Done reports whether a dependent step may start after this one.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepSkipped
}

// Step is one executable action in a plan.
type Step struct {
	ID            string        `json:"id" yaml:"id"`
	Action        string        `json:"action" yaml:"action"`
	Order         int           `json:"order" yaml:"order"`
	Preconditions []string      `json:"preconditions,omitempty" yaml:"preconditions,omitempty"`
	Effects       []string      `json:"effects,omitempty" yaml:"effects,omitempty"`
	Dependencies  []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Status        StepStatus    `json:"status" yaml:"status"`
	Duration      time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Cost          float64       `json:"cost,omitempty" yaml:"cost,omitempty"`
	Uncertainty   float64       `json:"uncertainty,omitempty" yaml:"uncertainty,omitempty"`
	Resource      string        `json:"resource,omitempty" yaml:"resource,omitempty"`
}

// Window is a scheduled time range for a step.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contingency triggers for step failures and missed deadlines.
const (
	TriggerStepFailed     = "/step_failed"
	TriggerDeadlineMissed = "/deadline_missed"
	TriggerDeviation      = "/deviation"
)

// Contingency actions.
const (
	ContingencyRetry  = "/retry"
	ContingencySkip   = "/skip"
	ContingencyReplan = "/replan"
	ContingencyAbort  = "/abort"
)

// Contingency is a predefined fallback activated by a runtime condition.
type Contingency struct {
	Trigger           string  `json:"trigger"`
	Condition         string  `json:"condition,omitempty"`
	Action            string  `json:"action"`
	AlternativePlanID string  `json:"alternative_plan_id,omitempty"`
	Probability       float64 `json:"probability,omitempty"`
}

// Monitoring configures the plan monitor loop.
type Monitoring struct {
	Metrics         []string           `json:"metrics"`
	Frequency       time.Duration      `json:"frequency"`
	AlertThresholds map[string]float64 `json:"alert_thresholds"`
}

// AdaptationPolicy bounds how much deviation the monitor tolerates before replanning.
type AdaptationPolicy struct {
	DeviationTolerance float64 `json:"deviation_tolerance"`
	MaxReplans         int     `json:"max_replans,omitempty"`
}

// Plan is an ordered, scheduled decomposition of a goal.
type Plan struct {
	ID                string            `json:"id"`
	GoalID            string            `json:"goal_id"`
	Horizon           TimeHorizon       `json:"horizon"`
	Strategy          PlanStrategy      `json:"strategy"`
	Revision          int               `json:"revision"`
	Status            PlanStatus        `json:"status"`
	Steps             []Step            `json:"steps"`
	Schedule          map[string]Window `json:"schedule"`
	Contingencies     []Contingency     `json:"contingencies,omitempty"`
	Checkpoints       []Checkpoint      `json:"checkpoints,omitempty"`
	Monitoring        Monitoring        `json:"monitoring"`
	Adaptation        AdaptationPolicy  `json:"adaptation"`
	EstimatedDuration time.Duration     `json:"estimated_duration"`
	EstimatedCost     float64           `json:"estimated_cost"`
	Confidence        float64           `json:"confidence"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = CloneSteps(p.Steps)
	if p.Schedule != nil {
		out.Schedule = make(map[string]Window, len(p.Schedule))
		for k, v := range p.Schedule {
			out.Schedule[k] = v
		}
	}
	out.Contingencies = append([]Contingency(nil), p.Contingencies...)
	out.Checkpoints = append([]Checkpoint(nil), p.Checkpoints...)
	out.Monitoring.Metrics = append([]string(nil), p.Monitoring.Metrics...)
	out.Monitoring.AlertThresholds = cloneFloatMap(p.Monitoring.AlertThresholds)
	return &out
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// CompletedFraction returns the share of done steps in [0,1].
func (p *Plan) CompletedFraction() float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range p.Steps {
		if s.Status.Done() {
			done++
		}
	}
	return float64(done) / float64(len(p.Steps))
}

// CloneSteps deep-copies a step list.
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Preconditions = append([]string(nil), s.Preconditions...)
		s.Effects = append([]string(nil), s.Effects...)
		s.Dependencies = append([]string(nil), s.Dependencies...)
		out[i] = s
	}
	return out
}
