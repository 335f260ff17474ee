// Package types defines the shared data model of the decision and planning core.
//
// Enum values follow the slash-name convention (e.g. "/immediate", "/mcda") so they can be
// asserted directly as Mangle name constants.
package types

import (
	"time"
)

// TimeHorizon is how far ahead a decision looks.
type TimeHorizon string

const (
	HorizonImmediate TimeHorizon = "/immediate"
	HorizonShort     TimeHorizon = "/short"
	HorizonMedium    TimeHorizon = "/medium"
	HorizonLong      TimeHorizon = "/long"
	HorizonStrategic TimeHorizon = "/strategic"
)

// Valid reports whether h is one of the known horizons.
func (h TimeHorizon) Valid() bool {
	switch h {
	case HorizonImmediate, HorizonShort, HorizonMedium, HorizonLong, HorizonStrategic:
		return true
	}
	return false
}

// StrategyKind selects the option scoring algorithm.
type StrategyKind string

const (
	StrategyMCDA         StrategyKind = "/mcda"
	StrategyGameTheory   StrategyKind = "/game_theory"
	StrategyMCTS         StrategyKind = "/mcts"
	StrategyBayesian     StrategyKind = "/bayesian"
	StrategyRiskAdjusted StrategyKind = "/risk_adjusted"
)

// Stakeholder is a party affected by a decision.
type Stakeholder struct {
	ID         string  `json:"id" yaml:"id"`
	Name       string  `json:"name,omitempty" yaml:"name,omitempty"`
	Weight     float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	Vulnerable bool    `json:"vulnerable,omitempty" yaml:"vulnerable,omitempty"`
}

// Evidence is an observation supplied by the reasoning layer for the Bayesian strategy.
// Likelihoods maps an outcome label to P(evidence | outcome); labels not listed use Default.
type Evidence struct {
	Name        string             `json:"name" yaml:"name"`
	Likelihoods map[string]float64 `json:"likelihoods" yaml:"likelihoods"`
	Default     float64            `json:"default,omitempty" yaml:"default,omitempty"`
}

// Opponent is a modelled counter-party for the game-theoretic strategy.
type Opponent struct {
	ID         string   `json:"id" yaml:"id"`
	Strategies []string `json:"strategies" yaml:"strategies"`
}

// EthicalOverride is an explicit human approval to consider options below the ethical floor.
type EthicalOverride struct {
	ApprovedBy string   `json:"approved_by" yaml:"approved_by"`
	Reason     string   `json:"reason" yaml:"reason"`
	OptionIDs  []string `json:"option_ids" yaml:"option_ids"`
}

// Allows reports whether the override names optionID.
func (o *EthicalOverride) Allows(optionID string) bool {
	if o == nil || o.ApprovedBy == "" {
		return false
	}
	for _, id := range o.OptionIDs {
		if id == optionID {
			return true
		}
	}
	return false
}

// DecisionContext is the situation a decision is made in. It is treated as immutable once
// a decision begins; the engine works on a copy.
type DecisionContext struct {
	ID           string             `json:"id" yaml:"id"`
	GoalID       string             `json:"goal_id,omitempty" yaml:"goal_id,omitempty"`
	Situation    string             `json:"situation" yaml:"situation"`
	Summary      string             `json:"summary,omitempty" yaml:"summary,omitempty"`
	Goals        []string           `json:"goals,omitempty" yaml:"goals,omitempty"`
	Constraints  []string           `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Resources    map[string]float64 `json:"resources,omitempty" yaml:"resources,omitempty"`
	Stakeholders []Stakeholder      `json:"stakeholders,omitempty" yaml:"stakeholders,omitempty"`
	TimeHorizon  TimeHorizon        `json:"time_horizon" yaml:"time_horizon"`
	Uncertainty  float64            `json:"uncertainty" yaml:"uncertainty"`
	Criticality  float64            `json:"criticality" yaml:"criticality"`

	// Candidates are caller-supplied options used by the default generator.
	Candidates []DecisionOption `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Evidence   []Evidence       `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	Opponents  []Opponent       `json:"opponents,omitempty" yaml:"opponents,omitempty"`

	Strategy      StrategyKind     `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	RiskTolerance *float64         `json:"risk_tolerance,omitempty" yaml:"risk_tolerance,omitempty"`
	Override      *EthicalOverride `json:"override,omitempty" yaml:"override,omitempty"`
}

// IsEmpty reports whether the context has nothing to decide about.
func (c *DecisionContext) IsEmpty() bool {
	return c.Situation == "" && len(c.Goals) == 0 && len(c.Constraints) == 0
}

// Clone returns a deep copy of the context.
func (c DecisionContext) Clone() DecisionContext {
	out := c
	out.Goals = append([]string(nil), c.Goals...)
	out.Constraints = append([]string(nil), c.Constraints...)
	out.Resources = cloneFloatMap(c.Resources)
	out.Stakeholders = append([]Stakeholder(nil), c.Stakeholders...)
	if c.Candidates != nil {
		out.Candidates = make([]DecisionOption, len(c.Candidates))
		for i := range c.Candidates {
			out.Candidates[i] = c.Candidates[i].Clone()
		}
	}
	if c.Evidence != nil {
		out.Evidence = make([]Evidence, len(c.Evidence))
		for i, e := range c.Evidence {
			e.Likelihoods = cloneFloatMap(e.Likelihoods)
			out.Evidence[i] = e
		}
	}
	if c.Opponents != nil {
		out.Opponents = make([]Opponent, len(c.Opponents))
		for i, o := range c.Opponents {
			o.Strategies = append([]string(nil), o.Strategies...)
			out.Opponents[i] = o
		}
	}
	if c.RiskTolerance != nil {
		rt := *c.RiskTolerance
		out.RiskTolerance = &rt
	}
	if c.Override != nil {
		ov := *c.Override
		ov.OptionIDs = append([]string(nil), c.Override.OptionIDs...)
		out.Override = &ov
	}
	return out
}

// Outcome is one predicted consequence of an option.
type Outcome struct {
	ID          string             `json:"id" yaml:"id"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Probability float64            `json:"probability" yaml:"probability"`
	Value       float64            `json:"value" yaml:"value"`
	Uncertainty float64            `json:"uncertainty,omitempty" yaml:"uncertainty,omitempty"`
	Harm        float64            `json:"harm,omitempty" yaml:"harm,omitempty"`
	Benefits    map[string]float64 `json:"benefits,omitempty" yaml:"benefits,omitempty"` // stakeholder id -> benefit
	Terminal    bool               `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// OptionAction is one executable action of an option, turned into a Step.
type OptionAction struct {
	ID          string        `json:"id" yaml:"id"`
	Action      string        `json:"action" yaml:"action"`
	DependsOn   []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Duration    time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Cost        float64       `json:"cost,omitempty" yaml:"cost,omitempty"`
	Uncertainty float64       `json:"uncertainty,omitempty" yaml:"uncertainty,omitempty"`
}

// Branch is an alternative course attached to an option; it becomes a Contingency.
type Branch struct {
	Trigger       string  `json:"trigger" yaml:"trigger"`
	Condition     string  `json:"condition,omitempty" yaml:"condition,omitempty"`
	Action        string  `json:"action,omitempty" yaml:"action,omitempty"`
	AlternativeID string  `json:"alternative_id,omitempty" yaml:"alternative_id,omitempty"`
	Probability   float64 `json:"probability,omitempty" yaml:"probability,omitempty"`
}

// Payoff is the game-theoretic payoff pair of an option against one opponent strategy.
type Payoff struct {
	Self     float64  `json:"self" yaml:"self"`
	Opponent *float64 `json:"opponent,omitempty" yaml:"opponent,omitempty"`
}

// DecisionOption is a candidate course of action.
type DecisionOption struct {
	ID                string             `json:"id" yaml:"id"`
	Description       string             `json:"description" yaml:"description"`
	PredictedOutcomes []Outcome          `json:"predicted_outcomes,omitempty" yaml:"predicted_outcomes,omitempty"`
	ExpectedValue     float64            `json:"expected_value" yaml:"expected_value"`
	Risk              float64            `json:"risk" yaml:"risk"`
	ResourceCost      float64            `json:"resource_cost,omitempty" yaml:"resource_cost,omitempty"`
	Confidence        float64            `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Criteria          map[string]float64 `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Consent           map[string]float64 `json:"consent,omitempty" yaml:"consent,omitempty"` // stakeholder id -> consent in [0,1]
	Explainability    float64            `json:"explainability,omitempty" yaml:"explainability,omitempty"`
	Actions           []OptionAction     `json:"actions,omitempty" yaml:"actions,omitempty"`
	Branches          []Branch           `json:"branches,omitempty" yaml:"branches,omitempty"`
	Payoffs           map[string]Payoff  `json:"payoffs,omitempty" yaml:"payoffs,omitempty"` // opponent strategy -> payoff

	// Computed by the engine.
	EthicalScore     float64            `json:"ethical_score" yaml:"ethical_score"`
	EthicalBreakdown map[string]float64 `json:"ethical_breakdown,omitempty" yaml:"ethical_breakdown,omitempty"`
	Score            float64            `json:"score" yaml:"score"`
}

// MaxOutcomeUncertainty returns the highest predicted-outcome uncertainty.
func (o *DecisionOption) MaxOutcomeUncertainty() float64 {
	max := 0.0
	for _, out := range o.PredictedOutcomes {
		if out.Uncertainty > max {
			max = out.Uncertainty
		}
	}
	return max
}

// Clone returns a deep copy of the option.
func (o DecisionOption) Clone() DecisionOption {
	out := o
	if o.PredictedOutcomes != nil {
		out.PredictedOutcomes = make([]Outcome, len(o.PredictedOutcomes))
		for i, oc := range o.PredictedOutcomes {
			oc.Benefits = cloneFloatMap(oc.Benefits)
			out.PredictedOutcomes[i] = oc
		}
	}
	out.Criteria = cloneFloatMap(o.Criteria)
	out.Consent = cloneFloatMap(o.Consent)
	if o.Actions != nil {
		out.Actions = make([]OptionAction, len(o.Actions))
		for i, a := range o.Actions {
			a.DependsOn = append([]string(nil), a.DependsOn...)
			out.Actions[i] = a
		}
	}
	out.Branches = append([]Branch(nil), o.Branches...)
	if o.Payoffs != nil {
		out.Payoffs = make(map[string]Payoff, len(o.Payoffs))
		for k, v := range o.Payoffs {
			if v.Opponent != nil {
				op := *v.Opponent
				v.Opponent = &op
			}
			out.Payoffs[k] = v
		}
	}
	out.EthicalBreakdown = cloneFloatMap(o.EthicalBreakdown)
	return out
}

// ExcludedOption records why an option could not be selected.
type ExcludedOption struct {
	OptionID     string  `json:"option_id"`
	EthicalScore float64 `json:"ethical_score"`
	Reason       string  `json:"reason"`
}

// Checkpoint is a verification point registered after a step.
type Checkpoint struct {
	ID     string `json:"id"`
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

// ExecutionPlan is the per-decision analogue of Plan.
type ExecutionPlan struct {
	DecisionID    string        `json:"decision_id"`
	PlanID        string        `json:"plan_id,omitempty"` // owning plan, when executed as part of one
	Steps         []Step        `json:"steps"`
	Checkpoints   []Checkpoint  `json:"checkpoints,omitempty"`
	Contingencies []Contingency `json:"contingencies,omitempty"`
}

// MonitoringPlan describes how an executing decision is observed.
type MonitoringPlan struct {
	Metrics         []string           `json:"metrics"`
	Period          time.Duration      `json:"period"`
	AlertThresholds map[string]float64 `json:"alert_thresholds"`
}

// DecisionResult is the immutable record of a decision.
type DecisionResult struct {
	ID             string           `json:"id"`
	Timestamp      time.Time        `json:"timestamp"`
	Context        DecisionContext  `json:"context"`
	Strategy       StrategyKind     `json:"strategy"`
	SelectedOption DecisionOption   `json:"selected_option"`
	Ranking        []string         `json:"ranking,omitempty"`
	Excluded       []ExcludedOption `json:"excluded,omitempty"`
	Reasoning      string           `json:"reasoning"`
	Confidence     float64          `json:"confidence"`
	ExecutionPlan  ExecutionPlan    `json:"execution_plan"`
	MonitoringPlan MonitoringPlan   `json:"monitoring_plan"`
	Override       *EthicalOverride `json:"override,omitempty"`
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of the result.
func (r *DecisionResult) Clone() *DecisionResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Context = r.Context.Clone()
	out.SelectedOption = r.SelectedOption.Clone()
	out.Ranking = append([]string(nil), r.Ranking...)
	out.Excluded = append([]ExcludedOption(nil), r.Excluded...)
	out.ExecutionPlan.Steps = CloneSteps(r.ExecutionPlan.Steps)
	out.ExecutionPlan.Checkpoints = append([]Checkpoint(nil), r.ExecutionPlan.Checkpoints...)
	out.ExecutionPlan.Contingencies = append([]Contingency(nil), r.ExecutionPlan.Contingencies...)
	out.MonitoringPlan.Metrics = append([]string(nil), r.MonitoringPlan.Metrics...)
	out.MonitoringPlan.AlertThresholds = cloneFloatMap(r.MonitoringPlan.AlertThresholds)
	if r.Override != nil {
		ov := *r.Override
		ov.OptionIDs = append([]string(nil), r.Override.OptionIDs...)
		out.Override = &ov
	}
	return &out
}
