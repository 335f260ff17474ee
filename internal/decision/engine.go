// Package decision selects one course of action for a situation: it generates
// candidate options, scores them with a pluggable strategy, screens them
// ethically, and records the result in the decision history.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"deliberate/internal/bus"
	"deliberate/internal/config"
	"deliberate/internal/ethics"
	"deliberate/internal/logging"
	"deliberate/internal/store"
	"deliberate/internal/types"

	"github.com/google/uuid"
)

// Generator produces candidate options for a context.
type Generator interface {
	Generate(ctx context.Context, dc *types.DecisionContext) ([]types.DecisionOption, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, dc *types.DecisionContext) ([]types.DecisionOption, error)

func (f GeneratorFunc) Generate(ctx context.Context, dc *types.DecisionContext) ([]types.DecisionOption, error) {
	return f(ctx, dc)
}

// CandidateGenerator returns the options the caller attached to the context.
type CandidateGenerator struct{}

func (CandidateGenerator) Generate(ctx context.Context, dc *types.DecisionContext) ([]types.DecisionOption, error) {
	out := make([]types.DecisionOption, len(dc.Candidates))
	for i := range dc.Candidates {
		out[i] = dc.Candidates[i].Clone()
	}
	return out, nil
}

// Handoff executes a committed decision synchronously.
type Handoff func(ctx context.Context, result *types.DecisionResult) error

// Engine is the decision engine.
type Engine struct {
	cfg       *config.Config
	evaluator *ethics.Evaluator
	store     store.Store

	mu         sync.RWMutex
	generator  Generator
	strategies map[types.StrategyKind]Strategy
	publisher  bus.Publisher
	handoff    Handoff
}

// NewEngine builds an engine with every built-in strategy registered.
func NewEngine(cfg *config.Config, evaluator *ethics.Evaluator, st store.Store) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if evaluator == nil {
		evaluator = ethics.NewEvaluator(cfg.ActiveEthicsWeights())
	}
	e := &Engine{
		cfg:        cfg,
		evaluator:  evaluator,
		store:      st,
		generator:  CandidateGenerator{},
		strategies: make(map[types.StrategyKind]Strategy),
	}
	e.RegisterStrategy(NewMCDA(cfg.Decision.Criteria))
	e.RegisterStrategy(NewGameTheory(cfg.Decision.FictitiousPlayRounds))
	e.RegisterStrategy(NewMCTS(cfg.Decision.MCTS))
	e.RegisterStrategy(NewBayesian())
	e.RegisterStrategy(NewRiskAdjusted(cfg.Decision.RiskTolerance))
	return e
}

// RegisterStrategy adds or replaces a strategy.
func (e *Engine) RegisterStrategy(s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[s.Kind()] = s
}

// SetGenerator replaces the option generator.
func (e *Engine) SetGenerator(g Generator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generator = g
}

// SetPublisher wires the event bus.
func (e *Engine) SetPublisher(p bus.Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publisher = p
}

// SetHandoff wires synchronous execution of confident short-horizon decisions.
func (e *Engine) SetHandoff(h Handoff) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handoff = h
}

// Evaluator returns the ethical evaluator.
func (e *Engine) Evaluator() *ethics.Evaluator { return e.evaluator }

func (e *Engine) emit(ev bus.Event) {
	e.mu.RLock()
	p := e.publisher
	e.mu.RUnlock()
	bus.Emit(p, ev)
}

// =============================================================================
// DECISION PIPELINE
// =============================================================================

// MakeDecision runs the full pipeline and appends the result to the decision
// history. A confident decision on an immediate or short horizon is handed off
// for synchronous execution when a hand-off is wired; the result is committed
// even when that execution fails, and the execution error is returned with it.
func (e *Engine) MakeDecision(ctx context.Context, dc types.DecisionContext) (*types.DecisionResult, error) {
	timer := logging.StartTimer(logging.CategoryDecision, "MakeDecision")
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.GetDecisionTimeout())
	defer cancel()

	if dc.ID == "" {
		dc.ID = uuid.NewString()
	}
	e.emit(bus.Event{Topic: bus.TopicDecisionStart, GoalID: dc.GoalID, Message: dc.ID})

	result, err := e.Decide(ctx, dc)
	if err == nil {
		err = e.commit(ctx, result)
	}
	if err != nil {
		e.fail(dc, err)
		return nil, err
	}

	e.emit(bus.Event{
		Topic:      bus.TopicDecisionComplete,
		GoalID:     result.Context.GoalID,
		DecisionID: result.ID,
		Message:    result.SelectedOption.ID,
		Data:       result,
	})
	logging.Audit().DecisionEvent(logging.AuditDecisionComplete, result.ID, result.Context.GoalID, true, result.Reasoning)

	if e.shouldHandOff(result) {
		e.mu.RLock()
		h := e.handoff
		e.mu.RUnlock()
		if h != nil {
			logging.Decision("handing off decision %s for synchronous execution (confidence %.2f)", result.ID, result.Confidence)
			if herr := h(ctx, result); herr != nil {
				return result, fmt.Errorf("hand-off execution of decision %s failed: %w", result.ID, herr)
			}
		}
	}
	return result, nil
}

func (e *Engine) shouldHandOff(r *types.DecisionResult) bool {
	h := r.Context.TimeHorizon
	return (h == types.HorizonImmediate || h == types.HorizonShort) && r.Confidence > e.cfg.Decision.HandoffConfidence
}

// commit appends the result unless the context is already done, in which case
// the decision is discarded and nothing is recorded.
func (e *Engine) commit(ctx context.Context, result *types.DecisionResult) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(err, "decision discarded before commit").WithContext(result.Context.ID).WithGoal(result.Context.GoalID)
	}
	if e.store == nil {
		return nil
	}
	if err := e.store.AppendDecision(ctx, result); err != nil {
		return fmt.Errorf("failed to append decision %s: %w", result.ID, err)
	}
	return nil
}

func (e *Engine) fail(dc types.DecisionContext, err error) {
	logging.DecisionWarn("decision for context %s failed: %v", dc.ID, err)
	e.emit(bus.Event{Topic: bus.TopicDecisionError, GoalID: dc.GoalID, Message: err.Error(), Data: err})
	kind := logging.AuditDecisionError
	if errors.Is(err, types.ErrEthicallyBlocked) {
		kind = logging.AuditEthicsBlock
	}
	logging.Audit().DecisionEvent(kind, dc.ID, dc.GoalID, false, err.Error())
}

// Decide runs validation, generation, scoring, ethical screening and plan
// construction without recording anything.
func (e *Engine) Decide(ctx context.Context, input types.DecisionContext) (*types.DecisionResult, error) {
	dc := input.Clone()
	if dc.ID == "" {
		dc.ID = uuid.NewString()
	}
	if err := validateContext(&dc); err != nil {
		return nil, err
	}

	e.mu.RLock()
	gen := e.generator
	e.mu.RUnlock()

	options, err := gen.Generate(ctx, &dc)
	if err != nil {
		return nil, types.NewError(types.ErrNoViableOptions, "option generation failed").WithContext(dc.ID).WithGoal(dc.GoalID).Wrap(err)
	}
	options = filterOptions(options)
	if len(options) == 0 {
		return nil, types.NewError(types.ErrNoViableOptions, "no valid options generated").WithContext(dc.ID).WithGoal(dc.GoalID)
	}

	strategy, err := e.strategyFor(&dc)
	if err != nil {
		return nil, err
	}
	scores, err := strategy.Score(ctx, &dc, options)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, types.NewError(ctxErr, "scoring with %s timed out", strategy.Kind()).WithContext(dc.ID).WithGoal(dc.GoalID)
		}
		return nil, types.NewError(types.ErrNoViableOptions, "scoring with %s failed", strategy.Kind()).WithContext(dc.ID).WithGoal(dc.GoalID).Wrap(err)
	}
	for i := range options {
		options[i].Score = scores[i]
	}

	floor := e.cfg.Ethics.Floor
	eligible, excluded := e.evaluator.Screen(options, floor, dc.Override)
	if len(eligible) == 0 {
		ids := make([]string, len(excluded))
		for i, x := range excluded {
			ids[i] = fmt.Sprintf("%s(%.3f)", x.OptionID, x.EthicalScore)
		}
		return nil, types.NewError(types.ErrEthicallyBlocked, "every option is below the ethical floor %.2f: %s",
			floor, strings.Join(ids, ", ")).WithContext(dc.ID).WithGoal(dc.GoalID)
	}
	rank(eligible)
	selected := eligible[0]

	result := &types.DecisionResult{
		ID:             uuid.NewString(),
		Timestamp:      time.Now(),
		Context:        dc,
		Strategy:       strategy.Kind(),
		SelectedOption: selected,
		Excluded:       excluded,
		Confidence:     confidenceOf(&selected) * (1 - dc.Uncertainty/2),
		MonitoringPlan: e.buildMonitoringPlan(),
	}
	for _, o := range eligible {
		result.Ranking = append(result.Ranking, o.ID)
	}
	if dc.Override != nil && selected.EthicalScore < floor {
		result.Override = dc.Override
		logging.Audit().DecisionEvent(logging.AuditEthicsOverride, result.ID, dc.GoalID, true,
			fmt.Sprintf("%s approved %s: %s", dc.Override.ApprovedBy, selected.ID, dc.Override.Reason))
	}

	result.ExecutionPlan, err = e.buildExecutionPlan(result.ID, &selected)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidContext, "option %s has an invalid action graph", selected.ID).
			WithContext(dc.ID).WithGoal(dc.GoalID).Wrap(err)
	}
	result.Reasoning = reasoning(result, eligible, floor)

	logging.Decision("context %s: selected %s via %s (score %.4f, ethical %.3f, confidence %.2f)",
		dc.ID, selected.ID, strategy.Kind(), selected.Score, selected.EthicalScore, result.Confidence)
	return result, nil
}

func validateContext(dc *types.DecisionContext) error {
	if dc.IsEmpty() {
		return types.NewError(types.ErrInvalidContext, "situation, goals and constraints are all empty").WithContext(dc.ID).WithGoal(dc.GoalID)
	}
	if dc.Uncertainty < 0 || dc.Uncertainty > 1 {
		return types.NewError(types.ErrInvalidContext, "uncertainty %v outside [0,1]", dc.Uncertainty).WithContext(dc.ID).WithGoal(dc.GoalID)
	}
	if dc.Criticality < 0 || dc.Criticality > 1 {
		return types.NewError(types.ErrInvalidContext, "criticality %v outside [0,1]", dc.Criticality).WithContext(dc.ID).WithGoal(dc.GoalID)
	}
	if dc.TimeHorizon == "" {
		dc.TimeHorizon = types.HorizonMedium
	}
	if !dc.TimeHorizon.Valid() {
		return types.NewError(types.ErrInvalidContext, "unknown time horizon %q", dc.TimeHorizon).WithContext(dc.ID).WithGoal(dc.GoalID)
	}
	return nil
}

// filterOptions drops options without an id, with duplicate ids, or with a
// risk outside [0,1].
func filterOptions(options []types.DecisionOption) []types.DecisionOption {
	seen := make(map[string]bool, len(options))
	out := options[:0]
	for _, o := range options {
		switch {
		case o.ID == "":
			logging.DecisionWarn("dropping option without id: %q", o.Description)
		case seen[o.ID]:
			logging.DecisionWarn("dropping duplicate option %s", o.ID)
		case o.Risk < 0 || o.Risk > 1:
			logging.DecisionWarn("dropping option %s: risk %v outside [0,1]", o.ID, o.Risk)
		default:
			seen[o.ID] = true
			out = append(out, o)
		}
	}
	return out
}

func (e *Engine) strategyFor(dc *types.DecisionContext) (Strategy, error) {
	kind := dc.Strategy
	if kind == "" {
		kind = types.StrategyKind(e.cfg.Decision.DefaultStrategy)
	}
	if kind == "" {
		kind = types.StrategyMCDA
	}
	e.mu.RLock()
	s, ok := e.strategies[kind]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrInvalidContext, "unknown strategy %q", kind).WithContext(dc.ID).WithGoal(dc.GoalID)
	}
	return s, nil
}

func reasoning(r *types.DecisionResult, eligible []types.DecisionOption, floor float64) string {
	var b strings.Builder
	sel := r.SelectedOption
	fmt.Fprintf(&b, "selected %s by %s with score %.4f (ethical %.3f, risk %.2f)", sel.ID, r.Strategy, sel.Score, sel.EthicalScore, sel.Risk)
	if len(eligible) > 1 {
		runner := eligible[1]
		if abs(runner.Score-sel.Score) <= scoreEpsilon {
			fmt.Fprintf(&b, "; tied with %s, broken by risk, resource cost, id", runner.ID)
		} else {
			fmt.Fprintf(&b, "; runner-up %s scored %.4f", runner.ID, runner.Score)
		}
	}
	for _, x := range r.Excluded {
		if x.EthicalScore < floor {
			fmt.Fprintf(&b, "; excluded %s: %s", x.OptionID, x.Reason)
		}
	}
	if r.Override != nil {
		fmt.Fprintf(&b, "; ethical override by %s: %s", r.Override.ApprovedBy, r.Override.Reason)
	}
	return b.String()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
