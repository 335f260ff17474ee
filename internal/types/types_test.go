package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	err := NewError(ErrStepFailed, "runner error").WithGoal("g1").WithPlan("p1").WithStep("s1").Wrap(context.DeadlineExceeded)
	wrapped := fmt.Errorf("failed to execute plan: %w", err)

	if !errors.Is(wrapped, ErrStepFailed) {
		t.Error("expected ErrStepFailed in chain")
	}
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("expected cause in chain")
	}
	if errors.Is(wrapped, ErrUnreachable) {
		t.Error("unexpected kind match")
	}
	te, ok := AsError(wrapped)
	if !ok {
		t.Fatal("expected *Error in chain")
	}
	if te.StepID != "s1" || te.GoalID != "g1" {
		t.Errorf("ids lost: %+v", te)
	}
	if !strings.Contains(err.Error(), "step=s1") {
		t.Errorf("message should name the step: %q", err.Error())
	}
}

func TestSuccessCriterion(t *testing.T) {
	tests := []struct {
		name string
		c    SuccessCriterion
		m    map[string]float64
		want bool
	}{
		{"default ge", SuccessCriterion{Metric: "progress", Value: 100}, map[string]float64{"progress": 100}, true},
		{"below", SuccessCriterion{Metric: "progress", Value: 100}, map[string]float64{"progress": 99}, false},
		{"le", SuccessCriterion{Metric: "error_rate", Op: "<=", Value: 0.1}, map[string]float64{"error_rate": 0.05}, true},
		{"missing", SuccessCriterion{Metric: "x", Value: 1}, map[string]float64{}, false},
		{"eq", SuccessCriterion{Metric: "x", Op: "==", Value: 2}, map[string]float64{"x": 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Satisfied(tt.m); got != tt.want {
				t.Errorf("Satisfied() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdvanceProgressNeverDecreases(t *testing.T) {
	g := Goal{ID: "g", Status: GoalActive}
	for _, p := range []float64{10, 5, 40, 39, 120, 50} {
		before := g.Progress
		g.AdvanceProgress(p)
		if g.Progress < before {
			t.Fatalf("progress decreased from %v to %v", before, g.Progress)
		}
	}
	if g.Progress != 100 {
		t.Errorf("Progress = %v, want clamped 100", g.Progress)
	}
}

func TestPlanCloneIsDeep(t *testing.T) {
	now := time.Now()
	p := &Plan{
		ID:       "p",
		Steps:    []Step{{ID: "a", Dependencies: []string{"b"}}},
		Schedule: map[string]Window{"a": {Start: now, End: now}},
		Monitoring: Monitoring{
			AlertThresholds: map[string]float64{"deviation": 0.2},
		},
	}
	c := p.Clone()
	if diff := cmp.Diff(p, c); diff != "" {
		t.Fatalf("clone differs (-orig +clone):\n%s", diff)
	}
	c.Steps[0].Dependencies[0] = "z"
	c.Monitoring.AlertThresholds["deviation"] = 9
	if p.Steps[0].Dependencies[0] != "b" || p.Monitoring.AlertThresholds["deviation"] != 0.2 {
		t.Error("clone shares memory with original")
	}
}

func TestOverrideAllows(t *testing.T) {
	var nilOverride *EthicalOverride
	if nilOverride.Allows("x") {
		t.Error("nil override must not allow")
	}
	o := &EthicalOverride{ApprovedBy: "ops", OptionIDs: []string{"x"}}
	if !o.Allows("x") || o.Allows("y") {
		t.Error("override should allow only named options")
	}
	if (&EthicalOverride{OptionIDs: []string{"x"}}).Allows("x") {
		t.Error("override without approver must not allow")
	}
}

func TestContextCloneIsDeep(t *testing.T) {
	rt := 0.3
	dc := DecisionContext{
		ID:            "c",
		Goals:         []string{"g"},
		RiskTolerance: &rt,
		Candidates:    []DecisionOption{{ID: "x", Criteria: map[string]float64{"speed": 1}}},
	}
	c := dc.Clone()
	c.Goals[0] = "changed"
	*c.RiskTolerance = 0.9
	c.Candidates[0].Criteria["speed"] = 5
	if dc.Goals[0] != "g" || *dc.RiskTolerance != 0.3 || dc.Candidates[0].Criteria["speed"] != 1 {
		t.Error("clone shares memory with original")
	}
}
