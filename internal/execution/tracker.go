package execution

import (
	"context"
	"sync"
	"time"

	"deliberate/internal/types"
)

// Metric names sampled by the plan monitor.
const (
	MetricProgress     = "progress"
	MetricErrorRate    = "error_rate"
	MetricScheduleSlip = "schedule_slip"
	MetricCostOverrun  = "cost_overrun"
)

type runMetrics struct {
	plannedDuration time.Duration
	plannedCost     float64

	total, done        int
	attempts, failures int

	scheduled time.Duration // planned duration of finished steps
	actual    time.Duration // wall time spent on finished steps, retries included
	budgeted  float64       // planned cost of finished steps
	spent     float64       // cost charged, one charge per attempt
}

// Tracker accumulates per-goal execution metrics. It samples as a metric
// source for the plan monitor.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*runMetrics
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*runMetrics)}
}

func (t *Tracker) begin(key string, steps []types.Step, duration time.Duration, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.runs[key]
	if !ok {
		m = &runMetrics{}
		t.runs[key] = m
	}
	m.plannedDuration = duration
	m.plannedCost = cost
	m.total = len(steps)
	m.done = 0
	for _, s := range steps {
		if s.Status.Done() {
			m.done++
		}
	}
}

func (t *Tracker) attempt(key string, step types.Step, took time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.runs[key]
	if !ok {
		return
	}
	m.attempts++
	m.actual += took
	m.spent += step.Cost
	if err != nil {
		m.failures++
		return
	}
	m.done++
	m.scheduled += step.Duration
	m.budgeted += step.Cost
}

func (t *Tracker) skipped(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.runs[key]; ok {
		m.done++
	}
}

// Sample reports progress (0..100), error rate, and the schedule and cost
// overruns as fractions of the plan's estimates.
func (t *Tracker) Sample(_ context.Context, plan *types.Plan) (map[string]float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := map[string]float64{
		MetricProgress:     plan.CompletedFraction() * 100,
		MetricErrorRate:    0,
		MetricScheduleSlip: 0,
		MetricCostOverrun:  0,
	}
	m, ok := t.runs[plan.GoalID]
	if !ok {
		return out, nil
	}
	if m.total > 0 {
		if p := float64(m.done) / float64(m.total) * 100; p > out[MetricProgress] {
			out[MetricProgress] = p
		}
	}
	if m.attempts > 0 {
		out[MetricErrorRate] = float64(m.failures) / float64(m.attempts)
	}
	if m.plannedDuration > 0 && m.actual > m.scheduled {
		out[MetricScheduleSlip] = float64(m.actual-m.scheduled) / float64(m.plannedDuration)
	}
	if m.plannedCost > 0 && m.spent > m.budgeted {
		out[MetricCostOverrun] = (m.spent - m.budgeted) / m.plannedCost
	}
	return out, nil
}
