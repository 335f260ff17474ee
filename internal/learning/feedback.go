// Package learning forwards decision and plan outcomes to learning
// collaborators. Outcomes arrive on the event bus and are fanned out to every
// configured sink with a delivery timeout.
package learning

import (
	"context"
	"sync"
	"time"

	"deliberate/internal/bus"
)

// Kind groups feedback by what produced it.
type Kind string

const (
	KindDecision  Kind = "/decision"
	KindPlan      Kind = "/plan"
	KindExecution Kind = "/execution"
	KindStep      Kind = "/step"
)

// Feedback is one outcome reported to learning.
type Feedback struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Topic      string    `json:"topic"`
	Success    bool      `json:"success"`
	GoalID     string    `json:"goal_id,omitempty"`
	PlanID     string    `json:"plan_id,omitempty"`
	DecisionID string    `json:"decision_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives feedback.
type Sink interface {
	Record(ctx context.Context, fb Feedback) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, fb Feedback) error

func (f SinkFunc) Record(ctx context.Context, fb Feedback) error { return f(ctx, fb) }

// outcomes maps each learned-from topic to its kind and success flag.
var outcomes = map[bus.Topic]struct {
	kind    Kind
	success bool
}{
	bus.TopicDecisionComplete:   {KindDecision, true},
	bus.TopicDecisionError:      {KindDecision, false},
	bus.TopicPlanCompleted:      {KindPlan, true},
	bus.TopicPlanFailed:         {KindPlan, false},
	bus.TopicPlanAdapted:        {KindPlan, false},
	bus.TopicExecutionCompleted: {KindExecution, true},
	bus.TopicExecutionAborted:   {KindExecution, false},
	bus.TopicExecutionFailed:    {KindExecution, false},
	bus.TopicStepFailed:         {KindStep, false},
}

// Topics returns the bus topics learning listens to.
func Topics() []bus.Topic {
	return []bus.Topic{
		bus.TopicDecisionComplete, bus.TopicDecisionError,
		bus.TopicPlanCompleted, bus.TopicPlanFailed, bus.TopicPlanAdapted,
		bus.TopicExecutionCompleted, bus.TopicExecutionAborted, bus.TopicExecutionFailed,
		bus.TopicStepFailed,
	}
}

// FromEvent converts a bus event into feedback. It returns false for topics
// learning does not consume.
func FromEvent(ev bus.Event) (Feedback, bool) {
	o, ok := outcomes[ev.Topic]
	if !ok {
		return Feedback{}, false
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Feedback{
		ID:         ev.ID,
		Kind:       o.kind,
		Topic:      string(ev.Topic),
		Success:    o.success,
		GoalID:     ev.GoalID,
		PlanID:     ev.PlanID,
		DecisionID: ev.DecisionID,
		StepID:     ev.StepID,
		Message:    ev.Message,
		Timestamp:  ts,
	}, true
}

// Collector keeps every feedback it receives in memory.
type Collector struct {
	mu    sync.Mutex
	items []Feedback
}

// Record appends fb.
func (c *Collector) Record(_ context.Context, fb Feedback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, fb)
	return nil
}

// Feedback returns a copy of everything recorded so far.
func (c *Collector) Feedback() []Feedback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Feedback(nil), c.items...)
}
