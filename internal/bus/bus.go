// Package bus is the typed in-process event bus connecting the decision engine,
// execution controller and plan monitor to their observers.
//
// Publishing never blocks: events are queued on a buffered channel and a single
// dispatcher goroutine delivers them in publish order. When the queue is full the
// event is dropped and counted.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"deliberate/internal/logging"

	"github.com/google/uuid"
)

// Topic names an event stream.
type Topic string

const (
	TopicDecisionStart    Topic = "decision:start"
	TopicDecisionComplete Topic = "decision:complete"
	TopicDecisionError    Topic = "decision:error"

	TopicPlanCreated    Topic = "plan:created"
	TopicPlanReplanning Topic = "plan:replanning"
	TopicPlanAdapted    Topic = "plan:adapted"
	TopicPlanCompleted  Topic = "plan:completed"
	TopicPlanFailed     Topic = "plan:failed"
	TopicPlanCancelled  Topic = "plan:cancelled"
	TopicPlanProgress   Topic = "plan:progress"

	TopicStepCompleted      Topic = "execution:step_completed"
	TopicStepFailed         Topic = "execution:step_failed"
	TopicExecutionCompleted Topic = "execution:completed"
	TopicExecutionAborted   Topic = "execution:aborted"
	TopicExecutionFailed    Topic = "execution:failed"
)

// Event is one notification on the bus.
type Event struct {
	ID         string    `json:"id"`
	Topic      Topic     `json:"topic"`
	Timestamp  time.Time `json:"timestamp"`
	GoalID     string    `json:"goal_id,omitempty"`
	PlanID     string    `json:"plan_id,omitempty"`
	DecisionID string    `json:"decision_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// Handler receives events. Handlers run on the dispatcher goroutine and must not block.
type Handler func(Event)

// Publisher is the emitting side of the bus.
type Publisher interface {
	Publish(Event) bool
}

// Emit publishes ev on p when p is non-nil.
func Emit(p Publisher, ev Event) {
	if p == nil {
		return
	}
	p.Publish(ev)
}

type subscription struct {
	topics  map[Topic]bool // nil = all topics
	handler Handler
}

// Bus is an ordered, non-blocking publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
	queue  chan Event
	done   chan struct{}
	closed bool

	dropped   atomic.Int64
	delivered atomic.Int64
}

// New starts a bus with the given queue capacity.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		subs:  make(map[int]subscription),
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers handler for the given topics (all topics when none are
// given) and returns a function that removes the subscription.
func (b *Bus) Subscribe(handler Handler, topics ...Topic) (unsubscribe func()) {
	sub := subscription{handler: handler}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish enqueues ev without blocking. It returns false when the bus is closed
// or the queue is full.
func (b *Bus) Publish(ev Event) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- ev:
		return true
	default:
		b.dropped.Add(1)
		logging.Get(logging.CategoryBus).Warn("bus queue full, dropped %s event (goal=%s plan=%s)", ev.Topic, ev.GoalID, ev.PlanID)
		return false
	}
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for ev := range b.queue {
		b.mu.RLock()
		handlers := make([]Handler, 0, len(b.subs))
		// Deliver in subscription order so observers see a stable sequence.
		for id := 0; id < b.nextID; id++ {
			sub, ok := b.subs[id]
			if !ok {
				continue
			}
			if sub.topics == nil || sub.topics[ev.Topic] {
				handlers = append(handlers, sub.handler)
			}
		}
		b.mu.RUnlock()

		for _, h := range handlers {
			b.deliver(h, ev)
		}
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryBus).Error("handler panic on %s: %v", ev.Topic, fmt.Sprint(r))
		}
	}()
	h(ev)
	b.delivered.Add(1)
}

// Close stops accepting events, delivers everything already queued and waits
// for the dispatcher to exit. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	<-b.done
}

// Dropped returns how many events were discarded because the queue was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Delivered returns how many handler invocations completed.
func (b *Bus) Delivered() int64 { return b.delivered.Load() }

// Recorder is a subscriber that keeps every event it sees, for tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder subscribes a recorder to b for the given topics.
func NewRecorder(b *Bus, topics ...Topic) *Recorder {
	r := &Recorder{notify: make(chan struct{}, 1)}
	b.Subscribe(r.record, topics...)
	return r
}

func (r *Recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many recorded events have the given topic.
func (r *Recorder) Count(topic Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}

// WaitFor blocks until an event with topic has been recorded or timeout elapses.
func (r *Recorder) WaitFor(topic Topic, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if r.Count(topic) > 0 {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Count(topic) > 0
		}
	}
}
