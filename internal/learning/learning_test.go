package learning

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"deliberate/internal/bus"
	"deliberate/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFromEvent(t *testing.T) {
	tests := []struct {
		topic   bus.Topic
		kind    Kind
		success bool
		ok      bool
	}{
		{bus.TopicDecisionComplete, KindDecision, true, true},
		{bus.TopicDecisionError, KindDecision, false, true},
		{bus.TopicPlanCompleted, KindPlan, true, true},
		{bus.TopicPlanFailed, KindPlan, false, true},
		{bus.TopicExecutionAborted, KindExecution, false, true},
		{bus.TopicStepFailed, KindStep, false, true},
		{bus.TopicPlanProgress, "", false, false},
		{bus.TopicStepCompleted, "", false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.topic), func(t *testing.T) {
			fb, ok := FromEvent(bus.Event{ID: "e1", Topic: tt.topic, GoalID: "g", PlanID: "p"})
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.kind, fb.Kind)
			assert.Equal(t, tt.success, fb.Success)
			assert.Equal(t, "g", fb.GoalID)
			assert.Equal(t, "p", fb.PlanID)
			assert.False(t, fb.Timestamp.IsZero())
		})
	}
}

func TestNotifierFansOutToEverySink(t *testing.T) {
	b := bus.New(16)
	a, c := &Collector{}, &Collector{}
	n := NewNotifier(b, time.Second, 16, a, c)

	b.Publish(bus.Event{Topic: bus.TopicDecisionComplete, DecisionID: "d1", GoalID: "g"})
	b.Publish(bus.Event{Topic: bus.TopicPlanProgress, GoalID: "g"})
	b.Publish(bus.Event{Topic: bus.TopicPlanFailed, PlanID: "p1", GoalID: "g", Message: "deadline passed"})
	b.Close()
	n.Close()

	for _, col := range []*Collector{a, c} {
		got := col.Feedback()
		require.Len(t, got, 2)
		assert.Equal(t, "d1", got[0].DecisionID)
		assert.True(t, got[0].Success)
		assert.Equal(t, "deadline passed", got[1].Message)
		assert.False(t, got[1].Success)
	}
	assert.Equal(t, int64(2), n.Delivered())
	assert.Zero(t, n.Failed())
}

func TestDeliverReportsSinkErrors(t *testing.T) {
	b := bus.New(4)
	defer b.Close()
	good := &Collector{}
	bad := SinkFunc(func(context.Context, Feedback) error { return errors.New("unreachable") })
	n := NewNotifier(b, time.Second, 4, good, bad)
	defer n.Close()

	err := n.Deliver(context.Background(), Feedback{ID: "f", Topic: string(bus.TopicPlanCompleted)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
	assert.Len(t, good.Feedback(), 1)
	assert.Equal(t, int64(1), n.Failed())
}

func TestDeliverTimesOut(t *testing.T) {
	b := bus.New(4)
	defer b.Close()
	slow := SinkFunc(func(ctx context.Context, _ Feedback) error {
		<-ctx.Done()
		return ctx.Err()
	})
	n := NewNotifier(b, 20*time.Millisecond, 4, slow)
	defer n.Close()

	start := time.Now()
	err := n.Deliver(context.Background(), Feedback{ID: "f"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := bus.New(4)
	n := NewNotifier(b, time.Second, 4)
	n.Close()
	n.Close()
	b.Close()
}

type fakeRedis struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
	closed   bool
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	return redis.NewIntResult(1, f.err)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	fake := &fakeRedis{}
	sink := newRedisSink(fake, "")
	fb := Feedback{ID: "f1", Kind: KindPlan, Topic: "plan:completed", Success: true, GoalID: "g1"}
	require.NoError(t, sink.Record(context.Background(), fb))

	require.Len(t, fake.payloads, 1)
	assert.Equal(t, "deliberate:feedback", fake.channels[0])
	var got Feedback
	require.NoError(t, json.Unmarshal(fake.payloads[0], &got))
	assert.Equal(t, fb.ID, got.ID)
	assert.Equal(t, fb.GoalID, got.GoalID)
	assert.True(t, got.Success)

	require.NoError(t, sink.Close())
	assert.True(t, fake.closed)
}

func TestRedisSinkSurfacesPublishErrors(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	sink := newRedisSink(fake, "ch")
	err := sink.Record(context.Background(), Feedback{ID: "f"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ch")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSinksFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	sinks, closeFn := SinksFromConfig(cfg)
	require.Len(t, sinks, 1)
	assert.IsType(t, LogSink{}, sinks[0])
	assert.NoError(t, closeFn())
	assert.NoError(t, sinks[0].Record(context.Background(), Feedback{Topic: "plan:failed"}))
}
