package learning

import (
	"context"
	"encoding/json"
	"fmt"

	"deliberate/internal/config"
	"deliberate/internal/logging"

	"github.com/redis/go-redis/v9"
)

// LogSink writes feedback to the learning log category.
type LogSink struct{}

// Record logs fb.
func (LogSink) Record(_ context.Context, fb Feedback) error {
	outcome := "success"
	if !fb.Success {
		outcome = "failure"
	}
	logging.Learning("%s %s goal=%s plan=%s decision=%s: %s",
		fb.Topic, outcome, fb.GoalID, fb.PlanID, fb.DecisionID, fb.Message)
	return nil
}

// redisPublisher is the part of *redis.Client the sink uses.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisSink publishes feedback as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  redisPublisher
	channel string
}

// NewRedisSink connects to the configured Redis server. The connection is
// lazy; errors surface on the first Record.
func NewRedisSink(cfg config.RedisConfig) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	return newRedisSink(client, cfg.Channel)
}

func newRedisSink(client redisPublisher, channel string) *RedisSink {
	if channel == "" {
		channel = "deliberate:feedback"
	}
	return &RedisSink{client: client, channel: channel}
}

// Record publishes fb.
func (s *RedisSink) Record(ctx context.Context, fb Feedback) error {
	payload, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("failed to encode feedback: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish feedback to %s: %w", s.channel, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSink) Close() error { return s.client.Close() }

// SinksFromConfig builds the sinks enabled in cfg. The returned closer
// releases any connections they hold.
func SinksFromConfig(cfg *config.Config) ([]Sink, func() error) {
	sinks := []Sink{LogSink{}}
	closer := func() error { return nil }
	if cfg.Learning.Redis.Enabled {
		rs := NewRedisSink(cfg.Learning.Redis)
		sinks = append(sinks, rs)
		closer = rs.Close
		logging.Learning("Publishing feedback to redis %s channel %s", cfg.Learning.Redis.Addr, rs.channel)
	}
	return sinks, closer
}
