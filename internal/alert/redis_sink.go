package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisSink publishes alerts on a Redis pub/sub channel, for
// low-latency fan-out to any number of live operator dashboards
// without the durability (or setup cost) of SQS.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink constructs a sink bound to one pub/sub channel.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: marshal for redis sink: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		return fmt.Errorf("alert: redis publish: %w", err)
	}
	return nil
}
