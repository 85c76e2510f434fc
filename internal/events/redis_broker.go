package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Stream field names.
const (
	fieldEventID  = "event_id"
	fieldKind     = "kind"
	fieldEnvelope = "envelope"
)

// RedisStreamBroker appends envelopes to one Redis stream per topic.
type RedisStreamBroker struct {
	client redis.UniversalClient
	maxLen int64
}

// NewRedisStreamBroker trims each stream to roughly maxLen entries; zero keeps everything.
func NewRedisStreamBroker(client redis.UniversalClient, maxLen int64) *RedisStreamBroker {
	return &RedisStreamBroker{client: client, maxLen: maxLen}
}

func (b *RedisStreamBroker) Send(ctx context.Context, topic string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: map[string]interface{}{
			fieldEventID:  env.EventID.String(),
			fieldKind:     string(env.Kind),
			fieldEnvelope: string(body),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", topic, err)
	}
	return nil
}
