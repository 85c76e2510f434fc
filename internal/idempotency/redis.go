package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps records as JSON values with a native key TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, *Record, error) {
	rec := Record{Key: key, State: StatePending, ExpiresAt: time.Now().Add(ttl)}
	value, err := json.Marshal(rec)
	if err != nil {
		return false, nil, err
	}

	ok, err := s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return true, nil, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// Expired between SETNX and GET; report as in progress so the caller retries.
		return false, &Record{Key: key, State: StatePending}, nil
	}
	return false, existing, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	now := time.Now()
	value, err := json.Marshal(Record{
		Key:         key,
		State:       StateDone,
		Payload:     payload,
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	rec, err := s.Get(ctx, key)
	if err != nil || rec == nil || rec.State != StatePending {
		return err
	}
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}
