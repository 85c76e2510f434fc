package checkoutstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryStore keeps snapshots in process. TTLs are ignored; State checks
// expiry itself.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Save(_ context.Context, id string, data []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

// RedisStore keeps snapshots server-side with the checkout timeout as key TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "checkout:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Load(ctx context.Context, id string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout state: %w", err)
	}
	return v, nil
}

func (r *RedisStore) Save(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+id, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set checkout state: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.prefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete checkout state: %w", err)
	}
	return nil
}
