package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used in tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

// WithClock replaces the store clock.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// live must be called with mu held.
func (s *MemoryStore) live(key string) (Record, bool) {
	rec, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	if !s.now().Before(rec.ExpiresAt) {
		delete(s.records, key)
		return Record{}, false
	}
	return rec, true
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.live(key); ok {
		return false, &rec, nil
	}
	s.records[key] = Record{Key: key, State: StatePending, ExpiresAt: s.now().Add(ttl)}
	return true, nil, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.records[key] = Record{
		Key:         key,
		State:       StateDone,
		Payload:     append([]byte(nil), payload...),
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && rec.State == StatePending {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
