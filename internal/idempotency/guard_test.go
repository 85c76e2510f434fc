package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
)

// MockStore simula um backend indisponível ou lento
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, *Record, error) {
	args := m.Called(ctx, key, ttl)
	rec, _ := args.Get(1).(*Record)
	return args.Bool(0), rec, args.Error(2)
}

func (m *MockStore) Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	args := m.Called(ctx, key, payload, ttl)
	return args.Error(0)
}

func (m *MockStore) Release(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockStore) Get(ctx context.Context, key string) (*Record, error) {
	args := m.Called(ctx, key)
	rec, _ := args.Get(0).(*Record)
	return rec, args.Error(1)
}

func TestGuard_BeginCompleteReplay(t *testing.T) {
	// Arrange
	g := NewGuard(NewMemoryStore(), Options{})
	ctx := context.Background()

	// Act
	first, err := g.Begin(ctx, "k1")
	require.NoError(t, err)
	second, _ := g.Begin(ctx, "k1")
	g.Complete(ctx, "k1", []byte(`{"session_id":"s1"}`))
	third, _ := g.Begin(ctx, "k1")

	// Assert
	assert.Equal(t, ClaimAcquired, first.Status)
	assert.Equal(t, ClaimInProgress, second.Status)
	assert.Equal(t, ClaimReplay, third.Status)
	assert.JSONEq(t, `{"session_id":"s1"}`, string(third.Payload))
	assert.True(t, g.IsProcessed(ctx, "k1"))
}

func TestGuard_ReleaseAllowsRetry(t *testing.T) {
	g := NewGuard(NewMemoryStore(), Options{})
	ctx := context.Background()

	_, _ = g.Begin(ctx, "k1")
	g.Release(ctx, "k1")
	claim, err := g.Begin(ctx, "k1")

	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, claim.Status)
	assert.False(t, g.IsProcessed(ctx, "k1"))
}

func TestGuard_ExactlyOneConcurrentClaim(t *testing.T) {
	// Arrange
	g := NewGuard(NewMemoryStore(), Options{})
	var acquired int32
	var wg sync.WaitGroup

	// Act
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := g.Begin(context.Background(), "same-key")
			if err == nil && claim.Status == ClaimAcquired {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), acquired)
}

func TestGuard_FailsOpenWhenStoreDown(t *testing.T) {
	// Arrange
	store := new(MockStore)
	storeErr := errors.New("dial tcp: connection refused")
	store.On("Claim", mock.Anything, "k1", DefaultPendingTTL).Return(false, nil, storeErr)
	store.On("Get", mock.Anything, "k1").Return(nil, storeErr)
	store.On("Complete", mock.Anything, "k1", mock.Anything, DefaultTTL).Return(storeErr)
	g := NewGuard(store, Options{})
	ctx := context.Background()

	// Act
	claim, err := g.Begin(ctx, "k1")
	processed := g.IsProcessed(ctx, "k1")
	markErr := g.MarkProcessed(ctx, "k1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, claim.Status)
	assert.True(t, claim.Degraded)
	assert.False(t, processed)
	assert.NoError(t, markErr)
	store.AssertExpectations(t)
}

func TestGuard_StoreCallsAreBounded(t *testing.T) {
	store := new(MockStore)
	store.On("Claim", mock.Anything, "slow", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(false, nil, context.DeadlineExceeded)
	g := NewGuard(store, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	claim, err := g.Begin(context.Background(), "slow")

	require.NoError(t, err)
	assert.True(t, claim.Degraded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuard_EmptyKeyRejected(t *testing.T) {
	g := NewGuard(NewMemoryStore(), Options{})

	_, err := g.Begin(context.Background(), "")

	assert.Equal(t, apperr.CodeIdempotencyKeyRequired, apperr.CodeOf(err))
	assert.Error(t, g.MarkProcessed(context.Background(), ""))
}

func TestMemoryStore_ExpiredRecordIsAbsent(t *testing.T) {
	// Arrange
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, store.Complete(ctx, "k1", []byte("x"), time.Hour))

	// Act
	now = now.Add(time.Hour)
	rec, err := store.Get(ctx, "k1")
	acquired, _, _ := store.Claim(ctx, "k1", time.Minute)

	// Assert
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.True(t, acquired)
}

func TestDeriveKey(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	payload := map[string]any{"items": []string{"sku-1"}, "email": "a@b.c"}

	k1, err := DeriveKey("create_session", payload, time.Hour, now)
	require.NoError(t, err)
	k2, _ := DeriveKey("create_session", payload, time.Hour, now.Add(30*time.Minute))
	k3, _ := DeriveKey("create_session", payload, time.Hour, now.Add(time.Hour))
	k4, _ := DeriveKey("authorize", payload, time.Hour, now)

	assert.Len(t, k1, 64)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}
