package resilience

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUpstream = &StatusError{StatusCode: http.StatusServiceUnavailable}

func failing(ctx context.Context) error    { return errUpstream }
func succeeding(ctx context.Context) error { return nil }

func newTestBreaker(clock *fakeClock) *Breaker {
	return NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, Cooldown: 30 * time.Second, Now: clock.Now})
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	// Arrange
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	// Act
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing)
	}
	called := false
	err := b.Execute(ctx, func(ctx context.Context) error { called = true; return nil })

	// Assert
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, apperr.CodeProviderCircuitOpen, apperr.CodeOf(err))
	assert.False(t, called)
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, succeeding)
	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_NonFailuresDoNotCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)
	declined := apperr.New("Provider.Authorization.DECLINED", apperr.KindProviderRejected, "")

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return declined })
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenTrialClosesOnSuccess(t *testing.T) {
	// Arrange
	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []State
	b := NewBreaker(BreakerConfig{
		Name: "test", FailureThreshold: 1, Cooldown: 30 * time.Second, Now: clock.Now,
		OnStateChange: func(_ string, _, to State) { transitions = append(transitions, to) },
	})
	ctx := context.Background()
	_ = b.Execute(ctx, failing)

	// Act
	clock.Advance(29 * time.Second)
	errEarly := b.Execute(ctx, succeeding)
	clock.Advance(time.Second)
	errTrial := b.Execute(ctx, succeeding)

	// Assert
	assert.ErrorIs(t, errEarly, ErrOpen)
	assert.NoError(t, errTrial)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, Cooldown: time.Second, Now: clock.Now})
	ctx := context.Background()
	_ = b.Execute(ctx, failing)

	clock.Advance(time.Second)
	err := b.Execute(ctx, failing)

	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, succeeding), ErrOpen)
}

func TestBreaker_PanicInTrialReopens(t *testing.T) {
	// Arrange
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, Cooldown: time.Second, Now: clock.Now})
	ctx := context.Background()
	_ = b.Execute(ctx, failing)
	clock.Advance(time.Second)

	// Act
	assert.Panics(t, func() {
		_ = b.Execute(ctx, func(ctx context.Context) error { panic("boom") })
	})
	stateAfterPanic := b.State()
	clock.Advance(time.Second)
	err := b.Execute(ctx, succeeding)

	// Assert
	assert.Equal(t, StateOpen, stateAfterPanic)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_UnavailableIsNotCircuitOpen(t *testing.T) {
	// Arrange
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock)
	unavailable := apperr.Wrap(apperr.CodeProviderUnavailable, apperr.KindProviderTransient, "provider returned 502", errUpstream)
	ctx := context.Background()

	// Act
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func(ctx context.Context) error { return unavailable })
	}

	// Assert
	assert.NotErrorIs(t, unavailable, ErrOpen)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SingleHalfOpenTrial(t *testing.T) {
	// Arrange
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, Cooldown: time.Second, Now: clock.Now})
	ctx := context.Background()
	_ = b.Execute(ctx, failing)
	clock.Advance(time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	var trials int32
	var rejected int32

	// Act
	go func() {
		_ = b.Execute(ctx, func(ctx context.Context) error {
			atomic.AddInt32(&trials, 1)
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(ctx, func(ctx context.Context) error {
				atomic.AddInt32(&trials, 1)
				return nil
			})
			if err == ErrOpen {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()
	close(release)

	// Assert
	assert.Equal(t, int32(1), atomic.LoadInt32(&trials))
	assert.Equal(t, int32(20), atomic.LoadInt32(&rejected))
}

func TestRetryWrapsBreaker(t *testing.T) {
	// Arrange
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 2, Cooldown: time.Minute, Now: clock.Now})
	var waits []time.Duration
	p := DefaultRetryPolicy()
	p.MaxAttempts = 5
	p.sleep = recordingSleep(&waits)
	calls := 0

	// Act
	err := p.Do(context.Background(), func(ctx context.Context) error {
		return b.Execute(ctx, func(ctx context.Context) error {
			calls++
			return errUpstream
		})
	})

	// Assert
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 2, calls)
	assert.Len(t, waits, 2)
}
