package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
)

func recordingSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestRetryPolicy_DelaysWithoutJitter(t *testing.T) {
	// Arrange
	p := &RetryPolicy{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Second}

	// Act & Assert
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, 2*time.Second, p.Delay(6))
}

func TestRetryPolicy_JitteredDelaysNeverDecrease(t *testing.T) {
	p := &RetryPolicy{InitialDelay: 100 * time.Millisecond, Multiplier: 1.5, MaxDelay: 5 * time.Second, Jitter: 0.9}

	for run := 0; run < 200; run++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 10; attempt++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev)
			assert.LessOrEqual(t, d, p.MaxDelay)
			prev = d
		}
	}
}

func TestRetryPolicy_RetriesTransientUntilSuccess(t *testing.T) {
	// Arrange
	var waits []time.Duration
	p := &RetryPolicy{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Second}
	p.sleep = recordingSleep(&waits)
	calls := 0

	// Act
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, waits)
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	var waits []time.Duration
	p := DefaultRetryPolicy()
	p.sleep = recordingSleep(&waits)
	declined := apperr.New("Provider.Authorization.DECLINED", apperr.KindProviderRejected, "")
	calls := 0

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return declined
	})

	assert.ErrorIs(t, err, declined)
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
}

func TestRetryPolicy_ReturnsLastErrorWhenExhausted(t *testing.T) {
	var waits []time.Duration
	p := DefaultRetryPolicy()
	p.sleep = recordingSleep(&waits)
	calls := 0

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusBadGateway, Err: errors.New("attempt")}
	})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2)
}

func TestRetryPolicy_CancelledContextAbortsWait(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithCancel(context.Background())
	p := &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 2}
	calls := 0

	// Act
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context) error {
			calls++
			return context.DeadlineExceeded
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	// Assert
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop after cancellation")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"503", &StatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{"504", &StatusError{StatusCode: http.StatusGatewayTimeout}, true},
		{"400", &StatusError{StatusCode: http.StatusBadRequest}, false},
		{"circuit open", ErrOpen, false},
		{"provider unavailable", apperr.Wrap(apperr.CodeProviderUnavailable, apperr.KindProviderTransient, "provider returned 503",
			&StatusError{StatusCode: http.StatusServiceUnavailable}), true},
		{"provider transient", apperr.New(apperr.CodeProviderTimeout, apperr.KindProviderTransient, ""), true},
		{"declined", apperr.New("Provider.Authorization.DECLINED", apperr.KindProviderRejected, ""), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
