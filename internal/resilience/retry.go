package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy retries an operation with capped exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter is the fraction of the base delay added at random. It is capped at
	// Multiplier-1 so that consecutive delays never decrease.
	Jitter float64
	// Retryable decides which errors are transient. Nil means IsTransient.
	Retryable func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
	mu    sync.Mutex
	rnd   *rand.Rand
}

// DefaultRetryPolicy mirrors the provider recommendations: 3 attempts, 200ms doubling, capped at 2s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     2 * time.Second,
		Jitter:       0.2,
	}
}

// BaseDelay returns the delay before retry number attempt (1-based) without jitter.
func (p *RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns the jittered delay before retry number attempt, bounded by MaxDelay.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay(attempt)
	frac := p.Jitter
	if limit := p.Multiplier - 1; frac > limit {
		frac = limit
	}
	if frac > 0 && base > 0 {
		base += time.Duration(p.random() * frac * float64(base))
	}
	if p.MaxDelay > 0 && base > p.MaxDelay {
		return p.MaxDelay
	}
	return base
}

func (p *RetryPolicy) random() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rnd.Float64()
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The last error is returned.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !retryable(err) {
			return err
		}
		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
