package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned without calling the dependency while the breaker is open
// or while the single half-open trial is in flight.
var ErrOpen = apperr.New(apperr.CodeProviderCircuitOpen, apperr.KindUnavailable, "circuit open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration
	// IsFailure decides which errors count against the dependency. Nil means IsTransient.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// Breaker is a consecutive-failure circuit breaker. One mutex guards the state,
// the counter and the trial flag so the counting and the transition decision
// cannot interleave.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool

	transitions metric.Int64Counter
	rejected    metric.Int64Counter
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsTransient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	meter := otel.Meter("storefront/resilience")
	transitions, _ := meter.Int64Counter("circuit_breaker.transitions")
	rejected, _ := meter.Int64Counter("circuit_breaker.rejected")
	return &Breaker{cfg: cfg, transitions: transitions, rejected: rejected}
}

// State reports the current state, moving Open to HalfOpen when the cooldown elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen)
	}
	return b.state
}

// Execute runs fn if the breaker allows it and records the outcome. A panic in
// fn counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	trial, err := b.allow()
	if err != nil {
		if b.rejected != nil {
			b.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("breaker", b.cfg.Name)))
		}
		return err
	}
	completed := false
	defer func() {
		if completed {
			b.record(trial, err != nil && b.cfg.IsFailure(err))
			return
		}
		b.record(trial, true)
	}()
	err = fn(ctx)
	completed = true
	return err
}

func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrOpen
		}
		b.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.trial {
			return false, ErrOpen
		}
		b.trial = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(trial, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trial = false
		if failed {
			b.trip()
			return
		}
		b.failures = 0
		b.setState(StateClosed)
		return
	}
	if b.state != StateClosed {
		return
	}
	if !failed {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.cfg.Now()
	b.setState(StateOpen)
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.transitions != nil {
		b.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("breaker", b.cfg.Name),
			attribute.String("to", to.String()),
		))
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
