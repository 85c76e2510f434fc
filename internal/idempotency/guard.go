// Package idempotency deduplicates side-effecting operations by key.
//
// The Guard fails open: when the backing store is slow or unreachable the key is
// treated as unprocessed and the operation proceeds. Payment providers enforce
// their own idempotency on session creation, which bounds the cost of a
// duplicate in that window.
package idempotency

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
)

const (
	DefaultTTL        = 7 * 24 * time.Hour
	DefaultPendingTTL = 2 * time.Minute
	DefaultTimeout    = 250 * time.Millisecond
)

// ClaimStatus is the outcome of Begin.
type ClaimStatus int

const (
	// ClaimAcquired means the caller owns the key and must Complete or Release it.
	ClaimAcquired ClaimStatus = iota
	// ClaimReplay means the key was already processed; Payload holds the cached result.
	ClaimReplay
	// ClaimInProgress means another caller holds the key right now.
	ClaimInProgress
)

type Claim struct {
	Status  ClaimStatus
	Payload []byte
	// Degraded is set when the store could not be consulted.
	Degraded bool
}

type Options struct {
	TTL        time.Duration
	PendingTTL time.Duration
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Guard struct {
	store      Store
	ttl        time.Duration
	pendingTTL time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	unavailable metric.Int64Counter
}

func NewGuard(store Store, opts Options) *Guard {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	unavailable, _ := otel.Meter("storefront/idempotency").Int64Counter("idempotency.store_unavailable")
	return &Guard{
		store:       store,
		ttl:         opts.TTL,
		pendingTTL:  opts.PendingTTL,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
		unavailable: unavailable,
	}
}

// Begin claims key atomically.
func (g *Guard) Begin(ctx context.Context, key string) (Claim, error) {
	if key == "" {
		return Claim{}, apperr.Validation(apperr.CodeIdempotencyKeyRequired, "idempotency key is empty")
	}
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	acquired, existing, err := g.store.Claim(sctx, key, g.pendingTTL)
	if err != nil {
		g.degraded(ctx, "claim", key, err)
		return Claim{Status: ClaimAcquired, Degraded: true}, nil
	}
	if acquired {
		return Claim{Status: ClaimAcquired}, nil
	}
	if existing != nil && existing.State == StateDone {
		return Claim{Status: ClaimReplay, Payload: existing.Payload}, nil
	}
	return Claim{Status: ClaimInProgress}, nil
}

// Complete records the result of a claimed key. Store failures are logged only.
func (g *Guard) Complete(ctx context.Context, key string, payload []byte) {
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.Complete(sctx, key, payload, g.ttl); err != nil {
		g.degraded(ctx, "complete", key, err)
	}
}

// Release frees a claimed key after the operation failed.
func (g *Guard) Release(ctx context.Context, key string) {
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.Release(sctx, key); err != nil {
		g.degraded(ctx, "release", key, err)
	}
}

// IsProcessed reports whether key completed. Store failures report false.
func (g *Guard) IsProcessed(ctx context.Context, key string) bool {
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	rec, err := g.store.Get(sctx, key)
	if err != nil {
		g.degraded(ctx, "get", key, err)
		return false
	}
	return rec != nil && rec.State == StateDone
}

// MarkProcessed marks key done without a payload. Only an empty key is an error.
func (g *Guard) MarkProcessed(ctx context.Context, key string) error {
	if key == "" {
		return apperr.Validation(apperr.CodeIdempotencyKeyRequired, "idempotency key is empty")
	}
	g.Complete(ctx, key, nil)
	return nil
}

func (g *Guard) degraded(ctx context.Context, op, key string, err error) {
	if g.unavailable != nil {
		g.unavailable.Add(ctx, 1)
	}
	g.logger.WarnContext(ctx, "idempotency store unavailable, proceeding",
		slog.String("code", apperr.CodeIdempotencyUnavailable),
		slog.String("op", op),
		slog.String("key", key),
		slog.Any("error", err),
	)
}
