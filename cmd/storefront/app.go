package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/config"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/events"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/idempotency"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/resilience"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/storage"
)

const streamMaxLen = 100_000

// app holds the shared infrastructure of a command and closes it in reverse.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	redis   *redis.Client
	closers []func()
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	return &app{cfg: cfg, logger: logger}
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.RedisAddr, err)
	}
	a.logger.Info("connected to redis", slog.String("addr", a.cfg.RedisAddr))
	a.redis = client
	a.onClose(func() { client.Close() })
	return client, nil
}

func (a *app) store(ctx context.Context) (payment.Store, error) {
	if a.cfg.Storage == config.StorageMemory {
		a.logger.Warn("using in-memory order storage")
		return storage.NewMemory(), nil
	}
	pool, err := storage.Connect(ctx, a.cfg.Database.DSN(), a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(pool.Close)
	pg := storage.NewPostgres(pool, a.logger)
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

func (a *app) guard(ctx context.Context) (*idempotency.Guard, error) {
	var store idempotency.Store
	switch a.cfg.Idempotency.Store {
	case config.StorageRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		store = idempotency.NewRedisStore(client, "idem:")
	case config.StoragePostgres:
		s, err := idempotency.OpenSQLStore(ctx, a.cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		a.onClose(func() { s.Close() })
		store = s
	default:
		a.logger.Warn("using in-memory idempotency store")
		store = idempotency.NewMemoryStore()
	}
	return idempotency.NewGuard(store, idempotency.Options{
		TTL:     a.cfg.Idempotency.TTL,
		Timeout: a.cfg.Idempotency.Timeout,
		Logger:  a.logger,
	}), nil
}

func (a *app) retryPolicy(name string) *resilience.RetryPolicy {
	r := a.cfg.Retry
	return &resilience.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		Multiplier:   r.Multiplier,
		MaxDelay:     r.MaxDelay,
		Jitter:       r.Jitter,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			a.logger.Warn("retrying call",
				slog.String("dependency", name),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err))
		},
	}
}

func (a *app) breaker(name string) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{
		Name:             name,
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		Cooldown:         a.cfg.Breaker.Cooldown,
		OnStateChange: func(name string, from, to resilience.State) {
			a.logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

func topic(prefix string, f order.Family) string {
	return prefix + "." + string(f)
}

// broker returns nil when events stay in process.
func (a *app) broker(ctx context.Context) (events.Broker, error) {
	b := a.cfg.Broker
	switch b.Kind {
	case config.BrokerRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return events.NewRedisStreamBroker(client, streamMaxLen), nil
	case config.BrokerDTM:
		routes := make(map[string][]string)
		for _, f := range []order.Family{order.FamilyOrders, order.FamilyPayments} {
			urls := b.Subscribers[string(f)]
			t := topic(b.TopicPrefix, f)
			routes[t] = urls
			routes[events.DeadLetterTopic(t)] = urls
		}
		return events.NewDTMBroker(b.DTMServer, routes), nil
	default:
		return nil, nil
	}
}

func (a *app) streams() []string {
	return []string{
		topic(a.cfg.Broker.TopicPrefix, order.FamilyOrders),
		topic(a.cfg.Broker.TopicPrefix, order.FamilyPayments),
	}
}

func (a *app) receipts() *events.ReceiptSubscriber {
	return events.NewReceiptSubscriber(events.NullDirectory{}, events.TextRenderer{}, events.LogMailer{Logger: a.logger}, a.logger)
}
