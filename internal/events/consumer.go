package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/idempotency"
)

// streamClient is the part of redis.UniversalClient the consumer needs.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

type ConsumerOptions struct {
	Group    string
	Name     string
	Streams  []string
	Count    int64
	Block    time.Duration
	Logger   *slog.Logger
	Backoff  time.Duration
	DedupeNS string
	// MinIdle is how long an entry stays pending before it is claimed again.
	MinIdle time.Duration
	// ReclaimEvery spaces the passes over idle pending entries.
	ReclaimEvery time.Duration
}

// Consumer reads broker streams with a consumer group and hands each event to
// the registry once. Entries are acknowledged only after their handlers
// succeed. Entries left pending, by a failed handler or a crashed consumer,
// are claimed again once idle for MinIdle.
type Consumer struct {
	client   streamClient
	registry *Registry
	guard    *idempotency.Guard
	opts     ConsumerOptions
	logger   *slog.Logger
}

func NewConsumer(client streamClient, registry *Registry, guard *idempotency.Guard, opts ConsumerOptions) *Consumer {
	if opts.Group == "" {
		opts.Group = "storefront"
	}
	if opts.Name == "" {
		opts.Name = "consumer-1"
	}
	if opts.Count <= 0 {
		opts.Count = 16
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.DedupeNS == "" {
		opts.DedupeNS = opts.Group
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = time.Minute
	}
	if opts.ReclaimEvery <= 0 {
		opts.ReclaimEvery = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Consumer{client: client, registry: registry, guard: guard, opts: opts, logger: opts.Logger}
}

// Run blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.opts.Streams) == 0 {
		return fmt.Errorf("consumer has no streams")
	}
	for _, stream := range c.opts.Streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.opts.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create group %s on %s: %w", c.opts.Group, stream, err)
		}
	}

	streams := make([]string, 0, 2*len(c.opts.Streams))
	streams = append(streams, c.opts.Streams...)
	for range c.opts.Streams {
		streams = append(streams, ">")
	}

	c.logger.InfoContext(ctx, "consumer started",
		slog.String("group", c.opts.Group), slog.Any("streams", c.opts.Streams))
	var reclaimed time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(reclaimed) >= c.opts.ReclaimEvery {
			c.reclaim(ctx)
			reclaimed = time.Now()
		}
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Name,
			Streams:  streams,
			Count:    c.opts.Count,
			Block:    c.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WarnContext(ctx, "stream read failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.opts.Backoff):
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				if err := c.Handle(ctx, s.Stream, msg); err != nil {
					c.logger.WarnContext(ctx, "event left pending for redelivery",
						slog.String("stream", s.Stream), slog.String("entry", msg.ID), slog.Any("error", err))
				}
			}
		}
	}
}

// reclaim takes over entries that stayed pending longer than MinIdle, on any
// consumer of the group, and handles them again.
func (c *Consumer) reclaim(ctx context.Context) {
	for _, stream := range c.opts.Streams {
		start := "0-0"
		for ctx.Err() == nil {
			msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    c.opts.Group,
				Consumer: c.opts.Name,
				MinIdle:  c.opts.MinIdle,
				Start:    start,
				Count:    c.opts.Count,
			}).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					c.logger.WarnContext(ctx, "pending reclaim failed", slog.String("stream", stream), slog.Any("error", err))
				}
				break
			}
			for _, msg := range msgs {
				if err := c.Handle(ctx, stream, msg); err != nil {
					c.logger.WarnContext(ctx, "reclaimed event still pending",
						slog.String("stream", stream), slog.String("entry", msg.ID), slog.Any("error", err))
				}
			}
			if len(msgs) == 0 || next == "" || next == "0-0" {
				break
			}
			start = next
		}
	}
}

// Handle processes one stream entry. Entries that cannot be decoded are
// acknowledged and dropped; handler failures leave the entry pending.
func (c *Consumer) Handle(ctx context.Context, stream string, msg redis.XMessage) error {
	raw, _ := msg.Values[fieldEnvelope].(string)
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.logger.ErrorContext(ctx, "dropping undecodable stream entry",
			slog.String("stream", stream), slog.String("entry", msg.ID), slog.Any("error", err))
		return c.ack(ctx, stream, msg.ID)
	}
	e, err := env.Event()
	if err != nil {
		c.logger.ErrorContext(ctx, "dropping unknown event",
			slog.String("stream", stream), slog.String("kind", string(env.Kind)), slog.Any("error", err))
		return c.ack(ctx, stream, msg.ID)
	}

	ctx, span := startSpanFromEnvelope(ctx, "events.consume", env)
	defer span.End()
	span.SetAttributes(
		attribute.String("event.kind", string(env.Kind)),
		attribute.String("event.id", env.EventID.String()),
		attribute.String("stream", stream),
	)

	key := "event:" + c.opts.DedupeNS + ":" + env.EventID.String()
	claim, err := c.guard.Begin(ctx, key)
	if err != nil {
		return err
	}
	switch claim.Status {
	case idempotency.ClaimReplay:
		c.logger.DebugContext(ctx, "duplicate event", slog.String("event_id", env.EventID.String()))
		return c.ack(ctx, stream, msg.ID)
	case idempotency.ClaimInProgress:
		return fmt.Errorf("event %s is being handled elsewhere", env.EventID)
	}

	if err := c.registry.Dispatch(ctx, e); err != nil {
		c.guard.Release(ctx, key)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return err
	}
	c.guard.Complete(ctx, key, nil)
	return c.ack(ctx, stream, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, stream, id string) error {
	if err := c.client.XAck(ctx, stream, c.opts.Group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", id, err)
	}
	return nil
}
