package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/resilience"
)

// Broker sends an envelope to a named topic.
type Broker interface {
	Send(ctx context.Context, topic string, env Envelope) error
}

const (
	DefaultTopicPrefix = "storefront"
	deadLetterSuffix   = ".dead"
)

// DeadLetterTopic is where envelopes go once delivery to topic is exhausted.
func DeadLetterTopic(topic string) string {
	return topic + deadLetterSuffix
}

type PublisherOptions struct {
	TopicPrefix string
	// Retry bounds delivery to the broker. Nil retries three times on any error.
	Retry *resilience.RetryPolicy
	// DeadLetter receives exhausted envelopes. Nil means the main broker.
	DeadLetter Broker
	Logger     *slog.Logger
}

// Publisher implementa payment.EventSink
type Publisher struct {
	registry   *Registry
	broker     Broker
	deadLetter Broker
	prefix     string
	retry      *resilience.RetryPolicy
	logger     *slog.Logger

	tracer       trace.Tracer
	published    metric.Int64Counter
	deadLettered metric.Int64Counter
}

// NewPublisher cria uma nova instância de Publisher. Com broker nil a entrega
// fica no próprio processo.
func NewPublisher(registry *Registry, broker Broker, opts PublisherOptions) *Publisher {
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.Retry == nil {
		opts.Retry = &resilience.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     time.Second,
			Jitter:       0.2,
			Retryable:    func(error) bool { return true },
		}
	}
	if opts.DeadLetter == nil {
		opts.DeadLetter = broker
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	meter := otel.Meter("storefront/events")
	published, _ := meter.Int64Counter("events.published")
	deadLettered, _ := meter.Int64Counter("events.dead_lettered")
	return &Publisher{
		registry:     registry,
		broker:       broker,
		deadLetter:   opts.DeadLetter,
		prefix:       opts.TopicPrefix,
		retry:        opts.Retry,
		logger:       opts.Logger,
		tracer:       otel.Tracer("storefront/events"),
		published:    published,
		deadLettered: deadLettered,
	}
}

// Topic names the broker topic of a family.
func (p *Publisher) Topic(f order.Family) string {
	return p.prefix + "." + string(f)
}

// Publish dispatches each event in order: in-process handlers first, then the
// broker. It returns the joined handler failures and any envelope that could
// neither be delivered nor dead-lettered.
func (p *Publisher) Publish(ctx context.Context, events ...order.Event) error {
	var errs []error
	for _, e := range events {
		if err := p.publishOne(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) publishOne(ctx context.Context, e order.Event) error {
	ctx, span := p.tracer.Start(ctx, "events.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.kind", string(e.Kind())),
		attribute.String("event.id", e.EventID().String()),
		attribute.String("order_id", e.AggregateID().String()),
	)

	var errs []error
	if err := p.registry.Dispatch(ctx, e); err != nil {
		span.RecordError(err)
		p.logger.ErrorContext(ctx, "event handler failed",
			slog.String("kind", string(e.Kind())), slog.String("order_id", e.AggregateID().String()), slog.Any("error", err))
		errs = append(errs, err)
	}
	if p.broker == nil {
		return errors.Join(errs...)
	}

	if err := p.send(ctx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "broker delivery failed")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Publisher) send(ctx context.Context, e order.Event) error {
	env, err := NewEnvelope(ctx, e)
	if err != nil {
		return apperr.Wrap(apperr.CodeEventPublishFailed, apperr.KindInternal, "encode event", err)
	}
	topic := p.Topic(e.Family())

	attempt := 0
	sendErr := p.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		return p.broker.Send(ctx, topic, env)
	})
	if sendErr == nil {
		p.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
		return nil
	}

	dead := DeadLetterTopic(topic)
	p.logger.WarnContext(ctx, "broker delivery exhausted, dead-lettering",
		slog.String("topic", topic), slog.String("event_id", env.EventID.String()),
		slog.Int("attempt", attempt), slog.Any("error", sendErr))
	if err := p.deadLetter.Send(ctx, dead, env); err != nil {
		p.logger.ErrorContext(ctx, "dead-letter delivery failed",
			slog.String("code", apperr.CodeEventPublishFailed), slog.String("topic", dead),
			slog.String("event_id", env.EventID.String()), slog.Any("error", err))
		return apperr.Wrap(apperr.CodeEventPublishFailed, apperr.KindUnavailable,
			fmt.Sprintf("event %s not delivered", env.EventID), errors.Join(sendErr, err))
	}
	p.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	return nil
}
