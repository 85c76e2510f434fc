package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
)

// Envelope is the broker wire form of an event.
type Envelope struct {
	EventID     uuid.UUID       `json:"event_id"`
	Kind        order.EventKind `json:"kind"`
	Family      order.Family    `json:"family"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data"`
	// Manual trace context propagation (brokers don't carry W3C headers)
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NewEnvelope wraps e and stamps the trace context found in ctx.
func NewEnvelope(ctx context.Context, e order.Event) (Envelope, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", e.Kind(), err)
	}
	env := Envelope{
		EventID:     e.EventID(),
		Kind:        e.Kind(),
		Family:      e.Family(),
		AggregateID: e.AggregateID(),
		OccurredAt:  e.OccurredAt(),
		Data:        data,
	}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		env.TraceID = span.SpanContext().TraceID().String()
		env.SpanID = span.SpanContext().SpanID().String()
	}
	return env, nil
}

// Event decodes the concrete event carried by the envelope.
func (e Envelope) Event() (order.Event, error) {
	return order.DecodeEvent(e.Kind, e.Data)
}

// startSpanFromEnvelope creates a child span linked to the propagated trace context
func startSpanFromEnvelope(ctx context.Context, operationName string, env Envelope) (context.Context, trace.Span) {
	if env.TraceID != "" && env.SpanID != "" {
		parsedTraceID, _ := trace.TraceIDFromHex(env.TraceID)
		parsedSpanID, _ := trace.SpanIDFromHex(env.SpanID)

		spanContext := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    parsedTraceID,
			SpanID:     parsedSpanID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})
		ctx = trace.ContextWithSpanContext(ctx, spanContext)
	}
	return otel.Tracer("storefront/events").Start(ctx, operationName)
}
