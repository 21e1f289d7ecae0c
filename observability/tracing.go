// Package observability provides Prometheus metrics and OpenTelemetry spans
// for the delivery pipeline.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/chainhook"

// Tracer starts pipeline spans. A nil *Tracer is valid and starts no spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer using the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartPollSpan covers one poll-match-deliver-commit cycle.
func (t *Tracer) StartPollSpan(ctx context.Context, since string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, "chainhook.poll",
		trace.WithAttributes(attribute.String("chainhook.cursor", since)))
}

// StartDeliverySpan covers one (subscription, event) retry sequence.
func (t *Tracer) StartDeliverySpan(ctx context.Context, subscriptionID, eventKey, eventType string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, "chainhook.deliver",
		trace.WithAttributes(
			attribute.String("chainhook.subscription_id", subscriptionID),
			attribute.String("chainhook.event_key", eventKey),
			attribute.String("chainhook.event_type", eventType),
		),
	)
}

// noopSpan returns a span that records nothing.
func noopSpan() trace.Span {
	return trace.SpanFromContext(context.Background())
}

// EndDeliverySpan annotates and ends a delivery span. A non-empty errMsg
// marks the span as failed.
func EndDeliverySpan(span trace.Span, attempts, statusCode int, errMsg string) {
	span.SetAttributes(
		attribute.Int("chainhook.attempts", attempts),
		attribute.Int("http.status_code", statusCode),
	)
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
}

// EndSpan ends span, recording err when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
