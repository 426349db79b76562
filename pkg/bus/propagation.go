package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "order-saga/bus"

// injectTraceContext copies the active trace context into the envelope
// headers so the consumer side can continue the same trace.
func injectTraceContext(ctx context.Context, env *Envelope) {
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(env.Headers))
}

// extractTraceContext restores the trace context carried in the envelope
// headers, if any.
func extractTraceContext(ctx context.Context, env Envelope) context.Context {
	if len(env.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Headers))
}

// startPublishSpan opens a producer span for env and injects its context into
// the envelope headers.
func startPublishSpan(ctx context.Context, topic string, env *Envelope) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, env.EventType+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("messaging.message.conversation_id", env.CorrelationID),
		),
	)
	injectTraceContext(ctx, env)
	return ctx, span
}

// startConsumeSpan opens a consumer span linked to the trace the producer
// injected into the envelope.
func startConsumeSpan(ctx context.Context, topic, group string, env Envelope) (context.Context, trace.Span) {
	ctx = extractTraceContext(ctx, env)
	return otel.Tracer(tracerName).Start(ctx, env.EventType+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.consumer.group.name", group),
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("messaging.message.conversation_id", env.CorrelationID),
		),
	)
}

// endSpan records the handler outcome on the span and closes it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
