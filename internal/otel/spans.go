package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for kernel spans.
var (
	AttrTenantID  = attribute.Key("chatops.tenant.id")
	AttrIntentKey = attribute.Key("chatops.intent.key")
	AttrRunID     = attribute.Key("chatops.run.id")
	AttrLevel     = attribute.Key("chatops.intent.level")
	AttrClass     = attribute.Key("chatops.intent.class")
	AttrActionKey = attribute.Key("chatops.action.key")
	AttrEventType = attribute.Key("chatops.event.type")
	AttrCardID    = attribute.Key("chatops.card.id")
	AttrSource    = attribute.Key("chatops.dispatch.source")
	AttrChannel   = attribute.Key("chatops.notify.channel")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (channel delivery).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
