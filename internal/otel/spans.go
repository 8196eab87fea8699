package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for bridge spans and metrics.
var (
	AttrEndpoint   = attribute.Key("studiobridge.endpoint")
	AttrRequestID  = attribute.Key("studiobridge.request.id")
	AttrReason     = attribute.Key("studiobridge.reason")
	AttrToolName   = attribute.Key("studiobridge.tool.name")
	AttrMode       = attribute.Key("studiobridge.mode")
	AttrInstanceID = attribute.Key("studiobridge.instance.id")
)

// StartServerSpan starts a span for an inbound call (MCP tools/call, /op).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (proxy relay).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
