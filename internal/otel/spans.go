package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for decision trace spans.
var (
	AttrTraceID    = attribute.Key("xray.trace.id")
	AttrTraceName  = attribute.Key("xray.trace.name")
	AttrStepID     = attribute.Key("xray.step.id")
	AttrStepName   = attribute.Key("xray.step.name")
	AttrStepOrder  = attribute.Key("xray.step.order")
	AttrStatus     = attribute.Key("xray.status")
	AttrModel      = attribute.Key("xray.llm.model")
	AttrHTTPRoute  = attribute.Key("http.route")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
	AttrRequestID  = attribute.Key("xray.request.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
