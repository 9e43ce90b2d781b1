package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/decisiontrace/pkg/xray"
)

// Observer turns finished decision traces into OpenTelemetry spans and
// metrics. Spans are emitted after the fact with the recorded timestamps:
// one span per trace with a child span per step.
type Observer struct {
	tracer  trace.Tracer
	metrics *Metrics
}

var _ xray.Observer = (*Observer)(nil)

// NewObserver returns an observer using tracer and metrics. Either may be nil.
func NewObserver(tracer trace.Tracer, metrics *Metrics) *Observer {
	return &Observer{tracer: tracer, metrics: metrics}
}

func (o *Observer) StepEnded(ctx context.Context, s xray.Step) {
	if o.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrStepName.String(s.Name),
		AttrStatus.String(string(s.Status)),
	)
	if s.DurationMS != nil {
		o.metrics.StepDuration.Record(ctx, msToSeconds(*s.DurationMS), attrs)
	}
	if s.Status == xray.StatusFailed {
		o.metrics.StepsFailed.Add(ctx, 1, metric.WithAttributes(AttrStepName.String(s.Name)))
	}
}

func (o *Observer) TraceEnded(ctx context.Context, t xray.Trace) {
	if o.metrics != nil {
		attrs := metric.WithAttributes(
			AttrTraceName.String(t.Name),
			AttrStatus.String(string(t.Status)),
		)
		if t.DurationMS != nil {
			o.metrics.TraceDuration.Record(ctx, msToSeconds(*t.DurationMS), attrs)
		}
		o.metrics.TracesEnded.Add(ctx, 1, attrs)
	}
	if o.tracer == nil {
		return
	}

	end := endOf(t.StartTime, t.EndTime)
	spanCtx, span := o.tracer.Start(ctx, t.Name,
		trace.WithTimestamp(t.StartTime),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrTraceID.String(t.TraceID),
			AttrTraceName.String(t.Name),
			AttrStatus.String(string(t.Status)),
		),
	)
	for _, s := range t.Steps {
		attrs := []attribute.KeyValue{
			AttrStepID.String(s.StepID),
			AttrStepName.String(s.Name),
			AttrStepOrder.Int(s.Order),
			AttrStatus.String(string(s.Status)),
		}
		if llm, ok := s.Metadata[xray.MetaLLM].(map[string]any); ok {
			if model, ok := llm["model"].(string); ok {
				attrs = append(attrs, AttrModel.String(model))
			}
		}
		_, child := o.tracer.Start(spanCtx, s.Name,
			trace.WithTimestamp(s.StartTime),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attrs...),
		)
		if s.Status == xray.StatusFailed && s.Error != nil {
			child.SetStatus(codes.Error, *s.Error)
		}
		child.End(trace.WithTimestamp(endOf(s.StartTime, s.EndTime)))
	}
	if t.Status == xray.StatusFailed {
		span.SetStatus(codes.Error, "trace failed")
	}
	span.End(trace.WithTimestamp(end))
}

func endOf(start time.Time, end *time.Time) time.Time {
	if end == nil {
		return start
	}
	return *end
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}
