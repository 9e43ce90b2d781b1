package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the recorder and query service instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TraceDuration    metric.Float64Histogram
	StepDuration     metric.Float64Histogram
	TracesEnded      metric.Int64Counter
	StepsFailed      metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("xray.request.duration",
		metric.WithDescription("Query service request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TraceDuration, err = meter.Float64Histogram("xray.trace.duration",
		metric.WithDescription("Recorded trace duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("xray.step.duration",
		metric.WithDescription("Recorded step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TracesEnded, err = meter.Int64Counter("xray.traces.ended",
		metric.WithDescription("Traces finalized, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsFailed, err = meter.Int64Counter("xray.steps.failed",
		metric.WithDescription("Steps that ended with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("xray.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
