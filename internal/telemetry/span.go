package telemetry

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// End records err on span, sets its status and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TracerOrNoop returns t, or a tracer that records nothing when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return t
}

// MeterOrNoop returns m, or a meter whose instruments discard everything when m is nil.
func MeterOrNoop(m metric.Meter) metric.Meter {
	if m == nil {
		return metricnoop.NewMeterProvider().Meter("")
	}
	return m
}

// Counter creates an Int64Counter, falling back to a no-op one if the meter rejects it.
func Counter(m metric.Meter, name, description string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		c, _ = metricnoop.NewMeterProvider().Meter("").Int64Counter(name)
	}
	return c
}
