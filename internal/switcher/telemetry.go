package switcher

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InstrumentationName is the name used for OTEL instrumentation.
	InstrumentationName = "github.com/fyrsmithlabs/gardener/internal/switcher"
)

// Metrics provides OpenTelemetry metrics for the switcher package.
type Metrics struct {
	switchTotal    metric.Int64Counter
	reasonTotal    metric.Int64Counter
	evictionTotal  metric.Int64Counter
	warmHitTotal   metric.Int64Counter
	switchDuration metric.Float64Histogram
	reservedBytes  metric.Int64Histogram

	initialized bool
}

// NewMetrics creates a new Metrics instance with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.switchTotal, err = meter.Int64Counter(
		"switcher.switch.total",
		metric.WithDescription("Total number of switch attempts by outcome"),
		metric.WithUnit("{switch}"),
	)
	if err != nil {
		return nil, err
	}

	m.reasonTotal, err = meter.Int64Counter(
		"switcher.switch.reason.total",
		metric.WithDescription("Degradation and failure reasons recorded by switches"),
		metric.WithUnit("{reason}"),
	)
	if err != nil {
		return nil, err
	}

	m.evictionTotal, err = meter.Int64Counter(
		"switcher.eviction.total",
		metric.WithDescription("Resource sets released to make room for a reservation"),
		metric.WithUnit("{eviction}"),
	)
	if err != nil {
		return nil, err
	}

	m.warmHitTotal, err = meter.Int64Counter(
		"switcher.warm.hit.total",
		metric.WithDescription("Switches served from the warm cache"),
		metric.WithUnit("{switch}"),
	)
	if err != nil {
		return nil, err
	}

	m.switchDuration, err = meter.Float64Histogram(
		"switcher.switch.duration.seconds",
		metric.WithDescription("Duration of switch attempts in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	m.reservedBytes, err = meter.Int64Histogram(
		"switcher.switch.reserved.bytes",
		metric.WithDescription("Budget held by committed sessions"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordSwitch records a finished switch attempt. Project ids are left out
// of metric attributes; they are on the span and in logs.
func (m *Metrics) RecordSwitch(ctx context.Context, r *SwitchResult) {
	if m == nil || !m.initialized {
		return
	}
	outcome := metric.WithAttributes(attribute.String("outcome", string(r.Outcome)))
	m.switchTotal.Add(ctx, 1, outcome)
	m.switchDuration.Record(ctx, r.Duration.Seconds(), outcome)
	for _, reason := range r.Reasons {
		m.reasonTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	}
	if r.WarmHit {
		m.warmHitTotal.Add(ctx, 1)
	}
	if r.Outcome == OutcomeSuccess || r.Outcome == OutcomeDegraded {
		m.reservedBytes.Record(ctx, r.ReservedBytes)
	}
}

// RecordEviction records resources released by the eviction pass.
func (m *Metrics) RecordEviction(ctx context.Context, active bool) {
	if m == nil || !m.initialized {
		return
	}
	kind := "warm"
	if active {
		kind = "active"
	}
	m.evictionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Tracer returns a tracer for the switcher package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a new span tagged with the target project.
func StartSpan(ctx context.Context, name, projectID string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	allOpts := append([]trace.SpanStartOption{
		trace.WithAttributes(attribute.String("project.id", projectID)),
	}, opts...)
	return Tracer().Start(ctx, name, allOpts...)
}

// endSpan annotates the span with the result and ends it.
func endSpan(span trace.Span, r *SwitchResult, err error) {
	if span.IsRecording() {
		if r != nil {
			span.SetAttributes(
				attribute.String("switcher.outcome", string(r.Outcome)),
				attribute.String("switcher.capability", string(r.Capability)),
				attribute.String("switcher.previous_project_id", r.PreviousProjectID),
				attribute.Int64("switcher.reserved_bytes", r.ReservedBytes),
				attribute.Bool("switcher.warm_hit", r.WarmHit),
			)
		}
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case r != nil && r.Outcome == OutcomeFailed:
			span.SetStatus(codes.Error, string(r.Outcome))
		default:
			span.SetStatus(codes.Ok, "")
		}
	}
	span.End()
}
