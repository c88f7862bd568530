// Package observability wires the command engine and projection runtime
// to OpenTelemetry, grounded on the teacher's pkg/observability/metrics.go
// (same meter-per-instrument construction pattern) narrowed to the
// instruments this repository's two hot paths need: commands handled and
// projection lag. Tracing spans follow the teacher's
// pkg/runtime/eventbus/service.go use of a package-level tracer name.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/authapp/coreid"

// Tracer is the shared tracer used across the command engine and
// projection runtime.
var Tracer = otel.Tracer(instrumentationName)

// Metrics holds the instruments shared by the command engine and the
// projection runtime. A nil *Metrics is valid: every method is a no-op on
// a nil receiver, so callers that don't care about telemetry can pass nil.
type Metrics struct {
	CommandsHandled   metric.Int64Counter
	CommandErrors     metric.Int64Counter
	EventsAppended    metric.Int64Counter
	ProjectionApplied metric.Int64Counter
	ProjectionErrors  metric.Int64Counter
	ProjectionLag     metric.Float64Gauge
}

// NewMetrics constructs the instrument set against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.CommandsHandled, err = meter.Int64Counter(
		"coreid.command.handled",
		metric.WithDescription("Commands that completed the engine's six-step template"),
	); err != nil {
		return nil, fmt.Errorf("creating command.handled: %w", err)
	}
	if m.CommandErrors, err = meter.Int64Counter(
		"coreid.command.errors",
		metric.WithDescription("Commands that returned a coded error"),
	); err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}
	if m.EventsAppended, err = meter.Int64Counter(
		"coreid.events.appended",
		metric.WithDescription("Events committed to the event log"),
	); err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}
	if m.ProjectionApplied, err = meter.Int64Counter(
		"coreid.projection.events_applied",
		metric.WithDescription("Events applied by a projection"),
	); err != nil {
		return nil, fmt.Errorf("creating projection.events_applied: %w", err)
	}
	if m.ProjectionErrors, err = meter.Int64Counter(
		"coreid.projection.errors",
		metric.WithDescription("Projection apply failures that did not advance the checkpoint"),
	); err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}
	if m.ProjectionLag, err = meter.Float64Gauge(
		"coreid.projection.lag_seconds",
		metric.WithDescription("Seconds since the projection's checkpoint last advanced"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating projection.lag_seconds: %w", err)
	}
	return m, nil
}

func (m *Metrics) RecordCommand(ctx context.Context, commandType string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("command_type", commandType))
	m.CommandsHandled.Add(ctx, 1, attrs)
	if err != nil {
		m.CommandErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordEventsAppended(ctx context.Context, aggregateType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsAppended.Add(ctx, int64(n), metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
}

func (m *Metrics) RecordProjectionApplied(ctx context.Context, projection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ProjectionApplied.Add(ctx, int64(n), metric.WithAttributes(attribute.String("projection", projection)))
}

func (m *Metrics) RecordProjectionError(ctx context.Context, projection string) {
	if m == nil {
		return
	}
	m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("projection", projection)))
}

func (m *Metrics) RecordProjectionLag(ctx context.Context, projection string, seconds float64) {
	if m == nil {
		return
	}
	m.ProjectionLag.Record(ctx, seconds, metric.WithAttributes(attribute.String("projection", projection)))
}

// StartSpan starts a span under the shared tracer, mirroring the
// teacher's one-tracer-per-package convention.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
