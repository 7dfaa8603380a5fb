// Package telemetry exposes the mesh's own counters through OpenTelemetry
// and carries trace context across envelope boundaries.
//
// The metrics here are the counters the mesh itself must expose: requests,
// failures, breaker state changes, and breaker rejections. Exporter choice
// (OTLP, Prometheus, stdout) belongs to the embedding service; this package
// works purely against the otel API and uses whatever MeterProvider the
// deployment has installed globally.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the mesh's counter instruments. It implements
// breaker.MetricsCollector so a breaker can report straight into it.
type Metrics struct {
	requests     metric.Int64Counter
	failures     metric.Int64Counter
	stateChanges metric.Int64Counter
	rejections   metric.Int64Counter
}

// NewMetrics creates the mesh counter set on the given meter name
func NewMetrics(meterName string) (*Metrics, error) {
	meter := otel.Meter(meterName)

	requests, err := meter.Int64Counter("meshwork.requests",
		metric.WithDescription("Calls admitted by a circuit breaker"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("meshwork.failures",
		metric.WithDescription("Admitted calls that failed"))
	if err != nil {
		return nil, err
	}
	stateChanges, err := meter.Int64Counter("meshwork.breaker.state_changes",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("meshwork.breaker.rejections",
		metric.WithDescription("Calls rejected fast while a breaker was open"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requests:     requests,
		failures:     failures,
		stateChanges: stateChanges,
		rejections:   rejections,
	}, nil
}

// RecordSuccess counts a successful admitted call
func (m *Metrics) RecordSuccess(name string) {
	m.requests.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("breaker", name), attribute.Bool("success", true)))
}

// RecordFailure counts a failed admitted call
func (m *Metrics) RecordFailure(name string, errorType string) {
	m.requests.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("breaker", name), attribute.Bool("success", false)))
	m.failures.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("breaker", name), attribute.String("error_type", errorType)))
}

// RecordStateChange counts a breaker state transition
func (m *Metrics) RecordStateChange(name string, from, to string) {
	m.stateChanges.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("from", from),
			attribute.String("to", to)))
}

// RecordRejection counts a fast-fail rejection
func (m *Metrics) RecordRejection(name string) {
	m.rejections.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("breaker", name)))
}
