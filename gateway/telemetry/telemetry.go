// Package telemetry records gateway metrics and traces through OpenTelemetry.
// The concrete recorder delegates to the global MeterProvider and
// TracerProvider; configure both via clue.ConfigureOpenTelemetry (or the
// OTEL_EXPORTER_OTLP_ENDPOINT family of environment variables) before the
// gateway starts processing events.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// scopeName identifies the instrumentation scope for all gateway telemetry.
const scopeName = "github.com/sluicehq/sluice/gateway"

// Metric names recorded by the gateway. All counters carry tenant and, where
// meaningful, rule or source dimensions as tags.
const (
	// MetricIngested counts events accepted by an ingestion adapter.
	MetricIngested = "gateway_events_ingested_total"
	// MetricDuplicates counts events dropped by the dedup check.
	MetricDuplicates = "gateway_events_duplicate_total"
	// MetricDeliveries counts delivery attempts by terminal status.
	MetricDeliveries = "gateway_deliveries_total"
	// MetricDeliveryDuration times a single delivery attempt end to end.
	MetricDeliveryDuration = "gateway_delivery_duration_seconds"
	// MetricRetries counts executions re-enqueued by the retry worker.
	MetricRetries = "gateway_retries_total"
	// MetricDLQ counts executions promoted to the dead letter queue.
	MetricDLQ = "gateway_dlq_total"
	// MetricScheduled counts scheduled deliveries fired by the scheduler.
	MetricScheduled = "gateway_scheduled_fired_total"
	// MetricBreakerTransitions counts circuit breaker state changes.
	MetricBreakerTransitions = "gateway_breaker_transitions_total"
	// MetricRateLimited counts deliveries parked by a rule rate limit.
	MetricRateLimited = "gateway_rate_limited_total"
	// MetricSourceRestarts counts ingestion adapter restarts.
	MetricSourceRestarts = "gateway_source_restarts_total"
	// MetricBucketDepth gauges the depth of an ordering bucket queue.
	MetricBucketDepth = "gateway_bucket_queue_depth"
)

type (
	// Metrics records counters, timers and gauges. Implementations must be
	// safe for concurrent use.
	Metrics interface {
		// IncCounter increments the named counter. Tags are alternating
		// key/value pairs.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration observation for the named timer.
		RecordTimer(name string, duration time.Duration, tags ...string)
		// RecordGauge records a point-in-time value for the named gauge.
		RecordGauge(name string, value float64, tags ...string)
	}

	// OTELMetrics delegates to the global OpenTelemetry MeterProvider.
	OTELMetrics struct {
		meter metric.Meter
	}
)

// NewMetrics constructs a Metrics recorder backed by the global OTEL
// MeterProvider.
func NewMetrics() Metrics {
	return &OTELMetrics{meter: otel.Meter(scopeName)}
}

// IncCounter increments a counter metric by the given value.
func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram metric in seconds.
func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records a gauge metric value. OTEL has no synchronous gauge so
// the value lands in a histogram carrying the same name.
func (m *OTELMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// StartSpan opens a span named name under the gateway instrumentation scope.
// Callers must End the returned span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// tagsToAttrs converts alternating key/value tag strings into OTEL attributes.
// An odd trailing key is paired with an empty string.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		k := tags[i]
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
