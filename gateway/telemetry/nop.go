package telemetry

import "time"

// NopMetrics discards all metrics. Use it in tests or when a component is
// constructed without a recorder.
type NopMetrics struct{}

// NewNopMetrics constructs a Metrics recorder that discards everything.
func NewNopMetrics() Metrics {
	return NopMetrics{}
}

// IncCounter discards the counter metric.
func (NopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the timer metric.
func (NopMetrics) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge discards the gauge metric.
func (NopMetrics) RecordGauge(string, float64, ...string) {}
