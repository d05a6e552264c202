// SPDX-License-Identifier: MIT

// Package metrics centralises Prometheus instrumentation for the governance
// core. Each concern keeps its collectors in its own file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "governor"

var (
	usageSampleValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "usage_sample_value",
		Help:      "Most recent sampled value per resource metric",
	}, []string{"metric"})

	usageSampleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_sample_errors_total",
		Help:      "Total sampler failures per resource metric",
	}, []string{"metric"})

	bottleneckEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bottleneck_events_total",
		Help:      "Total bottleneck notifications by metric and severity",
	}, []string{"metric", "severity"})
)

// RecordUsageSample records the latest sampled value for a metric.
func RecordUsageSample(metric string, value float64) {
	usageSampleValue.WithLabelValues(metric).Set(value)
}

// RecordSamplerError counts a failed sampling cycle.
func RecordSamplerError(metric string) {
	usageSampleErrors.WithLabelValues(metric).Inc()
}

// RecordBottleneck counts an emitted bottleneck event.
func RecordBottleneck(metric, severity string) {
	bottleneckEvents.WithLabelValues(metric, severity).Inc()
}
