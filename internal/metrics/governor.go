// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	governorAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adjustments_total",
		Help:      "Governor adjustment outcomes (applied, skipped_cooldown, skipped_confidence, predictor_error)",
	}, []string{"outcome"})

	governorEmergencies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emergency_actions_total",
		Help:      "Hard-threshold emergency actions taken per resource",
	}, []string{"resource"})

	governorLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "applied_limit",
		Help:      "Limits last applied by the governor (max_concurrent, batch_size, timeout_ms, cache_target_bytes)",
	}, []string{"limit"})
)

// RecordAdjustment counts one governor tick outcome.
func RecordAdjustment(outcome string) {
	governorAdjustments.WithLabelValues(outcome).Inc()
}

// RecordEmergencyAction counts an emergency handler invocation.
func RecordEmergencyAction(resource string) {
	governorEmergencies.WithLabelValues(resource).Inc()
}

// SetAppliedLimit records a limit the governor applied.
func SetAppliedLimit(limit string, value float64) {
	governorLimit.WithLabelValues(limit).Set(value)
}
