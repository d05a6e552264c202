// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_decisions_total",
		Help:      "Total admission decisions by priority and outcome",
	}, []string{"priority", "outcome"})

	admissionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_active_tasks",
		Help:      "Tasks currently executing under admission control",
	})

	admissionQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_queued_tasks",
		Help:      "Tasks waiting in the admission queue per priority",
	}, []string{"priority"})

	admissionThrottling = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_throttling",
		Help:      "Whether the admission controller is throttling (1) or not (0)",
	})

	admissionTaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "admission_task_duration_seconds",
		Help:      "Execution duration of admitted tasks",
		Buckets:   prometheus.DefBuckets,
	}, []string{"priority"})
)

// RecordAdmissionDecision counts an admit/queue/reject outcome.
func RecordAdmissionDecision(priority, outcome string) {
	admissionDecisions.WithLabelValues(priority, outcome).Inc()
}

// SetActiveTasks records the number of in-flight tasks.
func SetActiveTasks(n float64) {
	admissionActive.Set(n)
}

// SetQueuedTasks records the queue depth for a priority class.
func SetQueuedTasks(priority string, n float64) {
	admissionQueued.WithLabelValues(priority).Set(n)
}

// SetThrottling flips the throttling gauge.
func SetThrottling(on bool) {
	v := 0.0
	if on {
		v = 1.0
	}
	admissionThrottling.Set(v)
}

// ObserveTaskDuration records how long an admitted task ran.
func ObserveTaskDuration(priority string, seconds float64) {
	admissionTaskDuration.WithLabelValues(priority).Observe(seconds)
}
