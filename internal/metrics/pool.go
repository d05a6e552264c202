// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_resources",
		Help:      "Pooled resources by pool name and state (active, idle, waiting)",
	}, []string{"pool", "state"})

	poolLifecycle = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_resource_lifecycle_total",
		Help:      "Resource lifecycle events (created, destroyed, invalidated) per pool",
	}, []string{"pool", "event"})

	poolAcquireTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_acquire_timeouts_total",
		Help:      "Acquire calls that timed out waiting for a resource",
	}, []string{"pool"})

	poolAcquireWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pool_acquire_wait_seconds",
		Help:      "Time callers spent waiting in Acquire",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	}, []string{"pool"})
)

// SetPoolState records a gauge for one pool state.
func SetPoolState(pool, state string, n float64) {
	poolResources.WithLabelValues(pool, state).Set(n)
}

// RecordPoolLifecycle counts a create/destroy/invalidate event.
func RecordPoolLifecycle(pool, event string) {
	poolLifecycle.WithLabelValues(pool, event).Inc()
}

// RecordAcquireTimeout counts a timed-out Acquire.
func RecordAcquireTimeout(pool string) {
	poolAcquireTimeouts.WithLabelValues(pool).Inc()
}

// ObserveAcquireWait records how long an Acquire call waited.
func ObserveAcquireWait(pool string, seconds float64) {
	poolAcquireWait.WithLabelValues(pool).Observe(seconds)
}
