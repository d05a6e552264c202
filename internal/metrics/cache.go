// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_operations_total",
		Help:      "Cache operations by cache name and outcome (hit, miss, evict, reject)",
	}, []string{"cache", "outcome"})

	cacheSizeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_size_bytes",
		Help:      "Current byte size held by the cache",
	}, []string{"cache"})

	cacheMaxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_max_bytes",
		Help:      "Configured byte capacity of the cache",
	}, []string{"cache"})

	cacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Number of live entries in the cache",
	}, []string{"cache"})
)

// RecordCacheOp counts a cache hit/miss/evict/reject.
func RecordCacheOp(cache, outcome string) {
	cacheOps.WithLabelValues(cache, outcome).Inc()
}

// SetCacheSize records current and maximum cache byte sizes.
func SetCacheSize(cache string, current, max float64) {
	cacheSizeBytes.WithLabelValues(cache).Set(current)
	cacheMaxBytes.WithLabelValues(cache).Set(max)
}

// SetCacheEntries records the live entry count.
func SetCacheEntries(cache string, n float64) {
	cacheEntries.WithLabelValues(cache).Set(n)
}
