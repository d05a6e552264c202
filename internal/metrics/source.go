// SPDX-License-Identifier: MIT

package metrics

import (
	"context"
	"fmt"
	"sort"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Value is one named reading from a metrics source. Scalar metrics carry
// Value; histograms and summaries additionally carry Percentiles.
type Value struct {
	Value       float64
	Percentiles map[float64]float64
}

// Source is the pull interface consumed by the monitor and the governor.
type Source interface {
	Snapshot(ctx context.Context) (map[string]Value, error)
}

// GathererSource reads current metric values out of a Prometheus Gatherer.
// Concurrent Snapshot calls are collapsed into a single Gather.
type GathererSource struct {
	gatherer prometheus.Gatherer
	group    singleflight.Group
}

// NewGathererSource wraps a Gatherer. Pass prometheus.DefaultGatherer to read
// the process-wide registry.
func NewGathererSource(g prometheus.Gatherer) *GathererSource {
	return &GathererSource{gatherer: g}
}

// Snapshot gathers all metric families and flattens them into named values.
// Vector metrics are keyed as name{label="value",...} with labels sorted.
func (s *GathererSource) Snapshot(ctx context.Context) (map[string]Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, _ := s.group.Do("snapshot", func() (any, error) {
		families, err := s.gatherer.Gather()
		if err != nil {
			return nil, fmt.Errorf("gather metrics: %w", err)
		}
		return flatten(families), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]Value), nil
}

func flatten(families []*dto.MetricFamily) map[string]Value {
	out := make(map[string]Value)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			key := metricKey(fam.GetName(), m)
			switch fam.GetType() {
			case dto.MetricType_GAUGE:
				out[key] = Value{Value: m.GetGauge().GetValue()}
			case dto.MetricType_COUNTER:
				out[key] = Value{Value: m.GetCounter().GetValue()}
			case dto.MetricType_HISTOGRAM:
				out[key] = histogramValue(m.GetHistogram())
			case dto.MetricType_SUMMARY:
				out[key] = summaryValue(m.GetSummary())
			case dto.MetricType_UNTYPED:
				out[key] = Value{Value: m.GetUntyped().GetValue()}
			}
		}
	}
	return out
}

func metricKey(name string, m *dto.Metric) string {
	labels := m.GetLabel()
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, lp := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
	}
	sort.Strings(pairs)
	key := name + "{"
	for i, p := range pairs {
		if i > 0 {
			key += ","
		}
		key += p
	}
	return key + "}"
}

// histogramValue reports the sample mean as Value and estimates p50/p90/p99
// by linear interpolation across the cumulative buckets.
func histogramValue(h *dto.Histogram) Value {
	count := h.GetSampleCount()
	v := Value{Percentiles: make(map[float64]float64, 3)}
	if count > 0 {
		v.Value = h.GetSampleSum() / float64(count)
	}
	for _, q := range []float64{0.5, 0.9, 0.99} {
		v.Percentiles[q] = bucketQuantile(h, q)
	}
	return v
}

func bucketQuantile(h *dto.Histogram, q float64) float64 {
	count := h.GetSampleCount()
	if count == 0 {
		return 0
	}
	rank := q * float64(count)
	buckets := h.GetBucket()
	var prevCount uint64
	var prevBound float64
	for _, b := range buckets {
		upper := b.GetUpperBound()
		cum := b.GetCumulativeCount()
		if float64(cum) >= rank {
			if cum == prevCount {
				return upper
			}
			frac := (rank - float64(prevCount)) / float64(cum-prevCount)
			return prevBound + frac*(upper-prevBound)
		}
		prevCount = cum
		prevBound = upper
	}
	if len(buckets) > 0 {
		return buckets[len(buckets)-1].GetUpperBound()
	}
	return 0
}

func summaryValue(s *dto.Summary) Value {
	v := Value{Percentiles: make(map[float64]float64, len(s.GetQuantile()))}
	if c := s.GetSampleCount(); c > 0 {
		v.Value = s.GetSampleSum() / float64(c)
	}
	for _, q := range s.GetQuantile() {
		v.Percentiles[q.GetQuantile()] = q.GetValue()
	}
	return v
}
