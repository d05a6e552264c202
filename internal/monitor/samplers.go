// SPDX-License-Identifier: MIT

package monitor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/tiktok-toe/governor/internal/metrics"
)

// ReadSystemLoad reads the 1-minute load average from /proc/loadavg.
func ReadSystemLoad() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("loadavg parse: no fields")
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("loadavg parse: %w", err)
	}
	return load, nil
}

// CPUSampler reports system load as a percentage of available cores, so the
// same warning/critical scale applies regardless of machine size.
func CPUSampler() Sampler {
	cores := float64(runtime.NumCPU())
	return func(context.Context) (float64, error) {
		load, err := ReadSystemLoad()
		if err != nil {
			return 0, err
		}
		return load / cores * 100, nil
	}
}

// MemorySampler reports heap usage as a percentage of the given budget.
func MemorySampler(budgetBytes uint64) Sampler {
	return func(context.Context) (float64, error) {
		if budgetBytes == 0 {
			return 0, fmt.Errorf("memory sampler: zero budget")
		}
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return float64(ms.HeapAlloc) / float64(budgetBytes) * 100, nil
	}
}

// FromSource builds a sampler that reads one named value out of a metrics
// source, e.g. a request-latency histogram published by the serving layer.
// For percentile-bearing values the given quantile is used; pass 0 to read
// the scalar value.
func FromSource(src metrics.Source, name string, quantile float64) Sampler {
	return func(ctx context.Context) (float64, error) {
		snap, err := src.Snapshot(ctx)
		if err != nil {
			return 0, err
		}
		v, ok := snap[name]
		if !ok {
			return 0, fmt.Errorf("metrics source: no value named %q", name)
		}
		if quantile > 0 {
			p, ok := v.Percentiles[quantile]
			if !ok {
				return 0, fmt.Errorf("metrics source: %q has no p%v", name, quantile*100)
			}
			return p, nil
		}
		return v.Value, nil
	}
}
