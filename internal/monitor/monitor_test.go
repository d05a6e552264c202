// SPDX-License-Identifier: MIT

package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktok-toe/governor/internal/sched"
)

func TestMonitor_EmitsCriticalEvent(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	m := New(Config{Thresholds: DefaultThresholds(), Clock: clock})
	defer m.Stop()

	var events []BottleneckEvent
	m.Subscribe(ListenerFunc(func(ev BottleneckEvent) { events = append(events, ev) }))

	m.Observe(MetricCPU, 95)
	require.Len(t, events, 1)
	assert.Equal(t, MetricCPU, events[0].Metric)
	assert.Equal(t, SeverityCritical, events[0].Severity)
	assert.Equal(t, 95.0, events[0].Value)
	assert.Equal(t, 90.0, events[0].Threshold)
}

func TestMonitor_WarningBelowCritical(t *testing.T) {
	m := New(Config{Thresholds: DefaultThresholds()})
	defer m.Stop()

	var got []Severity
	m.Subscribe(ListenerFunc(func(ev BottleneckEvent) { got = append(got, ev.Severity) }))

	m.Observe(MetricMemory, 80) // warning is 75, critical 90
	m.Observe(MetricMemory, 50) // below warning: no event
	require.Len(t, got, 1)
	assert.Equal(t, SeverityWarning, got[0])
}

func TestMonitor_SamplerErrorSkipsCycle(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	var calls atomic.Int64
	manual := sched.NewManual()

	m := New(Config{
		Thresholds:   DefaultThresholds(),
		Clock:        clock,
		NewScheduler: func() sched.Scheduler { return manual },
	})
	defer m.Stop()

	m.Register(MetricLatency, time.Second, func(context.Context) (float64, error) {
		if calls.Add(1) == 1 {
			return 0, errors.New("probe unavailable")
		}
		return 100, nil
	})
	m.Start()

	manual.Tick() // fails, skipped
	_, ok := m.Latest(MetricLatency)
	assert.False(t, ok, "failed cycle must not record a sample")

	manual.Tick() // succeeds
	s, ok := m.Latest(MetricLatency)
	require.True(t, ok)
	assert.Equal(t, 100.0, s.Value)
}

func TestMonitor_AverageWindow(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	m := New(Config{Thresholds: DefaultThresholds(), Clock: clock})
	defer m.Stop()

	m.Observe(MetricCPU, 10)
	clock.Advance(time.Minute)
	m.Observe(MetricCPU, 20)
	clock.Advance(time.Minute)
	m.Observe(MetricCPU, 60)

	avg, ok := m.Average(MetricCPU, 90*time.Second)
	require.True(t, ok)
	assert.InDelta(t, 40.0, avg, 0.001, "only the two samples inside the window count")

	avg, ok = m.Average(MetricCPU, time.Hour)
	require.True(t, ok)
	assert.InDelta(t, 30.0, avg, 0.001)

	_, ok = m.Average(MetricErrorRate, time.Hour)
	assert.False(t, ok)
}

func TestMonitor_RetentionPurge(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	m := New(Config{Thresholds: DefaultThresholds(), Retention: time.Hour, Clock: clock})
	defer m.Stop()

	m.Observe(MetricCPU, 10)
	clock.Advance(2 * time.Hour)
	m.Observe(MetricCPU, 20)

	history := m.History()
	require.Len(t, history, 1, "sample older than retention must be purged")
	assert.Equal(t, 20.0, history[0].Value)
}

func TestMonitor_StopDiscardsListeners(t *testing.T) {
	m := New(Config{Thresholds: DefaultThresholds()})

	var events atomic.Int64
	m.Subscribe(ListenerFunc(func(BottleneckEvent) { events.Add(1) }))

	m.Stop()
	m.Stop() // idempotent

	m.Observe(MetricCPU, 99)
	assert.Equal(t, int64(0), events.Load())
}

func TestMonitor_TimerDrivenSampling(t *testing.T) {
	var schedulers []*sched.ManualScheduler
	m := New(Config{
		Thresholds: DefaultThresholds(),
		NewScheduler: func() sched.Scheduler {
			s := sched.NewManual()
			schedulers = append(schedulers, s)
			return s
		},
	})
	defer m.Stop()

	m.Register(MetricCPU, time.Second, func(context.Context) (float64, error) { return 42, nil })
	m.Register(MetricMemory, 5*time.Second, func(context.Context) (float64, error) { return 7, nil })
	m.Start()

	require.Len(t, schedulers, 2, "one timer per registered metric")
	for _, s := range schedulers {
		s.Tick()
	}

	s, ok := m.Latest(MetricCPU)
	require.True(t, ok)
	assert.Equal(t, 42.0, s.Value)

	s, ok = m.Latest(MetricMemory)
	require.True(t, ok)
	assert.Equal(t, 7.0, s.Value)
}

func TestMonitor_UpdateThresholds(t *testing.T) {
	m := New(Config{Thresholds: DefaultThresholds()})
	defer m.Stop()

	var got []BottleneckEvent
	m.Subscribe(ListenerFunc(func(ev BottleneckEvent) { got = append(got, ev) }))

	m.Observe(MetricCPU, 60) // below default warning
	require.Empty(t, got)

	cfg := m.Thresholds()
	cfg.CPU = Thresholds{Warning: 50, Critical: 95}
	m.UpdateThresholds(cfg)

	m.Observe(MetricCPU, 60)
	require.Len(t, got, 1)
	assert.Equal(t, SeverityWarning, got[0].Severity)
}

func TestMemorySampler(t *testing.T) {
	s := MemorySampler(1 << 40) // 1 TiB budget: tiny percentage, but nonzero
	v, err := s(context.Background())
	require.NoError(t, err)
	assert.Greater(t, v, 0.0)
	assert.Less(t, v, 100.0)

	_, err = MemorySampler(0)(context.Background())
	assert.Error(t, err)
}
