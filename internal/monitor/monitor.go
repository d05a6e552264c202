// SPDX-License-Identifier: MIT

// Package monitor samples resource usage on independent timers and notifies
// listeners the moment a sampled value crosses its configured threshold.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiktok-toe/governor/internal/log"
	"github.com/tiktok-toe/governor/internal/metrics"
	"github.com/tiktok-toe/governor/internal/sched"
)

// MetricType identifies a monitored resource metric.
type MetricType string

const (
	MetricCPU       MetricType = "cpu"
	MetricMemory    MetricType = "memory"
	MetricLatency   MetricType = "latency"
	MetricErrorRate MetricType = "error_rate"
)

// Severity classifies how far past a threshold a sample landed.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// UsageSample is one immutable reading of a resource metric.
type UsageSample struct {
	Metric    MetricType
	Value     float64
	Timestamp time.Time
	Labels    map[string]string
}

// BottleneckEvent is dispatched when a sample exceeds a threshold. Events are
// transient; they are delivered to listeners and not stored.
type BottleneckEvent struct {
	Metric    MetricType
	Value     float64
	Threshold float64
	Severity  Severity
}

// Thresholds holds the warning and critical levels for one metric.
type Thresholds struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// ThresholdConfig carries thresholds for every monitored metric.
type ThresholdConfig struct {
	CPU       Thresholds `yaml:"cpu"`
	Memory    Thresholds `yaml:"memory"`
	Latency   Thresholds `yaml:"latency"`
	ErrorRate Thresholds `yaml:"error_rate"`
}

// DefaultThresholds returns the stock threshold configuration. CPU and memory
// are percentages, latency is milliseconds, error rate is a ratio.
func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{
		CPU:       Thresholds{Warning: 70, Critical: 90},
		Memory:    Thresholds{Warning: 75, Critical: 90},
		Latency:   Thresholds{Warning: 500, Critical: 2000},
		ErrorRate: Thresholds{Warning: 0.05, Critical: 0.15},
	}
}

func (c ThresholdConfig) forMetric(m MetricType) Thresholds {
	switch m {
	case MetricCPU:
		return c.CPU
	case MetricMemory:
		return c.Memory
	case MetricLatency:
		return c.Latency
	case MetricErrorRate:
		return c.ErrorRate
	default:
		return Thresholds{}
	}
}

// Sampler produces the current value of a metric. A sampler that returns an
// error is logged and skipped for that cycle; monitoring continues.
type Sampler func(ctx context.Context) (float64, error)

// Listener receives bottleneck notifications. Callbacks run on the sampling
// goroutine and must not block.
type Listener interface {
	OnBottleneck(ev BottleneckEvent)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev BottleneckEvent)

func (f ListenerFunc) OnBottleneck(ev BottleneckEvent) { f(ev) }

// DefaultRetention is how long usage samples are kept for moving averages.
const DefaultRetention = time.Hour

// Config configures a Monitor.
type Config struct {
	Thresholds ThresholdConfig
	// Retention bounds the rolling sample window (default 1h).
	Retention time.Duration
	// Clock is the time source (defaults to the system clock).
	Clock sched.Clock
	// NewScheduler builds the per-metric timer; tests inject manual schedulers.
	NewScheduler func() sched.Scheduler
}

type registration struct {
	sampler   Sampler
	interval  time.Duration
	scheduler sched.Scheduler
}

// Monitor owns the rolling usage window and the per-metric sampling timers.
type Monitor struct {
	mu         sync.RWMutex
	thresholds ThresholdConfig
	retention  time.Duration
	clock      sched.Clock
	newSched   func() sched.Scheduler
	samplers   map[MetricType]*registration
	samples    []UsageSample
	listeners  []Listener
	started    bool
	stopped    bool
	logger     zerolog.Logger
}

// New creates a Monitor. Samplers are registered separately and start running
// once Start is called.
func New(cfg Config) *Monitor {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.RealClock{}
	}
	if cfg.NewScheduler == nil {
		cfg.NewScheduler = func() sched.Scheduler { return sched.NewTicker() }
	}
	return &Monitor{
		thresholds: cfg.Thresholds,
		retention:  cfg.Retention,
		clock:      cfg.Clock,
		newSched:   cfg.NewScheduler,
		samplers:   make(map[MetricType]*registration),
		logger:     log.WithComponent("monitor"),
	}
}

// Register installs a sampler for a metric with its own interval. Registering
// the same metric twice replaces the previous sampler; if the monitor is
// already running the new sampler takes over the timer.
func (m *Monitor) Register(metric MetricType, interval time.Duration, sampler Sampler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if prev, ok := m.samplers[metric]; ok && prev.scheduler != nil {
		prev.scheduler.Stop()
	}
	reg := &registration{sampler: sampler, interval: interval}
	m.samplers[metric] = reg
	if m.started {
		m.startLocked(metric, reg)
	}
}

// Subscribe adds a bottleneck listener.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.listeners = append(m.listeners, l)
}

// Start launches the sampling timers for every registered metric.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	for metric, reg := range m.samplers {
		m.startLocked(metric, reg)
	}
}

func (m *Monitor) startLocked(metric MetricType, reg *registration) {
	reg.scheduler = m.newSched()
	reg.scheduler.Start(reg.interval, func() { m.sample(metric) })
}

// Stop cancels all timers and discards listeners. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.started = false
	schedulers := make([]sched.Scheduler, 0, len(m.samplers))
	for _, reg := range m.samplers {
		if reg.scheduler != nil {
			schedulers = append(schedulers, reg.scheduler)
		}
	}
	m.listeners = nil
	m.mu.Unlock()

	for _, s := range schedulers {
		s.Stop()
	}
}

// ForceSample runs one sampling cycle for the metric immediately.
func (m *Monitor) ForceSample(metric MetricType) {
	m.sample(metric)
}

func (m *Monitor) sample(metric MetricType) {
	m.mu.RLock()
	reg, ok := m.samplers[metric]
	stopped := m.stopped
	m.mu.RUnlock()
	if !ok || stopped {
		return
	}

	value, err := reg.sampler(context.Background())
	if err != nil {
		metrics.RecordSamplerError(string(metric))
		m.logger.Warn().
			Str(log.FieldEvent, "monitor.sample_failed").
			Str(log.FieldMetric, string(metric)).
			Err(err).
			Msg("sampler failed, skipping cycle")
		return
	}

	now := m.clock.Now()
	m.record(UsageSample{Metric: metric, Value: value, Timestamp: now})
	metrics.RecordUsageSample(string(metric), value)
	m.evaluate(metric, value)
}

// Observe records an externally produced sample and applies thresholds, for
// callers that push readings instead of registering a sampler.
func (m *Monitor) Observe(metric MetricType, value float64) {
	m.mu.RLock()
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		return
	}
	m.record(UsageSample{Metric: metric, Value: value, Timestamp: m.clock.Now()})
	metrics.RecordUsageSample(string(metric), value)
	m.evaluate(metric, value)
}

func (m *Monitor) record(s UsageSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	m.purgeLocked(s.Timestamp)
}

// purgeLocked drops samples older than the retention window.
func (m *Monitor) purgeLocked(now time.Time) {
	cutoff := now.Add(-m.retention)
	idx := 0
	for idx < len(m.samples) && m.samples[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.samples = append(m.samples[:0], m.samples[idx:]...)
	}
}

func (m *Monitor) evaluate(metric MetricType, value float64) {
	m.mu.RLock()
	th := m.thresholds.forMetric(metric)
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	var ev *BottleneckEvent
	switch {
	case th.Critical > 0 && value >= th.Critical:
		ev = &BottleneckEvent{Metric: metric, Value: value, Threshold: th.Critical, Severity: SeverityCritical}
	case th.Warning > 0 && value >= th.Warning:
		ev = &BottleneckEvent{Metric: metric, Value: value, Threshold: th.Warning, Severity: SeverityWarning}
	}
	if ev == nil {
		return
	}

	metrics.RecordBottleneck(string(metric), string(ev.Severity))
	m.logger.Warn().
		Str(log.FieldEvent, "monitor.bottleneck").
		Str(log.FieldMetric, string(metric)).
		Float64(log.FieldValue, value).
		Float64(log.FieldThreshold, ev.Threshold).
		Str(log.FieldSeverity, string(ev.Severity)).
		Msg("resource bottleneck detected")

	for _, l := range listeners {
		l.OnBottleneck(*ev)
	}
}

// Average returns the moving average of a metric over the trailing window.
// The second return is false when no samples fall inside the window.
func (m *Monitor) Average(metric MetricType, window time.Duration) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.clock.Now().Add(-window)
	var sum float64
	var n int
	for i := len(m.samples) - 1; i >= 0; i-- {
		s := m.samples[i]
		if s.Timestamp.Before(cutoff) {
			break
		}
		if s.Metric != metric {
			continue
		}
		sum += s.Value
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Latest returns the most recent sample for a metric.
func (m *Monitor) Latest(metric MetricType) (UsageSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.samples) - 1; i >= 0; i-- {
		if m.samples[i].Metric == metric {
			return m.samples[i], true
		}
	}
	return UsageSample{}, false
}

// History returns a copy of the rolling sample window.
func (m *Monitor) History() []UsageSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UsageSample, len(m.samples))
	copy(out, m.samples)
	return out
}

// UpdateThresholds swaps the threshold configuration.
func (m *Monitor) UpdateThresholds(cfg ThresholdConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = cfg
}

// Thresholds returns the current threshold configuration.
func (m *Monitor) Thresholds() ThresholdConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}
