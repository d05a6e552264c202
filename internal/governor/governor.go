// SPDX-License-Identifier: MIT

// Package governor implements the adaptive control loop. On a fixed
// interval it reads usage history, consults an external predictor, and
// adjusts admission limits and the cache target size. Hard critical
// thresholds are enforced on every tick independently of prediction.
package governor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiktok-toe/governor/internal/admission"
	"github.com/tiktok-toe/governor/internal/log"
	"github.com/tiktok-toe/governor/internal/metrics"
	"github.com/tiktok-toe/governor/internal/monitor"
	"github.com/tiktok-toe/governor/internal/pool"
	"github.com/tiktok-toe/governor/internal/predict"
	"github.com/tiktok-toe/governor/internal/sched"
)

// CacheController is the cache surface the governor drives.
type CacheController interface {
	Resize(newMaxSize int64)
	Clear()
	ClearLowPriority(percentile float64) int
	Size() int64
	MaxSize() int64
}

// PoolController is the pool surface the governor drives.
type PoolController interface {
	Maintain()
	Shrink(target int) int
	Stats() pool.Stats
	MaxSize() int
}

// AdmissionControl is the admission surface the governor drives.
type AdmissionControl interface {
	SetLimits(l admission.Limits)
	Limits() admission.Limits
	EnableThrottling(reason string)
	TripBreaker(reason string)
	QueueLength() int
	Kick()
}

// Config configures the Governor.
type Config struct {
	// Interval between control ticks (default 5s).
	Interval time.Duration
	// Cooldown is the minimum gap between applied adjustments (default 30s).
	Cooldown time.Duration
	// ConfidenceThreshold gates prediction application (default 0.8).
	ConfidenceThreshold float64
	// CacheFloorBytes and CacheCeilingBytes bound the cache target size.
	// The ceiling defaults to the cache's configured max, the floor to a
	// quarter of the ceiling.
	CacheFloorBytes   int64
	CacheCeilingBytes int64
	// HardThresholds are evaluated on every tick. Only the critical levels
	// are used; they default tighter than the monitor's.
	HardThresholds monitor.ThresholdConfig
	// ConnectionRejectRatio is the pool saturation above which new
	// connections are rejected (default 0.95).
	ConnectionRejectRatio float64
	// PredictTimeout bounds each predictor call (default 2s).
	PredictTimeout time.Duration
	// LowPriorityPercentile is passed to the cache on cpu emergencies
	// (default 0.5).
	LowPriorityPercentile float64
	// SnapshotPath, when set, persists last-applied limits across restarts.
	SnapshotPath string
	// Scheduler defaults to a real ticker; Clock to the wall clock.
	Scheduler sched.Scheduler
	Clock     sched.Clock
}

// DefaultHardThresholds are tighter than the monitor's alerting thresholds:
// crossing them means the process is in immediate danger.
func DefaultHardThresholds() monitor.ThresholdConfig {
	return monitor.ThresholdConfig{
		CPU:       monitor.Thresholds{Warning: 90, Critical: 95},
		Memory:    monitor.Thresholds{Warning: 90, Critical: 95},
		Latency:   monitor.Thresholds{Warning: 2000, Critical: 5000},
		ErrorRate: monitor.Thresholds{Warning: 0.15, Critical: 0.25},
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.8
	}
	if c.ConnectionRejectRatio <= 0 {
		c.ConnectionRejectRatio = 0.95
	}
	if c.PredictTimeout <= 0 {
		c.PredictTimeout = 2 * time.Second
	}
	if c.LowPriorityPercentile <= 0 {
		c.LowPriorityPercentile = 0.5
	}
	zero := monitor.ThresholdConfig{}
	if c.HardThresholds == zero {
		c.HardThresholds = DefaultHardThresholds()
	}
	if c.Scheduler == nil {
		c.Scheduler = sched.NewTicker()
	}
	if c.Clock == nil {
		c.Clock = sched.RealClock{}
	}
	return c
}

// Deps are the components the governor controls and consults.
type Deps struct {
	Monitor   *monitor.Monitor
	Admission AdmissionControl
	Cache     CacheController
	Pool      PoolController
	Predictor predict.Predictor
}

// Governor ties the monitor, predictor, admission controller, cache, and
// pool together.
type Governor struct {
	cfg  Config
	deps Deps

	mu         sync.Mutex
	adjusting  bool
	lastAdjust time.Time
	lastLimits admission.Limits
	rejecting  bool
	started    bool

	logger zerolog.Logger
}

// New constructs a Governor. When a snapshot path is configured and a
// snapshot exists, its limits are applied immediately as a warm start.
func New(cfg Config, deps Deps) *Governor {
	cfg = cfg.withDefaults()
	if deps.Predictor == nil {
		deps.Predictor = predict.Static{}
	}
	if cfg.CacheCeilingBytes <= 0 && deps.Cache != nil {
		cfg.CacheCeilingBytes = deps.Cache.MaxSize()
	}
	if cfg.CacheFloorBytes <= 0 {
		cfg.CacheFloorBytes = cfg.CacheCeilingBytes / 4
	}

	g := &Governor{
		cfg:        cfg,
		deps:       deps,
		lastLimits: deps.Admission.Limits(),
		logger:     log.WithComponent("governor"),
	}

	if cfg.SnapshotPath != "" {
		if limits, ok := g.loadSnapshot(); ok {
			g.deps.Admission.SetLimits(limits)
			g.lastLimits = limits
			g.logger.Info().
				Str(log.FieldEvent, "governor.warm_start").
				Int(log.FieldMaxConcurrent, limits.MaxConcurrent).
				Msg("restored last applied limits")
		}
	}
	return g
}

// Start begins the control loop.
func (g *Governor) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true
	g.cfg.Scheduler.Start(g.cfg.Interval, g.Tick)
	g.logger.Info().
		Str(log.FieldEvent, "governor.started").
		Dur("interval", g.cfg.Interval).
		Msg("control loop started")
}

// Stop halts the control loop.
func (g *Governor) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	g.mu.Unlock()
	g.cfg.Scheduler.Stop()
}

// Tick runs one control iteration. The emergency pass always runs; the
// prediction pass is skipped mid-adjustment or within the cooldown.
func (g *Governor) Tick() {
	g.emergencyPass()
	g.deps.Admission.Kick()

	g.mu.Lock()
	now := g.cfg.Clock.Now()
	if g.adjusting || now.Sub(g.lastAdjust) < g.cfg.Cooldown {
		g.mu.Unlock()
		metrics.RecordAdjustment("skipped_cooldown")
		return
	}
	g.adjusting = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.adjusting = false
		g.mu.Unlock()
	}()

	pctx := g.predictionContext(now)
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PredictTimeout)
	res, err := g.deps.Predictor.PredictResourceNeeds(ctx, pctx)
	cancel()
	if err != nil {
		metrics.RecordAdjustment("predictor_error")
		g.logger.Warn().Err(err).
			Str(log.FieldEvent, "governor.predictor_error").
			Msg("prediction failed, keeping current limits")
		return
	}

	if res.Confidence < g.cfg.ConfidenceThreshold {
		metrics.RecordAdjustment("skipped_confidence")
		return
	}

	limits := admission.Limits{
		MaxConcurrent: res.Limits.MaxConcurrent,
		BatchSize:     res.Limits.BatchSize,
		Timeout:       res.Limits.Timeout,
	}
	g.deps.Admission.SetLimits(limits)

	target := g.cacheTarget()
	if g.deps.Cache != nil {
		g.deps.Cache.Resize(target)
		metrics.SetAppliedLimit("cache_target_bytes", float64(target))
	}

	g.mu.Lock()
	g.lastAdjust = now
	g.lastLimits = limits
	g.mu.Unlock()

	metrics.RecordAdjustment("applied")
	g.logger.Info().
		Str(log.FieldEvent, "governor.limits_applied").
		Int(log.FieldMaxConcurrent, limits.MaxConcurrent).
		Float64(log.FieldConfidence, res.Confidence).
		Float64(log.FieldEstimatedLoad, res.EstimatedLoad).
		Int64(log.FieldTargetSize, target).
		Msg("applied predicted limits")

	if g.cfg.SnapshotPath != "" {
		g.saveSnapshot(limits)
	}
}

// predictionContext assembles the predictor input from current state.
func (g *Governor) predictionContext(now time.Time) predict.Context {
	pctx := predict.Context{
		CurrentLoad: g.currentLoad(),
		TimeOfDay:   now.Hour(),
		DayOfWeek:   now.Weekday(),
		QueueLength: g.deps.Admission.QueueLength(),
	}
	if g.deps.Pool != nil {
		pctx.ActiveConnections = g.deps.Pool.Stats().Active
	}
	return pctx
}

// currentLoad blends the recent cpu and memory averages into one score.
func (g *Governor) currentLoad() float64 {
	window := 4 * g.cfg.Interval
	load := 0.0
	if v, ok := g.deps.Monitor.Average(monitor.MetricCPU, window); ok {
		load = v
	}
	if v, ok := g.deps.Monitor.Average(monitor.MetricMemory, window); ok && v > load {
		load = v
	}
	return load
}

// cacheTarget derives the cache size target from the dominant pressure
// signal. Lower pressure allows a larger cache.
func (g *Governor) cacheTarget() int64 {
	p := g.maxPressure()
	floor, ceiling := g.cfg.CacheFloorBytes, g.cfg.CacheCeilingBytes
	target := floor + int64(float64(ceiling-floor)*(1-p))
	if target < floor {
		target = floor
	}
	if target > ceiling {
		target = ceiling
	}
	return target
}

// maxPressure returns the highest of memory, connection, and storage
// pressure, each in [0, 1].
func (g *Governor) maxPressure() float64 {
	p := 0.0
	if v, ok := g.deps.Monitor.Latest(monitor.MetricMemory); ok {
		p = math.Max(p, v.Value/100)
	}
	if g.deps.Pool != nil && g.deps.Pool.MaxSize() > 0 {
		s := g.deps.Pool.Stats()
		p = math.Max(p, float64(s.Active)/float64(g.deps.Pool.MaxSize()))
	}
	if g.deps.Cache != nil && g.deps.Cache.MaxSize() > 0 {
		p = math.Max(p, float64(g.deps.Cache.Size())/float64(g.deps.Cache.MaxSize()))
	}
	return math.Min(math.Max(p, 0), 1)
}

// emergencyPass checks hard critical thresholds and fires the matching
// handlers. Handler panics are recovered so a bad handler cannot abort
// the tick.
func (g *Governor) emergencyPass() {
	hard := g.cfg.HardThresholds

	if v, ok := g.deps.Monitor.Latest(monitor.MetricCPU); ok && v.Value >= hard.CPU.Critical {
		g.emergency("cpu", v.Value, func() {
			g.deps.Admission.EnableThrottling("hard_cpu")
			if g.deps.Cache != nil {
				g.deps.Cache.ClearLowPriority(g.cfg.LowPriorityPercentile)
			}
		})
	}
	if v, ok := g.deps.Monitor.Latest(monitor.MetricMemory); ok && v.Value >= hard.Memory.Critical {
		g.emergency("memory", v.Value, func() {
			if g.deps.Cache != nil {
				g.deps.Cache.Clear()
			}
			if g.deps.Pool != nil {
				g.deps.Pool.Shrink(0)
			}
			g.deps.Admission.EnableThrottling("hard_memory")
		})
	}
	if v, ok := g.deps.Monitor.Latest(monitor.MetricLatency); ok && v.Value >= hard.Latency.Critical {
		g.emergency("latency", v.Value, func() {
			g.deps.Admission.EnableThrottling("hard_latency")
			if g.deps.Pool != nil {
				g.deps.Pool.Maintain()
			}
		})
	}
	if v, ok := g.deps.Monitor.Latest(monitor.MetricErrorRate); ok && v.Value >= hard.ErrorRate.Critical {
		g.emergency("error_rate", v.Value, func() {
			g.deps.Admission.TripBreaker("hard_error_rate")
			g.deps.Admission.EnableThrottling("hard_error_rate")
		})
	}

	g.connectionPass()
}

// connectionPass flips connection rejection when the pool saturates.
func (g *Governor) connectionPass() {
	if g.deps.Pool == nil || g.deps.Pool.MaxSize() == 0 {
		return
	}
	s := g.deps.Pool.Stats()
	saturation := float64(s.Active) / float64(g.deps.Pool.MaxSize())
	rejecting := saturation >= g.cfg.ConnectionRejectRatio

	g.mu.Lock()
	changed := rejecting != g.rejecting
	g.rejecting = rejecting
	g.mu.Unlock()

	if changed {
		if rejecting {
			metrics.RecordEmergencyAction("connections")
			g.logger.Warn().
				Str(log.FieldEvent, "governor.rejecting_connections").
				Float64(log.FieldValue, saturation).
				Msg("pool saturated, rejecting new connections")
		} else {
			g.logger.Info().
				Str(log.FieldEvent, "governor.accepting_connections").
				Msg("pool saturation recovered")
		}
	}
}

// emergency runs one handler with panic recovery.
func (g *Governor) emergency(resource string, value float64, handler func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().
				Str(log.FieldEvent, "governor.handler_panic").
				Str("resource", resource).
				Interface("panic", r).
				Msg("emergency handler panicked")
		}
	}()
	metrics.RecordEmergencyAction(resource)
	g.logger.Warn().
		Str(log.FieldEvent, "governor.emergency").
		Str("resource", resource).
		Float64(log.FieldValue, value).
		Msg("hard critical threshold crossed")
	handler()
}

// RejectingConnections reports whether new connections should be refused.
func (g *Governor) RejectingConnections() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rejecting
}

// LastLimits returns the limits from the most recent applied adjustment.
func (g *Governor) LastLimits() admission.Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastLimits
}
