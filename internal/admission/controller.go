// SPDX-License-Identifier: MIT

// Package admission decides whether submitted work runs now, queues, or is
// rejected, based on current resource pressure. It reacts to bottleneck
// events from the monitor and accepts limit adjustments from the governor.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiktok-toe/governor/internal/log"
	"github.com/tiktok-toe/governor/internal/metrics"
	"github.com/tiktok-toe/governor/internal/monitor"
	"github.com/tiktok-toe/governor/internal/ratelimit"
	"github.com/tiktok-toe/governor/internal/resilience"
	"github.com/tiktok-toe/governor/internal/sched"
)

// Priority defines the admission priority classes.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

const priorityCount = 3

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

var (
	// ErrQueueFull rejects submissions when a priority queue is at capacity.
	ErrQueueFull = errors.New("admission: queue full")

	// ErrCircuitOpen re-exports the breaker rejection for callers that only
	// import this package.
	ErrCircuitOpen = resilience.ErrCircuitOpen
)

// Task is a unit of work governed by the controller. Its error is
// propagated verbatim to the submitter; the controller never wraps or
// suppresses business failures.
type Task func(ctx context.Context) error

// CacheReliever is the slice of the cache surface the controller drives for
// pressure relief.
type CacheReliever interface {
	Clear()
	ClearExpired() int
	ClearLowPriority(percentile float64) int
}

// PoolReliever is the slice of the pool surface the controller drives for
// pressure relief.
type PoolReliever interface {
	Maintain()
	Shrink(target int) int
}

// Limits are the knobs the governor adjusts.
type Limits struct {
	MaxConcurrent int
	BatchSize     int
	Timeout       time.Duration
}

// Config configures a Controller.
type Config struct {
	// MaxConcurrent caps tasks executing at once (default 10).
	MaxConcurrent int
	// MaxQueue bounds each priority queue (default 1024).
	MaxQueue int
	// BatchSize is the advisory batch limit exposed to batch-shaping callers.
	BatchSize int
	// TaskTimeout, when set, bounds each task's context.
	TaskTimeout time.Duration
	// Cooldown is how long throttling stays armed after the last trigger.
	// One global cooldown covers all bottleneck types.
	Cooldown time.Duration
	// LowPriorityPercentile is passed to the cache during cpu pressure
	// relief (default 0.5).
	LowPriorityPercentile float64
	// Breaker defaults to a breaker with stock settings.
	Breaker *resilience.CircuitBreaker
	// Limiter paces non-high dequeues while throttling (default stock rates).
	Limiter *ratelimit.Limiter
	// Clock is injectable for tests.
	Clock sched.Clock
}

type queuedTask struct {
	ctx      context.Context
	task     Task
	priority Priority
	resultCh chan error
}

// Controller is the admission controller. Capacity checks and counter
// updates happen in one mutex-guarded region; queued tasks preserve
// priority-then-FIFO order.
type Controller struct {
	mu            sync.Mutex
	maxConcurrent int
	maxQueue      int
	batchSize     int
	taskTimeout   time.Duration
	cooldown      time.Duration
	lowPct        float64

	active        int
	queues        [priorityCount][]*queuedTask
	throttling    bool
	throttleUntil time.Time

	cache CacheReliever
	pool  PoolReliever

	breaker *resilience.CircuitBreaker
	limiter *ratelimit.Limiter
	clock   sched.Clock
	logger  zerolog.Logger
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.LowPriorityPercentile <= 0 {
		cfg.LowPriorityPercentile = 0.5
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.RealClock{}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.New(resilience.Config{Name: "admission", Clock: cfg.Clock})
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	return &Controller{
		maxConcurrent: cfg.MaxConcurrent,
		maxQueue:      cfg.MaxQueue,
		batchSize:     cfg.BatchSize,
		taskTimeout:   cfg.TaskTimeout,
		cooldown:      cfg.Cooldown,
		lowPct:        cfg.LowPriorityPercentile,
		breaker:       cfg.Breaker,
		limiter:       cfg.Limiter,
		clock:         cfg.Clock,
		logger:        log.WithComponent("admission"),
	}
}

// BindCache attaches the cache used for pressure relief.
func (c *Controller) BindCache(cache CacheReliever) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = cache
}

// BindPool attaches the pool used for pressure relief.
func (c *Controller) BindPool(pool PoolReliever) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool = pool
}

// Execute runs the task under admission control. It runs immediately when
// capacity allows and the controller is not throttling the task's class;
// otherwise it queues (priority-ordered, FIFO within a priority) and blocks
// until dispatched, rejected, or the caller's context ends. Task errors
// propagate untouched.
func (c *Controller) Execute(ctx context.Context, priority Priority, task Task) error {
	c.mu.Lock()

	if c.breaker.State() == resilience.StateOpen && priority != PriorityHigh && !c.breaker.Allow() {
		c.mu.Unlock()
		metrics.RecordAdmissionDecision(priority.String(), "rejected_circuit")
		return ErrCircuitOpen
	}

	if c.active < c.maxConcurrent && (!c.throttlingLocked() || priority == PriorityHigh) {
		c.active++
		c.publishLocked()
		c.mu.Unlock()
		metrics.RecordAdmissionDecision(priority.String(), "admitted")
		return c.run(ctx, priority, task)
	}

	if len(c.queues[priority]) >= c.maxQueue {
		c.mu.Unlock()
		metrics.RecordAdmissionDecision(priority.String(), "rejected_queue_full")
		return ErrQueueFull
	}

	qt := &queuedTask{ctx: ctx, task: task, priority: priority, resultCh: make(chan error, 1)}
	c.queues[priority] = append(c.queues[priority], qt)
	c.publishLocked()
	c.mu.Unlock()
	metrics.RecordAdmissionDecision(priority.String(), "queued")

	select {
	case err := <-qt.resultCh:
		return err
	case <-ctx.Done():
		if c.unlink(qt) {
			return ctx.Err()
		}
		// Dispatch won the race; the task is running and its result will
		// arrive on the channel.
		return <-qt.resultCh
	}
}

// run executes the task, feeds the breaker, and triggers a dispatch when
// capacity frees.
func (c *Controller) run(ctx context.Context, priority Priority, task Task) error {
	if c.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	err := task(ctx)
	metrics.ObserveTaskDuration(priority.String(), time.Since(start).Seconds())

	if err != nil {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	c.mu.Lock()
	c.active--
	c.dispatchLocked()
	c.publishLocked()
	c.mu.Unlock()
	return err
}

// unlink removes a queued task, reporting whether it was still queued.
func (c *Controller) unlink(qt *queuedTask) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[qt.priority]
	for i, queued := range q {
		if queued == qt {
			c.queues[qt.priority] = append(q[:i], q[i+1:]...)
			c.publishLocked()
			return true
		}
	}
	return false
}

// dispatchLocked starts as many queued tasks as capacity and pacing allow,
// highest priority first. Caller must hold the lock.
func (c *Controller) dispatchLocked() {
	throttling := c.throttlingLocked()
	for c.active < c.maxConcurrent {
		qt := c.nextLocked(throttling)
		if qt == nil {
			return
		}
		c.active++
		go func(qt *queuedTask) {
			qt.resultCh <- c.run(qt.ctx, qt.priority, qt.task)
		}(qt)
	}
}

func (c *Controller) nextLocked(throttling bool) *queuedTask {
	for p := PriorityHigh; p < priorityCount; p++ {
		if len(c.queues[p]) == 0 {
			continue
		}
		if throttling && p != PriorityHigh && !c.limiter.Allow(p.String()) {
			continue
		}
		qt := c.queues[p][0]
		c.queues[p] = c.queues[p][1:]
		return qt
	}
	return nil
}

// Kick re-evaluates the queue outside of task completions, e.g. on governor
// ticks after a cooldown expires.
func (c *Controller) Kick() {
	c.mu.Lock()
	c.dispatchLocked()
	c.publishLocked()
	c.mu.Unlock()
}

// OnBottleneck implements monitor.Listener with the bottleneck response
// table. It is applied per event, independent of cooldown re-arming.
func (c *Controller) OnBottleneck(ev monitor.BottleneckEvent) {
	c.mu.Lock()
	cache, pool := c.cache, c.pool
	critical := ev.Severity == monitor.SeverityCritical

	switch ev.Metric {
	case monitor.MetricCPU:
		c.enableThrottlingLocked(string(ev.Metric))
		if critical {
			c.batchSize = max(1, c.batchSize/2)
		} else {
			c.batchSize = max(1, c.batchSize*3/4)
		}
	case monitor.MetricMemory:
		if critical {
			c.enableThrottlingLocked(string(ev.Metric))
		}
	case monitor.MetricLatency:
		if critical {
			c.enableThrottlingLocked(string(ev.Metric))
		}
	case monitor.MetricErrorRate:
		c.enableThrottlingLocked(string(ev.Metric))
		if critical {
			c.breaker.Trip("error_rate_critical")
		}
	}
	c.mu.Unlock()

	// Cache and pool relief runs outside the controller lock.
	switch ev.Metric {
	case monitor.MetricCPU:
		if critical && cache != nil {
			cache.ClearLowPriority(c.lowPct)
		}
	case monitor.MetricMemory:
		if critical {
			if cache != nil {
				cache.Clear()
			}
			if pool != nil {
				pool.Shrink(0)
			}
		} else {
			if cache != nil {
				cache.ClearExpired()
			}
			if pool != nil {
				pool.Maintain()
			}
		}
	case monitor.MetricLatency:
		if critical && pool != nil {
			pool.Maintain()
		}
	}
}

// EnableThrottling arms (or re-arms) throttling, used by the governor's
// critical path.
func (c *Controller) EnableThrottling(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableThrottlingLocked(reason)
}

// enableThrottlingLocked arms throttling for one cooldown period. Every
// trigger re-arms the shared cooldown.
func (c *Controller) enableThrottlingLocked(reason string) {
	now := c.clock.Now()
	if !c.throttling {
		c.logger.Warn().
			Str(log.FieldEvent, "admission.throttle_on").
			Str("reason", reason).
			Msg("throttling enabled")
		metrics.SetThrottling(true)
	}
	c.throttling = true
	c.throttleUntil = now.Add(c.cooldown)
}

// throttlingLocked lazily disarms throttling once the cooldown elapses with
// no re-trigger. Caller must hold the lock.
func (c *Controller) throttlingLocked() bool {
	if c.throttling && !c.clock.Now().Before(c.throttleUntil) {
		c.throttling = false
		metrics.SetThrottling(false)
		c.logger.Info().
			Str(log.FieldEvent, "admission.throttle_off").
			Msg("cooldown elapsed, throttling disabled")
	}
	return c.throttling
}

// IsThrottling reports whether the controller is currently shaping load.
func (c *Controller) IsThrottling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttlingLocked()
}

// AllowCreate implements the pool gate: growth is vetoed while throttling
// or while execution capacity is saturated.
func (c *Controller) AllowCreate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.throttlingLocked() && c.active < c.maxConcurrent
}

// SetLimits applies governor-suggested limits.
func (c *Controller) SetLimits(l Limits) {
	c.mu.Lock()
	if l.MaxConcurrent > 0 {
		c.maxConcurrent = l.MaxConcurrent
	}
	if l.BatchSize > 0 {
		c.batchSize = l.BatchSize
	}
	if l.Timeout > 0 {
		c.taskTimeout = l.Timeout
	}
	c.dispatchLocked()
	c.publishLocked()
	c.mu.Unlock()

	metrics.SetAppliedLimit("max_concurrent", float64(l.MaxConcurrent))
	metrics.SetAppliedLimit("batch_size", float64(l.BatchSize))
	metrics.SetAppliedLimit("timeout_ms", float64(l.Timeout.Milliseconds()))
}

// Limits returns the currently applied limits.
func (c *Controller) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Limits{MaxConcurrent: c.maxConcurrent, BatchSize: c.batchSize, Timeout: c.taskTimeout}
}

// Active returns the number of tasks currently executing.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// QueueLengths returns the queue depth per priority.
func (c *Controller) QueueLengths() map[Priority]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Priority]int, priorityCount)
	for p := PriorityHigh; p < priorityCount; p++ {
		out[p] = len(c.queues[p])
	}
	return out
}

// QueueLength returns the total queued task count.
func (c *Controller) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for p := PriorityHigh; p < priorityCount; p++ {
		total += len(c.queues[p])
	}
	return total
}

// BreakerState exposes the circuit breaker state for health reporting.
func (c *Controller) BreakerState() resilience.State {
	return c.breaker.State()
}

// TripBreaker force-opens the circuit breaker, used by the governor's
// emergency path.
func (c *Controller) TripBreaker(reason string) {
	c.breaker.Trip(reason)
}

func (c *Controller) publishLocked() {
	metrics.SetActiveTasks(float64(c.active))
	for p := PriorityHigh; p < priorityCount; p++ {
		metrics.SetQueuedTasks(p.String(), float64(len(c.queues[p])))
	}
}

// ExecuteValue runs a value-returning task under admission control.
func ExecuteValue[T any](ctx context.Context, c *Controller, priority Priority, task func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Execute(ctx, priority, func(ctx context.Context) error {
		var taskErr error
		out, taskErr = task(ctx)
		return taskErr
	})
	return out, err
}
