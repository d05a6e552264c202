// SPDX-License-Identifier: MIT

// Package pool manages a bounded set of externally created resources,
// handing them out through Acquire/Release with FIFO waiter fairness and
// reclaiming idle resources in the background.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tiktok-toe/governor/internal/log"
	"github.com/tiktok-toe/governor/internal/metrics"
	"github.com/tiktok-toe/governor/internal/sched"
)

// Factory creates and destroys pooled resources. Create failures propagate
// to the Acquire caller; Destroy failures are logged and never retried.
type Factory[R any] interface {
	Create(ctx context.Context) (R, error)
	Destroy(ctx context.Context, resource R) error
}

// Validator is optionally implemented by a Factory to support borrow-time
// validation.
type Validator[R any] interface {
	Validate(ctx context.Context, resource R) bool
}

// Gate is consulted before the pool grows past minSize. An admission
// controller implements this to share its limits with the pool.
type Gate interface {
	AllowCreate() bool
}

// Resource is the handle returned by Acquire. The caller returns it with
// Pool.Release; Value reads the underlying resource.
type Resource[R any] struct {
	id       string
	value    R
	lastUsed time.Time
	released bool // guarded by the pool mutex
}

// ID returns the pool-assigned resource identifier.
func (r *Resource[R]) ID() string { return r.id }

// Value returns the underlying resource.
func (r *Resource[R]) Value() R { return r.value }

// Config configures a Pool.
type Config struct {
	// Name labels metrics and log entries.
	Name string
	// MinSize is kept alive through idle reaping; the pool is warmed to this
	// size at construction (best effort).
	MinSize int
	// MaxSize caps active+idle resources.
	MaxSize int
	// AcquireTimeout bounds how long Acquire waits for a free resource.
	AcquireTimeout time.Duration
	// IdleTimeout is how long a resource may sit idle before being reaped.
	IdleTimeout time.Duration
	// MaintenanceInterval is the reaper period (default 30s).
	MaintenanceInterval time.Duration
	// ValidateOnBorrow runs the factory's Validate before handing out idle
	// resources; invalid ones are destroyed and replaced.
	ValidateOnBorrow bool
	// MaxValidateRetries bounds the destroy-and-retry loop (default MaxSize).
	MaxValidateRetries int
	// Gate, when set, is consulted before growing past MinSize.
	Gate Gate
	// Clock and Scheduler are injectable for tests.
	Clock     sched.Clock
	Scheduler sched.Scheduler
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	if c.MaxValidateRetries <= 0 {
		c.MaxValidateRetries = c.MaxSize
	}
	if c.Clock == nil {
		c.Clock = sched.RealClock{}
	}
	if c.Scheduler == nil {
		c.Scheduler = sched.NewTicker()
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Active    int
	Idle      int
	Waiting   int
	Created   int64
	Destroyed int64
	Timeouts  int64
}

type acquireResult[R any] struct {
	res *Resource[R]
	err error
}

type waiter[R any] struct {
	id        string
	enqueued  time.Time
	deliverCh chan acquireResult[R]
}

// Pool is a bounded resource manager. All capacity checks and counter
// updates happen inside one mutex-guarded region.
type Pool[R any] struct {
	cfg       Config
	factory   Factory[R]
	validator Validator[R] // nil when the factory has no Validate

	mu      sync.Mutex
	idle    []*Resource[R]
	active  int
	total   int // active + idle + creations in flight
	waiters []*waiter[R]
	closed  bool

	created   int64
	destroyed int64
	timeouts  int64

	logger zerolog.Logger
}

// New constructs a pool and warms it to MinSize. Warming is best effort:
// factory failures are logged and the pool starts smaller.
func New[R any](cfg Config, factory Factory[R]) *Pool[R] {
	cfg.withDefaults()
	p := &Pool[R]{
		cfg:     cfg,
		factory: factory,
		logger:  log.WithComponent("pool").With().Str("pool", cfg.Name).Logger(),
	}
	if v, ok := factory.(Validator[R]); ok {
		p.validator = v
	}

	for i := 0; i < cfg.MinSize; i++ {
		res, err := p.create(context.Background())
		if err != nil {
			p.logger.Warn().
				Str(log.FieldEvent, "pool.warmup_failed").
				Err(err).
				Msg("could not pre-create resource")
			break
		}
		p.mu.Lock()
		p.idle = append(p.idle, res)
		p.total++
		p.publishLocked()
		p.mu.Unlock()
	}

	p.cfg.Scheduler.Start(p.cfg.MaintenanceInterval, p.Maintain)
	return p
}

// Acquire returns a resource, creating one when under MaxSize, otherwise
// waiting FIFO behind earlier callers. It fails with ErrAcquireTimeout after
// the configured timeout, or earlier if ctx is done.
func (p *Pool[R]) Acquire(ctx context.Context) (*Resource[R], error) {
	start := p.cfg.Clock.Now()
	defer func() {
		metrics.ObserveAcquireWait(p.cfg.Name, p.cfg.Clock.Now().Sub(start).Seconds())
	}()

	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosing
		}

		// Idle resource available.
		if n := len(p.idle); n > 0 {
			res := p.idle[n-1]
			p.idle = p.idle[:n-1]
			res.released = false
			p.active++
			p.publishLocked()
			p.mu.Unlock()

			if p.cfg.ValidateOnBorrow && p.validator != nil && !p.validator.Validate(ctx, res.value) {
				p.discard(ctx, res, "invalidated")
				if attempt < p.cfg.MaxValidateRetries {
					continue
				}
				return nil, ErrResourceValidation
			}
			return res, nil
		}

		// Room to grow. The gate only vetoes growth past MinSize; the floor
		// is always reachable.
		if p.total < p.cfg.MaxSize && (p.total < p.cfg.MinSize || p.allowCreate()) {
			p.total++
			p.active++
			p.publishLocked()
			p.mu.Unlock()

			res, err := p.create(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.active--
				p.publishLocked()
				p.mu.Unlock()
				return nil, fmt.Errorf("pool %s: create resource: %w", p.cfg.Name, err)
			}
			return res, nil
		}

		// Full: wait FIFO for a release.
		w := &waiter[R]{
			id:        uuid.NewString(),
			enqueued:  p.cfg.Clock.Now(),
			deliverCh: make(chan acquireResult[R], 1),
		}
		p.waiters = append(p.waiters, w)
		p.publishLocked()
		p.mu.Unlock()

		return p.wait(ctx, w)
	}
}

// wait blocks on delivery, timeout, or context cancellation. Exactly one
// outcome wins: whoever unlinks the waiter from the queue owns its
// resolution, so a release racing a timeout can never double-resolve.
func (p *Pool[R]) wait(ctx context.Context, w *waiter[R]) (*Resource[R], error) {
	timer := p.cfg.Clock.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case out := <-w.deliverCh:
		return out.res, out.err
	case <-timer.C():
		if p.unlink(w) {
			p.mu.Lock()
			p.timeouts++
			p.mu.Unlock()
			metrics.RecordAcquireTimeout(p.cfg.Name)
			return nil, ErrAcquireTimeout
		}
		// A release resolved us first; the delivery is already in flight.
		out := <-w.deliverCh
		return out.res, out.err
	case <-ctx.Done():
		if p.unlink(w) {
			return nil, ctx.Err()
		}
		out := <-w.deliverCh
		if out.err != nil {
			return nil, out.err
		}
		// Delivered and cancelled at once: hand the resource back.
		p.Release(out.res)
		return nil, ctx.Err()
	}
}

// unlink removes w from the waiter queue, reporting whether it was still
// queued (and therefore unresolved).
func (p *Pool[R]) unlink(w *waiter[R]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.publishLocked()
			return true
		}
	}
	return false
}

// Release returns a resource to the pool. If waiters exist the resource is
// handed directly to the oldest one instead of parking in the idle list.
// Releasing the same handle twice is a logged no-op.
func (p *Pool[R]) Release(res *Resource[R]) {
	if res == nil {
		return
	}

	p.mu.Lock()
	if res.released {
		p.mu.Unlock()
		p.logger.Warn().
			Str(log.FieldEvent, "pool.double_release").
			Str(log.FieldResourceID, res.id).
			Msg("resource released twice")
		return
	}
	res.lastUsed = p.cfg.Clock.Now()

	if p.closed {
		res.released = true
		p.active--
		p.total--
		p.publishLocked()
		p.mu.Unlock()
		p.destroy(res)
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.publishLocked()
		p.mu.Unlock()
		// Ownership transfers: active count is unchanged.
		w.deliverCh <- acquireResult[R]{res: res}
		return
	}

	res.released = true
	p.active--
	p.idle = append(p.idle, res)
	p.publishLocked()
	p.mu.Unlock()
}

// Maintain reaps resources idle longer than IdleTimeout without shrinking
// the pool below MinSize. It runs on the maintenance scheduler and may be
// called directly.
func (p *Pool[R]) Maintain() {
	now := p.cfg.Clock.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var reap []*Resource[R]
	keep := p.idle[:0]
	for _, res := range p.idle {
		if now.Sub(res.lastUsed) > p.cfg.IdleTimeout && p.total-len(reap) > p.cfg.MinSize {
			reap = append(reap, res)
		} else {
			keep = append(keep, res)
		}
	}
	p.idle = keep
	p.total -= len(reap)
	p.publishLocked()
	p.mu.Unlock()

	for _, res := range reap {
		p.destroy(res)
		p.logger.Debug().
			Str(log.FieldEvent, "pool.reaped_idle").
			Str(log.FieldResourceID, res.id).
			Msg("destroyed idle resource")
	}
}

// Shrink destroys idle resources down to the given target total, never below
// MinSize. Used by the governor for memory-pressure relief.
func (p *Pool[R]) Shrink(target int) int {
	if target < p.cfg.MinSize {
		target = p.cfg.MinSize
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	var reap []*Resource[R]
	for p.total-len(reap) > target && len(p.idle) > len(reap) {
		reap = append(reap, p.idle[len(p.idle)-1-len(reap)])
	}
	p.idle = p.idle[:len(p.idle)-len(reap)]
	p.total -= len(reap)
	p.publishLocked()
	p.mu.Unlock()

	for _, res := range reap {
		p.destroy(res)
	}
	return len(reap)
}

// Close shuts the pool down: the reaper stops, idle resources are destroyed,
// waiters are rejected with ErrPoolClosing, and resources still checked out
// are destroyed on their release. Idempotent and safe from any goroutine.
func (p *Pool[R]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.publishLocked()
	p.mu.Unlock()

	// Stop outside the lock: the scheduler waits for an in-flight Maintain,
	// which takes the lock.
	p.cfg.Scheduler.Stop()

	for _, w := range waiters {
		w.deliverCh <- acquireResult[R]{err: ErrPoolClosing}
	}
	for _, res := range idle {
		p.destroy(res)
	}

	p.logger.Info().
		Str(log.FieldEvent, "pool.closed").
		Int("destroyed_idle", len(idle)).
		Int("rejected_waiters", len(waiters)).
		Msg("pool closed")
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    p.active,
		Idle:      len(p.idle),
		Waiting:   len(p.waiters),
		Created:   p.created,
		Destroyed: p.destroyed,
		Timeouts:  p.timeouts,
	}
}

// MaxSize returns the configured capacity.
func (p *Pool[R]) MaxSize() int {
	return p.cfg.MaxSize
}

func (p *Pool[R]) allowCreate() bool {
	if p.cfg.Gate == nil {
		return true
	}
	return p.cfg.Gate.AllowCreate()
}

// create invokes the factory; counters were reserved by the caller.
func (p *Pool[R]) create(ctx context.Context) (*Resource[R], error) {
	value, err := p.factory.Create(ctx)
	if err != nil {
		return nil, err
	}
	res := &Resource[R]{
		id:       uuid.NewString(),
		value:    value,
		lastUsed: p.cfg.Clock.Now(),
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	metrics.RecordPoolLifecycle(p.cfg.Name, "created")
	return res, nil
}

// discard removes a checked-out resource from the pool accounting and
// destroys it.
func (p *Pool[R]) discard(ctx context.Context, res *Resource[R], reason string) {
	p.mu.Lock()
	p.active--
	p.total--
	p.publishLocked()
	p.mu.Unlock()
	metrics.RecordPoolLifecycle(p.cfg.Name, reason)
	p.destroy(res)
}

// destroy tears a resource down exactly once. Factory errors are logged,
// never retried, and never block pool operation.
func (p *Pool[R]) destroy(res *Resource[R]) {
	if err := p.factory.Destroy(context.Background(), res.value); err != nil {
		p.logger.Error().
			Str(log.FieldEvent, "pool.destroy_failed").
			Str(log.FieldResourceID, res.id).
			Err(err).
			Msg("factory destroy failed")
	}
	p.mu.Lock()
	p.destroyed++
	p.mu.Unlock()
	metrics.RecordPoolLifecycle(p.cfg.Name, "destroyed")
}

func (p *Pool[R]) publishLocked() {
	metrics.SetPoolState(p.cfg.Name, "active", float64(p.active))
	metrics.SetPoolState(p.cfg.Name, "idle", float64(len(p.idle)))
	metrics.SetPoolState(p.cfg.Name, "waiting", float64(len(p.waiters)))
}
