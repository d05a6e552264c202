// SPDX-License-Identifier: MIT

// Package sched provides injectable time sources and periodic schedulers so
// components that run on timers can be driven deterministically in tests.
package sched

import (
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	// NewTimer returns a timer that fires once after d.
	NewTimer(d time.Duration) Timer
}

// Timer is a one-shot timer handed out by a Clock.
type Timer interface {
	// C delivers the fire time. It is buffered, so a fired timer never
	// blocks the clock.
	C() <-chan time.Time
	// Stop cancels the timer, reporting whether it was still pending.
	Stop() bool
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time { return r.t.C }

func (r realTimer) Stop() bool { return r.t.Stop() }

// Scheduler runs a function periodically until stopped. Implementations must
// tolerate Stop being called more than once and from any goroutine.
type Scheduler interface {
	// Start begins invoking fn every interval. Calling Start on a running
	// scheduler is a no-op.
	Start(interval time.Duration, fn func())
	// Stop cancels the periodic invocation and waits for an in-flight run
	// started by this scheduler to return.
	Stop()
}

// Ticker is the production Scheduler backed by time.Ticker. Each run of fn
// happens on the ticker goroutine; fn is expected to hand long work off to
// its own goroutines.
type Ticker struct {
	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewTicker returns an unstarted ticker scheduler.
func NewTicker() *Ticker {
	return &Ticker{}
}

// Start begins the periodic loop.
func (t *Ticker) Start(interval time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}(t.stop, t.done)
}

// Stop halts the loop. Safe to call repeatedly.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stop, done := t.stop, t.done
	t.mu.Unlock()

	close(stop)
	<-done
}

// ManualScheduler is a test scheduler whose ticks are triggered explicitly.
type ManualScheduler struct {
	mu       sync.Mutex
	fn       func()
	Interval time.Duration
	started  bool
}

// NewManual returns a manual scheduler for tests.
func NewManual() *ManualScheduler {
	return &ManualScheduler{}
}

func (m *ManualScheduler) Start(interval time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.Interval = interval
	m.fn = fn
}

func (m *ManualScheduler) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	m.fn = nil
}

// Tick runs the scheduled function once, if started.
func (m *ManualScheduler) Tick() {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Started reports whether Start has been called without a matching Stop.
func (m *ManualScheduler) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// ManualClock is a settable clock for tests. Timers it hands out fire when
// Advance moves the clock past their deadline.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

// NewManualClock returns a manual clock starting at now.
func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer registers a one-shot timer. A non-positive duration fires
// immediately.
func (c *ManualClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.fired = true
		t.ch <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d and fires every pending timer whose
// deadline has been reached.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var pending, due []*manualTimer
	for _, t := range c.timers {
		if t.at.After(now) {
			pending = append(pending, t)
			continue
		}
		t.fired = true
		due = append(due, t)
	}
	c.timers = pending
	c.mu.Unlock()

	for _, t := range due {
		t.ch <- now
	}
}

// Pending reports how many timers are armed and waiting for Advance.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type manualTimer struct {
	clock *ManualClock
	at    time.Time
	ch    chan time.Time
	fired bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.fired {
		return false
	}
	t.fired = true
	for i, queued := range c.timers {
		if queued == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	return true
}
