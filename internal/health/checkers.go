// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/tiktok-toe/governor/internal/admission"
	"github.com/tiktok-toe/governor/internal/monitor"
	"github.com/tiktok-toe/governor/internal/pool"
	"github.com/tiktok-toe/governor/internal/resilience"
)

// PoolStats is satisfied by any pool instantiation.
type PoolStats interface {
	Stats() pool.Stats
	MaxSize() int
}

// PoolChecker degrades when the pool approaches saturation and reports
// unhealthy when waiters pile up at full capacity.
type PoolChecker struct {
	name string
	pool PoolStats
}

func NewPoolChecker(name string, p PoolStats) *PoolChecker {
	return &PoolChecker{name: name, pool: p}
}

func (c *PoolChecker) Name() string { return c.name }

func (c *PoolChecker) Check(_ context.Context) CheckResult {
	s := c.pool.Stats()
	maxSize := c.pool.MaxSize()

	if maxSize > 0 && s.Active >= maxSize && s.Waiting > 0 {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("pool exhausted: %d active, %d waiting", s.Active, s.Waiting),
		}
	}
	if maxSize > 0 && float64(s.Active)/float64(maxSize) >= 0.9 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("pool near capacity: %d/%d active", s.Active, maxSize),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d active, %d idle", s.Active, s.Idle),
	}
}

// AdmissionChecker reports degraded while throttling and unhealthy while
// the circuit breaker is open.
type AdmissionChecker struct {
	name string
	ctrl *admission.Controller
}

func NewAdmissionChecker(name string, ctrl *admission.Controller) *AdmissionChecker {
	return &AdmissionChecker{name: name, ctrl: ctrl}
}

func (c *AdmissionChecker) Name() string { return c.name }

func (c *AdmissionChecker) Check(_ context.Context) CheckResult {
	if c.ctrl.BreakerState() == resilience.StateOpen {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "circuit breaker open",
		}
	}
	if c.ctrl.IsThrottling() {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("throttling, %d queued", c.ctrl.QueueLength()),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d active", c.ctrl.Active()),
	}
}

// MonitorChecker degrades when a metric's samples go stale, meaning its
// sampler has stopped delivering.
type MonitorChecker struct {
	name     string
	mon      *monitor.Monitor
	metric   monitor.MetricType
	maxStale time.Duration
}

func NewMonitorChecker(name string, mon *monitor.Monitor, metric monitor.MetricType, maxStale time.Duration) *MonitorChecker {
	return &MonitorChecker{name: name, mon: mon, metric: metric, maxStale: maxStale}
}

func (c *MonitorChecker) Name() string { return c.name }

func (c *MonitorChecker) Check(_ context.Context) CheckResult {
	latest, ok := c.mon.Latest(c.metric)
	if !ok {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("no %s samples yet", c.metric),
		}
	}
	if age := time.Since(latest.Timestamp); age > c.maxStale {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%s samples stale for %s", c.metric, age.Round(time.Second)),
		}
	}
	return CheckResult{Status: StatusHealthy}
}
