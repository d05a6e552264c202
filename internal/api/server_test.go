// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktok-toe/governor/internal/admission"
	"github.com/tiktok-toe/governor/internal/cache"
	"github.com/tiktok-toe/governor/internal/governor"
	"github.com/tiktok-toe/governor/internal/health"
	"github.com/tiktok-toe/governor/internal/monitor"
	"github.com/tiktok-toe/governor/internal/pool"
	"github.com/tiktok-toe/governor/internal/predict"
	"github.com/tiktok-toe/governor/internal/sched"
)

type intFactory struct{ next int }

func (f *intFactory) Create(context.Context) (int, error) {
	f.next++
	return f.next, nil
}

func (f *intFactory) Destroy(context.Context, int) error { return nil }

func newTestPool(t *testing.T) *pool.Pool[int] {
	t.Helper()
	p := pool.New[int](pool.Config{
		Name:      t.Name(),
		MaxSize:   2,
		Scheduler: sched.NewManual(),
	}, &intFactory{})
	t.Cleanup(p.Close)
	return p
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	mon := monitor.New(monitor.Config{Thresholds: monitor.DefaultThresholds()})
	ctrl := admission.New(admission.Config{MaxConcurrent: 4})
	c := cache.New[string](cache.Config{Name: "test", MaxSizeBytes: 1 << 20})

	p := newTestPool(t)
	gov := governor.New(governor.Config{Scheduler: sched.NewManual()}, governor.Deps{
		Monitor:   mon,
		Admission: ctrl,
		Cache:     c,
		Pool:      p,
		Predictor: predict.Static{},
	})

	hm := health.NewManager("test")
	hm.RegisterChecker(health.NewAdmissionChecker("admission", ctrl))

	return Deps{
		Version:   "test",
		Monitor:   mon,
		Admission: ctrl,
		Governor:  gov,
		Pool:      p,
		Cache:     c,
		Health:    hm,
	}
}

func TestRouter_Status(t *testing.T) {
	deps := testDeps(t)
	deps.Monitor.Observe(monitor.MetricCPU, 42)
	deps.Cache.(*cache.Cache[string]).Set("k", "v", 10)

	r := NewRouter(deps)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, 200, rec.Code)

	var body StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, 42.0, body.Metrics["cpu"])
	assert.Equal(t, 4, body.Admission.Limits.MaxConcurrent)
	assert.Equal(t, "closed", body.Admission.BreakerState)
	assert.Equal(t, 1, body.Cache.Entries)
	assert.Equal(t, int64(10), body.Cache.SizeBytes)
}

func TestRouter_Probes(t *testing.T) {
	r := NewRouter(testDeps(t))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestRouter_RateLimit(t *testing.T) {
	deps := testDeps(t)
	deps.RateLimit = 2
	r := NewRouter(deps)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/status", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code, "limit is per client IP")
}

func TestRouter_RejectsWhenSaturated(t *testing.T) {
	deps := testDeps(t)
	r := NewRouter(deps)

	// Saturate the pool so the governor flags rejection on its next tick.
	p := deps.Pool.(*pool.Pool[int])
	for i := 0; i < p.MaxSize(); i++ {
		_, err := p.Acquire(contextWithTimeout(t))
		require.NoError(t, err)
	}
	deps.Governor.Tick()
	require.True(t, deps.Governor.RejectingConnections())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	assert.Equal(t, 503, rec.Code)

	// Probes keep working while overloaded.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}
