// SPDX-License-Identifier: MIT

// Package api exposes the operational HTTP surface: Prometheus metrics,
// health probes, and a status snapshot of every governed component.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiktok-toe/governor/internal/admission"
	"github.com/tiktok-toe/governor/internal/cache"
	"github.com/tiktok-toe/governor/internal/governor"
	"github.com/tiktok-toe/governor/internal/health"
	"github.com/tiktok-toe/governor/internal/log"
	"github.com/tiktok-toe/governor/internal/monitor"
	"github.com/tiktok-toe/governor/internal/pool"
)

// PoolStatus is implemented by any pool instantiation.
type PoolStatus interface {
	Stats() pool.Stats
	MaxSize() int
}

// CacheStatus is implemented by any cache instantiation.
type CacheStatus interface {
	Stats() cache.Stats
	Len() int
	Size() int64
	MaxSize() int64
}

// Deps are the components the server reports on.
type Deps struct {
	Version   string
	Monitor   *monitor.Monitor
	Admission *admission.Controller
	Governor  *governor.Governor
	Pool      PoolStatus
	Cache     CacheStatus
	Health    *health.Manager

	// RateLimit is requests per minute per client IP, 0 disables.
	RateLimit int
	// TracingService enables otelhttp instrumentation when non-empty.
	TracingService string
}

// StatusResponse is the /status body.
type StatusResponse struct {
	Version   string             `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Admission AdmissionStatus    `json:"admission"`
	Pool      PoolStatusBody     `json:"pool"`
	Cache     CacheStatusBody    `json:"cache"`
	Governor  GovernorStatus     `json:"governor"`
}

type AdmissionStatus struct {
	Active       int            `json:"active"`
	Queued       map[string]int `json:"queued"`
	Throttling   bool           `json:"throttling"`
	BreakerState string         `json:"breaker_state"`
	Limits       LimitsBody     `json:"limits"`
}

type LimitsBody struct {
	MaxConcurrent int   `json:"max_concurrent"`
	BatchSize     int   `json:"batch_size"`
	TimeoutMS     int64 `json:"timeout_ms"`
}

type PoolStatusBody struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Waiting   int   `json:"waiting"`
	MaxSize   int   `json:"max_size"`
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Timeouts  int64 `json:"timeouts"`
}

type CacheStatusBody struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type GovernorStatus struct {
	RejectingConnections bool       `json:"rejecting_connections"`
	LastLimits           LimitsBody `json:"last_limits"`
}

// NewRouter builds the chi router with the canonical middleware stack.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	if deps.TracingService != "" {
		r.Use(tracing(deps.TracingService))
	}
	if deps.RateLimit > 0 {
		r.Use(rateLimit(deps.RateLimit, time.Minute))
	}
	if deps.Governor != nil {
		r.Use(rejectWhenSaturated(deps.Governor))
	}

	r.Handle("/metrics", promhttp.Handler())
	if deps.Health != nil {
		r.Get("/healthz", deps.Health.ServeHealth)
		r.Get("/readyz", deps.Health.ServeReady)
	}
	r.Get("/status", statusHandler(deps))

	return r
}

func statusHandler(deps Deps) http.HandlerFunc {
	logger := log.WithComponent("api")

	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Version:   deps.Version,
			Timestamp: time.Now(),
			Metrics:   map[string]float64{},
		}

		if deps.Monitor != nil {
			for _, m := range []monitor.MetricType{
				monitor.MetricCPU, monitor.MetricMemory,
				monitor.MetricLatency, monitor.MetricErrorRate,
			} {
				if s, ok := deps.Monitor.Latest(m); ok {
					resp.Metrics[string(m)] = s.Value
				}
			}
		}

		if deps.Admission != nil {
			limits := deps.Admission.Limits()
			queued := make(map[string]int)
			for p, n := range deps.Admission.QueueLengths() {
				queued[p.String()] = n
			}
			resp.Admission = AdmissionStatus{
				Active:       deps.Admission.Active(),
				Queued:       queued,
				Throttling:   deps.Admission.IsThrottling(),
				BreakerState: string(deps.Admission.BreakerState()),
				Limits: LimitsBody{
					MaxConcurrent: limits.MaxConcurrent,
					BatchSize:     limits.BatchSize,
					TimeoutMS:     limits.Timeout.Milliseconds(),
				},
			}
		}

		if deps.Pool != nil {
			s := deps.Pool.Stats()
			resp.Pool = PoolStatusBody{
				Active:    s.Active,
				Idle:      s.Idle,
				Waiting:   s.Waiting,
				MaxSize:   deps.Pool.MaxSize(),
				Created:   s.Created,
				Destroyed: s.Destroyed,
				Timeouts:  s.Timeouts,
			}
		}

		if deps.Cache != nil {
			s := deps.Cache.Stats()
			resp.Cache = CacheStatusBody{
				Entries:   deps.Cache.Len(),
				SizeBytes: deps.Cache.Size(),
				MaxBytes:  deps.Cache.MaxSize(),
				Hits:      s.Hits,
				Misses:    s.Misses,
				Evictions: s.Evictions,
			}
		}

		if deps.Governor != nil {
			last := deps.Governor.LastLimits()
			resp.Governor = GovernorStatus{
				RejectingConnections: deps.Governor.RejectingConnections(),
				LastLimits: LimitsBody{
					MaxConcurrent: last.MaxConcurrent,
					BatchSize:     last.BatchSize,
					TimeoutMS:     last.Timeout.Milliseconds(),
				},
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error().Err(err).
				Str(log.FieldEvent, "api.encode_error").
				Msg("failed to encode status response")
		}
	}
}
