// SPDX-License-Identifier: MIT

// Package ratelimit paces throttled work per priority class using token
// buckets.
package ratelimit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "governor",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	},
	[]string{"limit_type", "class"},
)

// Config holds rate limiting configuration.
type Config struct {
	// Global limits across all classes.
	GlobalRate  rate.Limit // events per second
	GlobalBurst int

	// Per-class limits, keyed by priority class name.
	ClassRates map[string]rate.Limit
	ClassBurst map[string]int
}

// DefaultConfig returns pacing suited to dequeueing under throttle: high
// priority is effectively unpaced, lower classes drain slowly.
func DefaultConfig() Config {
	return Config{
		GlobalRate:  200,
		GlobalBurst: 400,

		ClassRates: map[string]rate.Limit{
			"high":   100,
			"medium": 25,
			"low":    5,
		},
		ClassBurst: map[string]int{
			"high":   200,
			"medium": 50,
			"low":    10,
		},
	}
}

// Limiter manages token buckets per priority class.
type Limiter struct {
	config Config

	global   *rate.Limiter
	perClass map[string]*rate.Limiter
	mu       sync.RWMutex
}

// New creates a limiter with the given config.
func New(config Config) *Limiter {
	l := &Limiter{
		config:   config,
		global:   rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perClass: make(map[string]*rate.Limiter),
	}
	for class, classRate := range config.ClassRates {
		burst := config.ClassBurst[class]
		l.perClass[class] = rate.NewLimiter(classRate, burst)
	}
	return l
}

// Allow checks whether one event of the given class may proceed now.
func (l *Limiter) Allow(class string) bool {
	if !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global", class).Inc()
		return false
	}

	l.mu.RLock()
	classLimiter, exists := l.perClass[class]
	l.mu.RUnlock()

	if exists && !classLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_class", class).Inc()
		return false
	}
	return true
}

// SetClassRate adjusts one class bucket at runtime.
func (l *Limiter) SetClassRate(class string, r rate.Limit, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perClass[class] = rate.NewLimiter(r, burst)
}
