// SPDX-License-Identifier: MIT

// Package config holds the typed runtime configuration. Values come from
// defaults, an optional YAML file, and GOVERNOR_* environment variables,
// in that order of precedence.
package config

import (
	"fmt"
	"time"

	"github.com/tiktok-toe/governor/internal/cache"
	"github.com/tiktok-toe/governor/internal/monitor"
)

// Config is the root configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Cache     CacheConfig     `yaml:"cache"`
	Pool      PoolConfig      `yaml:"pool"`
	Admission AdmissionConfig `yaml:"admission"`
	Governor  GovernorConfig  `yaml:"governor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is requests per minute per client IP, 0 disables.
	RateLimit int `yaml:"rate_limit"`
}

// MonitorConfig configures the usage monitor.
type MonitorConfig struct {
	SampleInterval time.Duration    `yaml:"sample_interval"`
	Retention      time.Duration    `yaml:"retention"`
	Thresholds     ThresholdsConfig `yaml:"thresholds"`
}

// ThresholdsConfig is the YAML form of the per-metric alert thresholds.
type ThresholdsConfig struct {
	CPUWarning        float64 `yaml:"cpu_warning"`
	CPUCritical       float64 `yaml:"cpu_critical"`
	MemoryWarning     float64 `yaml:"memory_warning"`
	MemoryCritical    float64 `yaml:"memory_critical"`
	LatencyWarning    float64 `yaml:"latency_warning_ms"`
	LatencyCritical   float64 `yaml:"latency_critical_ms"`
	ErrorRateWarning  float64 `yaml:"error_rate_warning"`
	ErrorRateCritical float64 `yaml:"error_rate_critical"`
}

// ToMonitor converts to the monitor's threshold type.
func (t ThresholdsConfig) ToMonitor() monitor.ThresholdConfig {
	return monitor.ThresholdConfig{
		CPU:       monitor.Thresholds{Warning: t.CPUWarning, Critical: t.CPUCritical},
		Memory:    monitor.Thresholds{Warning: t.MemoryWarning, Critical: t.MemoryCritical},
		Latency:   monitor.Thresholds{Warning: t.LatencyWarning, Critical: t.LatencyCritical},
		ErrorRate: monitor.Thresholds{Warning: t.ErrorRateWarning, Critical: t.ErrorRateCritical},
	}
}

// CacheConfig configures the evicting cache.
type CacheConfig struct {
	MaxSizeBytes   int64         `yaml:"max_size_bytes"`
	MaxAge         time.Duration `yaml:"max_age"`
	EvictionPolicy string        `yaml:"eviction_policy"`
}

// PoolConfig configures the resource pool.
type PoolConfig struct {
	MinSize             int           `yaml:"min_size"`
	MaxSize             int           `yaml:"max_size"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// AdmissionConfig configures the admission controller.
type AdmissionConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxQueue      int           `yaml:"max_queue"`
	BatchSize     int           `yaml:"batch_size"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// GovernorConfig configures the adaptive control loop.
type GovernorConfig struct {
	Interval            time.Duration `yaml:"interval"`
	Cooldown            time.Duration `yaml:"cooldown"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	CacheFloorBytes     int64         `yaml:"cache_floor_bytes"`
	CacheCeilingBytes   int64         `yaml:"cache_ceiling_bytes"`
	SnapshotPath        string        `yaml:"snapshot_path"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol"` // grpc or http
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	th := monitor.DefaultThresholds()
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       600,
		},
		Monitor: MonitorConfig{
			SampleInterval: 10 * time.Second,
			Retention:      time.Hour,
			Thresholds: ThresholdsConfig{
				CPUWarning:        th.CPU.Warning,
				CPUCritical:       th.CPU.Critical,
				MemoryWarning:     th.Memory.Warning,
				MemoryCritical:    th.Memory.Critical,
				LatencyWarning:    th.Latency.Warning,
				LatencyCritical:   th.Latency.Critical,
				ErrorRateWarning:  th.ErrorRate.Warning,
				ErrorRateCritical: th.ErrorRate.Critical,
			},
		},
		Cache: CacheConfig{
			MaxSizeBytes:   256 << 20,
			MaxAge:         30 * time.Minute,
			EvictionPolicy: string(cache.PolicyLRU),
		},
		Pool: PoolConfig{
			MinSize:             2,
			MaxSize:             10,
			AcquireTimeout:      30 * time.Second,
			IdleTimeout:         5 * time.Minute,
			MaintenanceInterval: 30 * time.Second,
		},
		Admission: AdmissionConfig{
			MaxConcurrent: 10,
			MaxQueue:      1024,
			BatchSize:     50,
			Cooldown:      30 * time.Second,
		},
		Governor: GovernorConfig{
			Interval:            5 * time.Second,
			Cooldown:            30 * time.Second,
			ConfidenceThreshold: 0.8,
			CacheFloorBytes:     64 << 20,
			CacheCeilingBytes:   256 << 20,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			SampleRatio: 0.1,
			ServiceName: "governor",
		},
	}
}

// Validate checks the configuration for inconsistencies. It is called
// after all sources are merged so a bad file or env var cannot half-apply.
func Validate(cfg Config) error {
	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	switch cache.Policy(cfg.Cache.EvictionPolicy) {
	case cache.PolicyLRU, cache.PolicyLFU, cache.PolicyFIFO:
	default:
		return fmt.Errorf("invalid cache.eviction_policy %q", cfg.Cache.EvictionPolicy)
	}
	if cfg.Cache.MaxSizeBytes <= 0 {
		return fmt.Errorf("cache.max_size_bytes must be positive, got %d", cfg.Cache.MaxSizeBytes)
	}
	if cfg.Pool.MinSize < 0 {
		return fmt.Errorf("pool.min_size must not be negative, got %d", cfg.Pool.MinSize)
	}
	if cfg.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be positive, got %d", cfg.Pool.MaxSize)
	}
	if cfg.Pool.MinSize > cfg.Pool.MaxSize {
		return fmt.Errorf("pool.min_size %d exceeds pool.max_size %d", cfg.Pool.MinSize, cfg.Pool.MaxSize)
	}
	if cfg.Admission.MaxConcurrent <= 0 {
		return fmt.Errorf("admission.max_concurrent must be positive, got %d", cfg.Admission.MaxConcurrent)
	}
	if cfg.Governor.ConfidenceThreshold < 0 || cfg.Governor.ConfidenceThreshold > 1 {
		return fmt.Errorf("governor.confidence_threshold must be in [0,1], got %g", cfg.Governor.ConfidenceThreshold)
	}
	if cfg.Governor.CacheFloorBytes > cfg.Governor.CacheCeilingBytes {
		return fmt.Errorf("governor.cache_floor_bytes %d exceeds ceiling %d",
			cfg.Governor.CacheFloorBytes, cfg.Governor.CacheCeilingBytes)
	}
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint required when telemetry is enabled")
		}
		switch cfg.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("invalid telemetry.protocol %q", cfg.Telemetry.Protocol)
		}
		if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be in [0,1], got %g", cfg.Telemetry.SampleRatio)
		}
	}
	return nil
}
