// SPDX-License-Identifier: MIT

// Command governord runs the adaptive resource governor as a standalone
// service: it monitors process load, admits work through the admission
// controller, manages a demo worker pool, and serves metrics, probes, and
// a status API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tiktok-toe/governor/internal/admission"
	"github.com/tiktok-toe/governor/internal/api"
	"github.com/tiktok-toe/governor/internal/cache"
	"github.com/tiktok-toe/governor/internal/config"
	"github.com/tiktok-toe/governor/internal/governor"
	"github.com/tiktok-toe/governor/internal/health"
	govlog "github.com/tiktok-toe/governor/internal/log"
	"github.com/tiktok-toe/governor/internal/monitor"
	"github.com/tiktok-toe/governor/internal/pool"
	"github.com/tiktok-toe/governor/internal/predict"
	"github.com/tiktok-toe/governor/internal/telemetry"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	govlog.Configure(govlog.Config{Level: "info", Service: "governor"})
	logger := govlog.WithComponent("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration invalid")
	}
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str(govlog.FieldEvent, "startup").
		Str("version", version).
		Str("commit", commit).
		Str("addr", cfg.Server.Listen).
		Msg("starting governord")

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Protocol:       cfg.Telemetry.Protocol,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry init failed")
	}

	// Usage monitor with process samplers.
	mon := monitor.New(monitor.Config{
		Thresholds: cfg.Monitor.Thresholds.ToMonitor(),
		Retention:  cfg.Monitor.Retention,
	})
	mon.Register(monitor.MetricCPU, cfg.Monitor.SampleInterval, monitor.CPUSampler())
	mon.Register(monitor.MetricMemory, cfg.Monitor.SampleInterval,
		monitor.MemorySampler(uint64(cfg.Cache.MaxSizeBytes)*4))

	// Admission controller, subscribed to bottleneck events.
	ctrl := admission.New(admission.Config{
		MaxConcurrent: cfg.Admission.MaxConcurrent,
		MaxQueue:      cfg.Admission.MaxQueue,
		BatchSize:     cfg.Admission.BatchSize,
		TaskTimeout:   cfg.Admission.TaskTimeout,
		Cooldown:      cfg.Admission.Cooldown,
	})
	mon.Subscribe(ctrl)

	// Cache and demo worker pool, both bound to the controller for
	// pressure relief. The pool's growth is gated on admission state.
	store := cache.New[[]byte](cache.Config{
		Name:           "payload",
		MaxSizeBytes:   cfg.Cache.MaxSizeBytes,
		MaxAge:         cfg.Cache.MaxAge,
		EvictionPolicy: cache.Policy(cfg.Cache.EvictionPolicy),
	})
	workers := pool.New[*workerSession](pool.Config{
		Name:                "workers",
		MinSize:             cfg.Pool.MinSize,
		MaxSize:             cfg.Pool.MaxSize,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		IdleTimeout:         cfg.Pool.IdleTimeout,
		MaintenanceInterval: cfg.Pool.MaintenanceInterval,
		ValidateOnBorrow:    true,
		Gate:                ctrl,
	}, newWorkerFactory())
	ctrl.BindCache(store)
	ctrl.BindPool(workers)

	gov := governor.New(governor.Config{
		Interval:            cfg.Governor.Interval,
		Cooldown:            cfg.Governor.Cooldown,
		ConfidenceThreshold: cfg.Governor.ConfidenceThreshold,
		CacheFloorBytes:     cfg.Governor.CacheFloorBytes,
		CacheCeilingBytes:   cfg.Governor.CacheCeilingBytes,
		SnapshotPath:        cfg.Governor.SnapshotPath,
	}, governor.Deps{
		Monitor:   mon,
		Admission: ctrl,
		Cache:     store,
		Pool:      workers,
		Predictor: predict.Static{},
	})

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewPoolChecker("workers", workers))
	hm.RegisterChecker(health.NewAdmissionChecker("admission", ctrl))
	hm.RegisterChecker(health.NewMonitorChecker("cpu-samples", mon, monitor.MetricCPU,
		3*cfg.Monitor.SampleInterval))

	// Hot reload: threshold changes apply to the running monitor.
	holder := config.NewHolder(cfg, *configPath)
	holder.OnReload(func(newCfg config.Config) {
		mon.UpdateThresholds(newCfg.Monitor.Thresholds.ToMonitor())
	})
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable")
	}

	tracingService := ""
	if cfg.Telemetry.Enabled {
		tracingService = cfg.Telemetry.ServiceName
	}
	router := api.NewRouter(api.Deps{
		Version:        version,
		Monitor:        mon,
		Admission:      ctrl,
		Governor:       gov,
		Pool:           workers,
		Cache:          store,
		Health:         hm,
		RateLimit:      cfg.Server.RateLimit,
		TracingService: tracingService,
	})

	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	mon.Start()
	gov.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str(govlog.FieldEvent, "server.listening").
			Str("addr", server.Addr).
			Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Stop components in reverse construction order.
	gov.Stop()
	mon.Stop()
	workers.Close()

	if terr := provider.Shutdown(context.Background()); terr != nil {
		logger.Warn().Err(terr).Msg("telemetry shutdown")
	}

	if err != nil {
		logger.Error().Err(err).Msg("shutdown with error")
		os.Exit(1)
	}
	logger.Info().Str(govlog.FieldEvent, "shutdown").Msg("governord stopped")
}
