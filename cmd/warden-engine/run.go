package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warden-sh/warden/internal/auth"
	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/engine"
	"github.com/warden-sh/warden/internal/engine/archive"
	"github.com/warden-sh/warden/internal/engine/sandbox"
	"github.com/warden-sh/warden/internal/ratelimit"
	"github.com/warden-sh/warden/internal/telemetry"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	eng := cfg.Engine
	if err := eng.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.Info("starting warden-engine", "version", version, "addr", eng.Listen,
		"workers", eng.WorkerCount, "sandbox", eng.SandboxBackend)

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), "warden-engine", cfg.OTLPEndpoint, cfg.SampleRate)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewEngineMetrics(registry)

	// Archive is optional; when off, finalized records live only in
	// memory and the JSONL persistence file.
	var (
		archiveStore *archive.Store
		recorder     *archive.Recorder
		sink         engine.ArchiveSink
	)
	if eng.ArchivePath != "" {
		archiveStore, err = archive.New(eng.ArchivePath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer archiveStore.Close()
		recorder = archive.NewRecorder(archiveStore)
		sink = recorder
	}

	store := engine.NewStore(eng.PersistPath, sink)
	if loaded, err := store.Replay(); err != nil {
		slog.Warn("replaying persisted executions failed", "error", err)
	} else if loaded > 0 {
		slog.Info("replayed persisted executions", "count", loaded)
	}

	scheduler := engine.NewScheduler(eng.QueueCapacity, metrics)

	var sb engine.Sandbox
	switch eng.SandboxBackend {
	case "process":
		sb, err = sandbox.NewProcess(eng.WorkdirPrefix, eng.CompileCacheDir)
		if err != nil {
			return fmt.Errorf("process sandbox: %w", err)
		}
	default:
		sb = sandbox.NewDocker(eng.WorkdirPrefix, eng.NetworkAllowedTenants)
	}

	pool := engine.NewWorkerPool(eng.WorkerCount, scheduler, store, metrics, sb)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(context.Background()) //nolint:errcheck // workers only stop on queue close
		close(poolDone)
	}()

	recorderDone := make(chan struct{})
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	if recorder != nil {
		go func() {
			recorder.Run(recorderCtx) //nolint:errcheck
			close(recorderDone)
		}()
	} else {
		close(recorderDone)
	}

	keyTable, err := eng.TenantKeys()
	if err != nil {
		return err
	}
	opts := engine.APIOptions{
		Store:                 store,
		Scheduler:             scheduler,
		Keys:                  auth.NewTenantKeys(keyTable),
		Limiter:               ratelimit.NewTenantLimiter(uint32(eng.RateLimitPerMinute), uint32(eng.RateLimitBurst)),
		Gatherer:              registry,
		NetworkAllowedTenants: eng.NetworkAllowedTenants,
		DefaultLimits: engine.ExecutionLimits{
			CPUCores:         eng.DefaultLimits.CPU,
			MemoryMB:         eng.DefaultLimits.MemoryMB,
			TimeoutMs:        eng.DefaultLimits.TimeoutMs,
			MaxProcesses:     eng.DefaultLimits.MaxProcesses,
			MaxFileSizeBytes: eng.DefaultLimits.MaxFileSizeBytes,
			MaxOutputBytes:   eng.DefaultLimits.MaxOutputBytes,
		}.Normalized(),
	}
	if archiveStore != nil {
		opts.Archive = archiveStore
		opts.ArchivePing = archiveStore.Ping
	}
	api := engine.NewAPI(opts)

	srv := &http.Server{
		Addr:              eng.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("warden-engine ready", "addr", eng.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	// Drain order: stop admissions, finish queued jobs, then let the
	// recorder flush what the workers produced.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	scheduler.Close()
	select {
	case <-poolDone:
	case <-time.After(2 * time.Minute):
		slog.Warn("workers still busy at shutdown deadline")
	}

	stopRecorder()
	<-recorderDone

	slog.Info("warden-engine stopped")
	return nil
}
