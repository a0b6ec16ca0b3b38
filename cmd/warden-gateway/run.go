package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	warden "github.com/warden-sh/warden/internal"
	"github.com/warden-sh/warden/internal/auth"
	"github.com/warden-sh/warden/internal/circuitbreaker"
	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/gateway"
	"github.com/warden-sh/warden/internal/middleware"
	"github.com/warden-sh/warden/internal/ratelimit"
	"github.com/warden-sh/warden/internal/router"
	"github.com/warden-sh/warden/internal/server"
	"github.com/warden-sh/warden/internal/telemetry"
	"github.com/warden-sh/warden/internal/upstream"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Gateway.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.Info("starting warden-gateway", "version", version, "addr", cfg.Gateway.Listen)

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), "warden-gateway", cfg.OTLPEndpoint, cfg.SampleRate)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewGatewayMetrics(registry)

	// Cached DNS keeps upstream dials off the resolver's hot path;
	// the refresh loop re-resolves entries in the background.
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	pool := upstream.NewPool(buildUpstreams(cfg.Gateway.Upstreams), resolver)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Gateway.CircuitBreaker.FailureThreshold,
		OpenTimeout:      time.Duration(cfg.Gateway.CircuitBreaker.OpenSeconds) * time.Second,
		HalfOpenMax:      cfg.Gateway.CircuitBreaker.HalfOpenMax,
	}, gateway.BreakerTransitionHook(metrics))

	middlewares, err := buildMiddlewares(cfg.Gateway)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Options{
		Middlewares: middlewares,
		Routes:      buildRoutes(cfg.Gateway.Routes),
		Router: router.New(router.Config{
			PreferLowLatency: cfg.Gateway.Routing.LatencyAware(),
			InFlightPenalty:  cfg.Gateway.Routing.InFlightPenalty,
			FailurePenalty:   cfg.Gateway.Routing.FailurePenalty,
		}),
		Pool:         pool,
		Breakers:     breakers,
		MaxBodyBytes: cfg.Gateway.MaxBodyBytes,
		Metrics:      metrics,
	})

	proxySrv := &http.Server{
		Addr:              cfg.Gateway.Listen,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              cfg.Gateway.AdminListen,
		Handler:           server.NewAdmin(registry, nil),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return serve(proxySrv) })
	g.Go(func() error { return serve(adminSrv) })
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		select {
		case sig := <-sigCh:
			slog.Info("shutting down", "signal", sig.String())
		case <-gctx.Done():
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(proxySrv.Shutdown(shutdownCtx), adminSrv.Shutdown(shutdownCtx))
	})

	slog.Info("warden-gateway ready", "addr", cfg.Gateway.Listen, "admin", cfg.Gateway.AdminListen)
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("warden-gateway stopped")
	return nil
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	return nil
}

// buildMiddlewares assembles the fixed pipeline: logging, validation,
// auth, then rate limiting when enabled.
func buildMiddlewares(cfg config.GatewayConfig) ([]warden.Middleware, error) {
	middlewares := []warden.Middleware{
		middleware.Logging{},
		middleware.NewValidation(middleware.ValidationConfig{
			RequireHostHeader: cfg.HostHeaderRequired(),
			MaxHeaders:        cfg.MaxHeaders,
			AllowedMethods:    cfg.AllowedMethods,
			MaxBodyBytes:      cfg.MaxBodyBytes,
		}),
		middleware.NewAPIKeyAuth(auth.NewKeySet(cfg.APIKeys), cfg.AuthExemptPrefixes),
	}

	rl := cfg.RateLimit
	if !rl.IsEnabled() {
		return middlewares, nil
	}

	var backend ratelimit.Backend
	switch rl.Backend {
	case "redis":
		opts, err := redis.ParseURL(rl.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		backend = ratelimit.NewRedisBackend(redis.NewClient(opts), rl.KeyPrefix)
	default:
		backend = ratelimit.NewMemoryBackend()
	}

	var policy ratelimit.Policy
	if rl.Algorithm == "sliding_window" {
		policy = ratelimit.SlidingWindow(rl.WindowSeconds, rl.MaxRequests)
	} else {
		policy = ratelimit.TokenBucket(rl.Capacity, rl.RefillPerSec)
	}

	return append(middlewares, middleware.NewRateLimit(
		ratelimit.NewLimiter(backend, policy), rl.KeyHeader, rl.FailOpen)), nil
}

// buildUpstreams converts config entries to the runtime model, applying
// the documented defaults and floors.
func buildUpstreams(entries []config.UpstreamEntry) []warden.UpstreamConfig {
	out := make([]warden.UpstreamConfig, len(entries))
	for i, e := range entries {
		u := warden.UpstreamConfig{
			Name:      e.Name,
			BaseURL:   strings.TrimRight(e.BaseURL, "/"),
			Weight:    e.Weight,
			TimeoutMs: e.TimeoutMs,
		}
		if u.Weight < 1 {
			u.Weight = 100
		}
		if u.TimeoutMs == 0 {
			u.TimeoutMs = 3000
		}
		if u.TimeoutMs < 100 {
			u.TimeoutMs = 100
		}
		if e.Auth != nil {
			u.Auth = &warden.UpstreamAuth{
				TokenURL:     e.Auth.TokenURL,
				ClientID:     e.Auth.ClientID,
				ClientSecret: e.Auth.ClientSecret,
				Scopes:       e.Auth.Scopes,
			}
		}
		out[i] = u
	}
	return out
}

func buildRoutes(entries []config.RouteEntry) []warden.RouteConfig {
	out := make([]warden.RouteConfig, len(entries))
	for i, e := range entries {
		out[i] = warden.RouteConfig{PathPrefix: e.PathPrefix, Upstreams: e.Upstreams}
	}
	return out
}
