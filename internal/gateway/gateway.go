// Package gateway assembles the proxy: the ordered middleware pipeline,
// route resolution, breaker-aware candidate ranking, and the dispatch
// loop that walks ranked upstreams until one answers.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warden "github.com/warden-sh/warden/internal"
	"github.com/warden-sh/warden/internal/circuitbreaker"
	"github.com/warden-sh/warden/internal/telemetry"
	"github.com/warden-sh/warden/internal/upstream"
)

var tracer = telemetry.Tracer("warden/gateway")

// Options collects the gateway's assembled components.
type Options struct {
	Middlewares  []warden.Middleware
	Routes       []warden.RouteConfig
	Router       warden.Router
	Pool         *upstream.Pool
	Breakers     *circuitbreaker.Registry
	MaxBodyBytes int
	Metrics      *telemetry.GatewayMetrics
}

// Gateway is the proxy pipeline. Safe for concurrent use; all mutable
// state lives in the pool, breakers, and per-request contexts.
type Gateway struct {
	middlewares  []warden.Middleware
	routes       []warden.RouteConfig
	router       warden.Router
	pool         *upstream.Pool
	breakers     *circuitbreaker.Registry
	maxBodyBytes int
	metrics      *telemetry.GatewayMetrics
}

// New assembles a gateway from prepared components.
func New(opts Options) *Gateway {
	return &Gateway{
		middlewares:  opts.Middlewares,
		routes:       opts.Routes,
		router:       opts.Router,
		pool:         opts.Pool,
		breakers:     opts.Breakers,
		maxBodyBytes: opts.MaxBodyBytes,
		metrics:      opts.Metrics,
	}
}

// BreakerTransitionHook returns a breaker callback that logs every
// state change and counts it in the transitions metric.
func BreakerTransitionHook(metrics *telemetry.GatewayMetrics) circuitbreaker.TransitionFunc {
	return func(service string, from, to circuitbreaker.State) {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "circuit breaker state change",
			slog.String("upstream", service),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		if metrics != nil {
			metrics.BreakerTransitions.WithLabelValues(service, to.String()).Inc()
		}
	}
}

// ServeHTTP implements http.Handler over the pipeline.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.ActiveRequests.Inc()
		defer g.metrics.ActiveRequests.Dec()
	}

	ctx, span := tracer.Start(r.Context(), "gateway.handle",
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		))
	resp, rc := g.handle(ctx, r)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	span.End()

	if g.metrics != nil {
		route := "none"
		if rc != nil && rc.Route != nil {
			route = rc.Route.PathPrefix
		}
		g.metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(resp.StatusCode)).Inc()
		g.metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if resp.StatusCode == http.StatusTooManyRequests {
			g.metrics.RateLimitRejects.Inc()
		}
	}

	writeResponse(w, resp)
}

// handle runs one request through buffering, the middleware chain,
// routing, and dispatch. The returned context is nil only when the
// request died before a context could be built.
func (g *Gateway) handle(ctx context.Context, r *http.Request) (*warden.Response, *warden.RequestContext) {
	// Read one byte past the cap so an at-cap body and an over-cap body
	// are distinguishable without buffering the whole overage.
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(g.maxBodyBytes)+1))
	if err != nil {
		// Aborted or broken uploads are a client problem, not a size one.
		resp := warden.Validation("Failed to read request body").Response()
		harden(resp, "unknown")
		return resp, nil
	}
	if len(body) > g.maxBodyBytes {
		resp := warden.PayloadTooLarge().Response()
		harden(resp, "unknown")
		return resp, nil
	}

	id := r.Header.Get(warden.HeaderRequestID)
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	// The Host header lives on Request.Host in Go; put it back so the
	// validation stage sees what was actually on the wire.
	hdr := r.Header.Clone()
	if r.Host != "" {
		hdr.Set("Host", r.Host)
	}

	rc := &warden.RequestContext{
		ID:       id,
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   hdr,
		Body:     body,
		ClientIP: clientIP(r),
		Start:    time.Now(),
	}

	var executed []int
	for i, mw := range g.middlewares {
		flow, err := mw.OnRequest(ctx, rc)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "middleware rejected request",
				slog.String("request_id", rc.ID),
				slog.String("middleware", mw.Name()),
				slog.String("error", err.Error()),
			)
			return g.finish(ctx, rc, executed, warden.AsError(err).Response()), rc
		}
		if resp, short := flow.ShortCircuited(); short {
			return g.finish(ctx, rc, executed, resp), rc
		}
		executed = append(executed, i)
	}

	route := g.resolveRoute(rc.Path)
	if route == nil {
		return g.finish(ctx, rc, executed, warden.RouteNotFound().Response()), rc
	}
	rc.Route = route

	configs := g.pool.Candidates(route)
	if len(configs) == 0 {
		return g.finish(ctx, rc, executed, warden.UpstreamUnavailable().Response()), rc
	}

	candidates := make([]warden.RoutingCandidate, len(configs))
	for i, u := range configs {
		candidates[i] = warden.RoutingCandidate{
			Upstream:    u.Name,
			Weight:      u.Weight,
			BreakerOpen: g.breakers.IsOpen(u.Name),
			Stats:       g.pool.Snapshot(u.Name),
		}
	}

	var lastErr *warden.Error
	for _, name := range g.router.Rank(route, candidates) {
		if !g.breakers.Allow(name) {
			continue
		}
		u, ok := g.pool.Get(name)
		if !ok {
			continue
		}
		rc.Upstream = name

		resp, err := g.pool.Forward(ctx, rc, u)
		if err != nil {
			g.breakers.RecordFailure(name)
			if g.metrics != nil {
				g.metrics.UpstreamErrors.WithLabelValues(name).Inc()
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "upstream call failed; trying next candidate",
				slog.String("request_id", rc.ID),
				slog.String("upstream", name),
				slog.String("error", err.Error()),
			)
			lastErr = warden.AsError(err)
			continue
		}

		// A 5xx is handed back to the client as-is, but it still counts
		// against the upstream's breaker.
		if circuitbreaker.FailureStatus(resp.StatusCode) {
			g.breakers.RecordFailure(name)
			if g.metrics != nil {
				g.metrics.UpstreamErrors.WithLabelValues(name).Inc()
			}
		} else {
			g.breakers.RecordSuccess(name)
		}
		return g.finish(ctx, rc, executed, resp), rc
	}

	if lastErr != nil {
		return g.finish(ctx, rc, executed, lastErr.Response()), rc
	}
	return g.finish(ctx, rc, executed, warden.UpstreamUnavailable().Response()), rc
}

// finish runs OnResponse hooks in reverse registration order for the
// stages that ran, then attaches the hardening headers. Hook errors are
// logged, never fatal: the client already has a response.
func (g *Gateway) finish(ctx context.Context, rc *warden.RequestContext, executed []int, resp *warden.Response) *warden.Response {
	for i := len(executed) - 1; i >= 0; i-- {
		mw := g.middlewares[executed[i]]
		if err := mw.OnResponse(ctx, rc, resp); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "middleware post-response hook failed",
				slog.String("request_id", rc.ID),
				slog.String("middleware", mw.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
	harden(resp, rc.ID)
	return resp
}

func (g *Gateway) resolveRoute(path string) *warden.RouteConfig {
	var best *warden.RouteConfig
	for i := range g.routes {
		r := &g.routes[i]
		if !strings.HasPrefix(path, r.PathPrefix) {
			continue
		}
		if best == nil || len(r.PathPrefix) > len(best.PathPrefix) {
			best = r
		}
	}
	return best
}

// harden stamps the response headers every exit path must carry.
func harden(resp *warden.Response, requestID string) {
	resp.Header.Set(warden.HeaderRequestID, requestID)
	resp.Header.Set("X-Content-Type-Options", "nosniff")
	resp.Header.Set("X-Frame-Options", "DENY")
	resp.Header.Set("Referrer-Policy", "no-referrer")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return host
}

func writeResponse(w http.ResponseWriter, resp *warden.Response) {
	h := w.Header()
	for key, vals := range resp.Header {
		h[key] = vals
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body) //nolint:errcheck
	}
}
