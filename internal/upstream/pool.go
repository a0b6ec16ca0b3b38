// Package upstream owns the gateway's outbound side: a shared tuned
// HTTP client over a cached DNS resolver, per-upstream health counters
// read by the router, and the forwarding path that buffers upstream
// responses so the middleware chain can post-process them.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warden "github.com/warden-sh/warden/internal"
	"github.com/warden-sh/warden/internal/telemetry"
)

var tracer = telemetry.Tracer("warden/upstream")

// NewTransport returns a tuned *http.Transport for upstream traffic.
// Go enables TCP_NODELAY by default, so only pooling and the optional
// DNS cache need configuring here. Internal services speak HTTP/1.1,
// hence no forced HTTP/2 upgrade.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 32,
		MaxConnsPerHost:     128,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHopHeaders must not cross the proxy in either direction. Host and
// Content-Length are regenerated by the HTTP client from the outbound
// request itself.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Content-Length":      {},
}

func copyForwardableHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		dst[key] = vals
	}
}

// stats holds one upstream's live health counters. Each field is an
// independent atomic; snapshots are advisory, not a consistent cut.
type stats struct {
	inFlight            atomic.Int64
	consecutiveFailures atomic.Int64
	successTotal        atomic.Uint64
	failureTotal        atomic.Uint64
	avgLatencyMicros    atomic.Uint64
}

func (s *stats) recordSuccess(latency time.Duration) {
	s.successTotal.Add(1)
	s.consecutiveFailures.Store(0)

	// EWMA with alpha 1/8, seeded by the first observation.
	micros := uint64(latency.Microseconds())
	current := s.avgLatencyMicros.Load()
	if current != 0 {
		micros = (current*7 + micros) / 8
	}
	s.avgLatencyMicros.Store(micros)
}

func (s *stats) recordFailure() {
	s.failureTotal.Add(1)
	s.consecutiveFailures.Add(1)
}

func (s *stats) snapshot() warden.StatsSnapshot {
	return warden.StatsSnapshot{
		InFlight:            s.inFlight.Load(),
		ConsecutiveFailures: s.consecutiveFailures.Load(),
		TotalSuccess:        s.successTotal.Load(),
		TotalFailure:        s.failureTotal.Load(),
		AvgLatencyMicros:    s.avgLatencyMicros.Load(),
	}
}

// Pool forwards requests to configured upstreams over one shared
// connection pool. Upstreams with OAuth2 credentials get their own
// client whose auth transport wraps the same underlying pool.
type Pool struct {
	client      *http.Client
	authClients map[string]*http.Client
	services    map[string]warden.UpstreamConfig
	stats       map[string]*stats
}

// maxResponseBody caps buffered upstream responses so a misbehaving
// upstream cannot exhaust gateway memory.
const maxResponseBody = 32 << 20

// NewPool builds a pool over the given upstreams. The stats table is
// fixed at construction; unknown upstream names fail at forward time.
func NewPool(upstreams []warden.UpstreamConfig, resolver *dnscache.Resolver) *Pool {
	transport := NewTransport(resolver)
	p := &Pool{
		client:      &http.Client{Transport: transport},
		authClients: make(map[string]*http.Client),
		services:    make(map[string]warden.UpstreamConfig, len(upstreams)),
		stats:       make(map[string]*stats, len(upstreams)),
	}
	for _, u := range upstreams {
		p.services[u.Name] = u
		p.stats[u.Name] = &stats{}
		if u.Auth != nil {
			p.authClients[u.Name] = &http.Client{Transport: newOAuthTransport(transport, u.Auth)}
		}
	}
	return p
}

// Get returns the config for one upstream.
func (p *Pool) Get(name string) (warden.UpstreamConfig, bool) {
	u, ok := p.services[name]
	return u, ok
}

// Candidates resolves a route's upstream names to configs, silently
// skipping names with no registered upstream.
func (p *Pool) Candidates(route *warden.RouteConfig) []warden.UpstreamConfig {
	out := make([]warden.UpstreamConfig, 0, len(route.Upstreams))
	for _, name := range route.Upstreams {
		if u, ok := p.services[name]; ok {
			out = append(out, u)
		}
	}
	return out
}

// Snapshot returns the current health counters for one upstream, or a
// zero snapshot for unknown names.
func (p *Pool) Snapshot(name string) warden.StatsSnapshot {
	if s, ok := p.stats[name]; ok {
		return s.snapshot()
	}
	return warden.StatsSnapshot{}
}

func (p *Pool) clientFor(name string) *http.Client {
	if c, ok := p.authClients[name]; ok {
		return c
	}
	return p.client
}

// Forward sends the buffered request to one upstream and buffers the
// reply. 5xx replies are returned to the caller but counted as failures
// so the health signals and breaker see them; transport errors surface
// as a 502-kind error. The in-flight gauge is balanced on every path.
func (p *Pool) Forward(ctx context.Context, rc *warden.RequestContext, u warden.UpstreamConfig) (*warden.Response, error) {
	st, ok := p.stats[u.Name]
	if !ok {
		return nil, warden.Internal(errors.New("upstream stats unavailable"))
	}

	ctx, span := tracer.Start(ctx, "upstream.forward",
		trace.WithAttributes(attribute.String("upstream.name", u.Name)))
	defer span.End()

	timeout := time.Duration(u.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st.inFlight.Add(1)

	targetURL := u.BaseURL + rc.PathAndQuery()
	req, err := http.NewRequestWithContext(ctx, rc.Method, targetURL, bytes.NewReader(rc.Body))
	if err != nil {
		st.inFlight.Add(-1)
		return nil, warden.Internal(err)
	}

	copyForwardableHeaders(req.Header, rc.Header)
	req.Header.Set(warden.HeaderRequestID, rc.ID)
	if rc.ClientIP != "" {
		req.Header.Set(warden.HeaderForwardedFor, rc.ClientIP)
	}

	started := time.Now()
	resp, err := p.clientFor(u.Name).Do(req)
	st.inFlight.Add(-1)
	if err != nil {
		st.recordFailure()
		return nil, warden.UpstreamError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		st.recordFailure()
		return nil, warden.UpstreamError(err.Error())
	}

	if resp.StatusCode >= 500 {
		st.recordFailure()
	} else {
		st.recordSuccess(time.Since(started))
	}

	out := warden.NewResponse(resp.StatusCode)
	copyForwardableHeaders(out.Header, resp.Header)
	out.Body = body
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return out, nil
}
