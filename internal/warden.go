// Package warden defines domain types and interfaces shared by the proxy
// gateway and the execution engine. This package has no project imports --
// it is the dependency root.
package warden

import (
	"context"
	"net/http"
	"time"
)

// --- Gateway request/response model ---

// RequestContext carries one in-flight gateway request through the
// middleware chain and upstream dispatch. It is owned by the request
// goroutine and mutated by middlewares in registration order, so no
// locking is needed.
type RequestContext struct {
	ID       string // client-provided x-request-id or freshly generated
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte // fully buffered before any middleware runs
	ClientIP string // empty when the peer address could not be parsed
	Start    time.Time

	Route    *RouteConfig // set after route resolution
	Upstream string       // set before each forward attempt

	meta map[string]string
}

// PathAndQuery returns the original request target, query included.
func (rc *RequestContext) PathAndQuery() string {
	if rc.RawQuery == "" {
		return rc.Path
	}
	return rc.Path + "?" + rc.RawQuery
}

// SetMeta stores a cross-middleware value. The map is allocated lazily;
// most requests never touch it.
func (rc *RequestContext) SetMeta(key, value string) {
	if rc.meta == nil {
		rc.meta = make(map[string]string, 2)
	}
	rc.meta[key] = value
}

// Meta returns a value stored by an earlier middleware.
func (rc *RequestContext) Meta(key string) (string, bool) {
	v, ok := rc.meta[key]
	return v, ok
}

// Response is the gateway's internal response representation. Bodies are
// buffered in full before egress.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{StatusCode: status, Header: make(http.Header, 4)}
}

// --- Middleware contract ---

// ControlFlow is the result of a middleware's OnRequest: either let the
// chain continue, or short-circuit with a ready response.
type ControlFlow struct {
	short *Response
}

// Continue lets the next middleware run.
var Continue = ControlFlow{}

// ShortCircuit stops the request chain; resp is post-processed by the
// already-executed middlewares and returned to the client.
func ShortCircuit(resp *Response) ControlFlow {
	return ControlFlow{short: resp}
}

// ShortCircuited returns the short-circuit response, if any.
func (f ControlFlow) ShortCircuited() (*Response, bool) {
	return f.short, f.short != nil
}

// Middleware is one stage of the gateway's request pipeline. OnRequest
// runs in registration order; OnResponse runs in reverse order for the
// subset of middlewares whose OnRequest returned Continue, on every exit
// path. An OnResponse error is logged but never aborts the response.
type Middleware interface {
	Name() string
	OnRequest(ctx context.Context, rc *RequestContext) (ControlFlow, error)
	OnResponse(ctx context.Context, rc *RequestContext, resp *Response) error
}

// --- Routing model ---

// RouteConfig maps a path prefix to an ordered, non-empty list of
// upstream names. The longest matching prefix wins.
type RouteConfig struct {
	PathPrefix string
	Upstreams  []string
}

// UpstreamConfig describes one proxy target.
type UpstreamConfig struct {
	Name      string
	BaseURL   string // trailing slash stripped at load
	Weight    int    // >= 1, default 100
	TimeoutMs int    // >= 100, default 3000
	Auth      *UpstreamAuth
}

// UpstreamAuth configures optional OAuth2 client-credentials auth for
// outbound requests to one upstream.
type UpstreamAuth struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// StatsSnapshot is a point-in-time copy of one upstream's live health
// counters. The counters are independent atomics, so a snapshot is not a
// consistent cut; routing treats the numbers as advisory.
type StatsSnapshot struct {
	InFlight            int64
	ConsecutiveFailures int64
	TotalSuccess        uint64
	TotalFailure        uint64
	AvgLatencyMicros    uint64
}

// AvgLatencyMs converts the smoothed latency to whole milliseconds.
func (s StatsSnapshot) AvgLatencyMs() uint64 {
	return s.AvgLatencyMicros / 1000
}

// RoutingCandidate pairs an upstream name with the health signals the
// router scores on.
type RoutingCandidate struct {
	Upstream    string
	Weight      int // from UpstreamConfig, >= 1
	BreakerOpen bool
	Stats       StatsSnapshot
}

// Router ranks a route's candidates best-first. Implementations must be
// safe for concurrent use.
type Router interface {
	Rank(route *RouteConfig, candidates []RoutingCandidate) []string
}

// --- Shared header and metadata keys ---

const (
	HeaderRequestID          = "x-request-id"
	HeaderAPIKey             = "x-api-key"
	HeaderForwardedFor       = "x-forwarded-for"
	HeaderRetryAfter         = "retry-after"
	HeaderRateLimitRemaining = "x-ratelimit-remaining"

	// MetaRateLimitRemaining is set by the rate-limit middleware's
	// OnRequest and copied to HeaderRateLimitRemaining on the way out.
	MetaRateLimitRemaining = "ratelimit.remaining"
)

// --- Context keys (engine HTTP surface) ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Tenant field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Tenant    string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// TenantFromContext extracts the authenticated tenant from context.
func TenantFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.Tenant
	}
	return ""
}

// ContextWithTenant stores the tenant in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithTenant(ctx context.Context, tenant string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Tenant = tenant
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Tenant: tenant})
}
