package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	warden "github.com/warden-sh/warden/internal"
	"github.com/warden-sh/warden/internal/ratelimit"
)

// RateLimit enforces the configured policy per client, scoped to the
// request path. The client identity is the configured header value,
// falling back to the peer IP and finally a shared anonymous bucket.
type RateLimit struct {
	limiter   *ratelimit.Limiter
	keyHeader string
	failOpen  bool
}

// NewRateLimit builds the rate-limit stage. An empty keyHeader falls
// back to x-api-key. failOpen admits traffic when the backend errors
// instead of failing the request.
func NewRateLimit(limiter *ratelimit.Limiter, keyHeader string, failOpen bool) *RateLimit {
	if keyHeader == "" {
		keyHeader = warden.HeaderAPIKey
	}
	return &RateLimit{limiter: limiter, keyHeader: keyHeader, failOpen: failOpen}
}

func (m *RateLimit) Name() string { return "rate-limit" }

func (m *RateLimit) resolveKey(rc *warden.RequestContext) string {
	if key := rc.Header.Get(m.keyHeader); key != "" {
		return key
	}
	if rc.ClientIP != "" {
		return rc.ClientIP
	}
	return "anonymous"
}

func (m *RateLimit) OnRequest(ctx context.Context, rc *warden.RequestContext) (warden.ControlFlow, error) {
	scope := m.resolveKey(rc) + ":" + rc.Path

	decision, err := m.limiter.Check(ctx, scope, rc.ID)
	if err != nil {
		if m.failOpen {
			slog.LogAttrs(ctx, slog.LevelWarn,
				"rate limiter backend failed; allowing request because fail-open is enabled",
				slog.String("request_id", rc.ID),
				slog.String("error", err.Error()),
			)
			return warden.Continue, nil
		}
		return warden.ControlFlow{}, warden.Internal(errors.New("rate limiter backend unavailable"))
	}

	rc.SetMeta(warden.MetaRateLimitRemaining, strconv.FormatUint(decision.Remaining, 10))

	if !decision.Allowed {
		return warden.ShortCircuit(warden.RateLimited(decision.RetryAfterSecs).Response()), nil
	}
	return warden.Continue, nil
}

func (m *RateLimit) OnResponse(_ context.Context, rc *warden.RequestContext, resp *warden.Response) error {
	if remaining, ok := rc.Meta(warden.MetaRateLimitRemaining); ok {
		resp.Header.Set(warden.HeaderRateLimitRemaining, remaining)
	}
	return nil
}
