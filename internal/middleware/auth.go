package middleware

import (
	"context"
	"strings"

	warden "github.com/warden-sh/warden/internal"
	"github.com/warden-sh/warden/internal/auth"
)

// APIKeyAuth rejects requests whose x-api-key header is missing or not
// in the configured set. Paths under an exempt prefix skip the check
// entirely (health probes, public endpoints).
type APIKeyAuth struct {
	keys           *auth.KeySet
	exemptPrefixes []string
}

// NewAPIKeyAuth builds the auth stage from the configured keys and
// exempt path prefixes.
func NewAPIKeyAuth(keys *auth.KeySet, exemptPrefixes []string) *APIKeyAuth {
	return &APIKeyAuth{keys: keys, exemptPrefixes: exemptPrefixes}
}

func (a *APIKeyAuth) Name() string { return "api-key-auth" }

func (a *APIKeyAuth) OnRequest(_ context.Context, rc *warden.RequestContext) (warden.ControlFlow, error) {
	for _, prefix := range a.exemptPrefixes {
		if strings.HasPrefix(rc.Path, prefix) {
			return warden.Continue, nil
		}
	}

	provided := rc.Header.Get(warden.HeaderAPIKey)
	if provided == "" || !a.keys.Contains(provided) {
		return warden.ControlFlow{}, warden.Unauthorized()
	}
	return warden.Continue, nil
}

func (a *APIKeyAuth) OnResponse(context.Context, *warden.RequestContext, *warden.Response) error {
	return nil
}
