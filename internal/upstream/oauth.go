package upstream

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	warden "github.com/warden-sh/warden/internal"
)

// oauthTransport injects a client-credentials bearer token on every
// outbound request to one upstream. Tokens are cached and refreshed by
// the source, so steady-state requests pay no token round trip.
type oauthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// newOAuthTransport wraps base with token injection for the given
// upstream credentials.
func newOAuthTransport(base http.RoundTripper, auth *warden.UpstreamAuth) *oauthTransport {
	cfg := &clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}
	return &oauthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, cfg.TokenSource(context.Background())),
	}
}

// newOAuthTransportFromSource creates an oauthTransport with an explicit
// token source (used for testing).
func newOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *oauthTransport {
	return &oauthTransport{base: base, source: oauth2.ReuseTokenSource(nil, ts)}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *oauthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("upstream auth: obtain token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *oauthTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
