package upstream

import (
	"errors"
	"net/http"
	"testing"

	"golang.org/x/oauth2"
)

// recordingTransport captures the last request for inspection.
type recordingTransport struct {
	lastReq *http.Request
}

func (rt *recordingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	rt.lastReq = r
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

// fakeTokenSource returns a fixed token or error.
type fakeTokenSource struct {
	token *oauth2.Token
	err   error
}

func (f *fakeTokenSource) Token() (*oauth2.Token, error) {
	return f.token, f.err
}

func TestOAuthTransportInjectsBearer(t *testing.T) {
	t.Parallel()

	rec := &recordingTransport{}
	tr := newOAuthTransportFromSource(rec, &fakeTokenSource{
		token: &oauth2.Token{AccessToken: "tok-123"},
	})

	req, _ := http.NewRequest(http.MethodGet, "http://svc.internal/v1", nil)
	req.Header.Set("Content-Type", "application/json")

	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()

	if got := rec.lastReq.Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want Bearer tok-123", got)
	}
	// Original request must stay untouched.
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("original request Authorization = %q, want empty", got)
	}
	if got := rec.lastReq.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
}

func TestOAuthTransportTokenError(t *testing.T) {
	t.Parallel()

	tr := newOAuthTransportFromSource(&recordingTransport{}, &fakeTokenSource{
		err: errors.New("token endpoint down"),
	})

	req, _ := http.NewRequest(http.MethodGet, "http://svc.internal/v1", nil)
	if _, err := tr.RoundTrip(req); err == nil {
		t.Fatal("RoundTrip should fail when no token can be obtained")
	}
}

func TestOAuthTransportNilBase(t *testing.T) {
	t.Parallel()

	tr := newOAuthTransportFromSource(nil, &fakeTokenSource{token: &oauth2.Token{AccessToken: "x"}})
	if tr.getBase() != http.DefaultTransport {
		t.Error("nil base should fall back to http.DefaultTransport")
	}
}
