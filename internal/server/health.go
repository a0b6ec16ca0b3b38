package server

import (
	"context"
	"net/http"
)

// Pre-allocated bodies; the header value slice trick is the same as
// jsonCT in respond.go. Saves 2 allocs per probe, and probes are the
// hottest endpoints a quiet service has.
var (
	okBody       = []byte(`{"ok":true}`)
	notReadyBody = []byte(`{"ok":false}`)
)

// Healthz reports process liveness.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// Readyz builds a readiness handler around an optional check. A nil
// check is always ready.
func Readyz(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				w.Header()["Content-Type"] = jsonCT
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write(notReadyBody)
				return
			}
		}
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(http.StatusOK)
		w.Write(okBody)
	}
}
