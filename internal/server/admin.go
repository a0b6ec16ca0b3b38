package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// NewAdmin assembles the operational listener: liveness, readiness, and
// the metrics scrape endpoint. The gateway serves this on a separate
// port so proxied routes can never shadow it.
func NewAdmin(g prometheus.Gatherer, ready func(ctx context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery)
	r.Get("/healthz", Healthz)
	r.Get("/readyz", Readyz(ready))
	r.Handle("/metrics", MetricsHandler(g))
	return r
}
