package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	warden "github.com/warden-sh/warden/internal"
	"github.com/warden-sh/warden/internal/auth"
	"github.com/warden-sh/warden/internal/ratelimit"
	"github.com/warden-sh/warden/internal/server"
)

// Submission caps. Limits beyond these are config mistakes or abuse,
// never legitimate jobs.
const (
	maxCodeBytes      = 250_000
	maxArgs           = 16
	maxStdinBytes     = 256_000
	maxTestCases      = 128
	maxCaseStdinBytes = 64_000

	// maxRequestBytes bounds the decoded envelope as a whole; the
	// per-field caps above do the fine-grained policing.
	maxRequestBytes = 8 << 20
)

// ArchiveReader serves record lookups that miss the in-memory store,
// typically after a restart with an archive configured.
type ArchiveReader interface {
	GetRecord(ctx context.Context, id string) (ExecutionRecord, bool, error)
}

// APIOptions wires the HTTP surface to the engine's components.
type APIOptions struct {
	Store     *Store
	Scheduler *Scheduler
	Keys      *auth.TenantKeys
	Limiter   *ratelimit.TenantLimiter
	Gatherer  prometheus.Gatherer

	NetworkAllowedTenants []string
	DefaultLimits         ExecutionLimits

	// Archive and ArchivePing are nil when no archive is configured.
	Archive     ArchiveReader
	ArchivePing func(ctx context.Context) error
}

// API is the engine's HTTP surface: health, metrics, and the
// /v1/executions resource.
type API struct {
	store     *Store
	scheduler *Scheduler
	keys      *auth.TenantKeys
	limiter   *ratelimit.TenantLimiter
	gatherer  prometheus.Gatherer

	networkTenants map[string]struct{}
	defaults       ExecutionLimits

	archive     ArchiveReader
	archivePing func(ctx context.Context) error
}

// NewAPI builds the API from assembled components.
func NewAPI(opts APIOptions) *API {
	tenants := make(map[string]struct{}, len(opts.NetworkAllowedTenants))
	for _, t := range opts.NetworkAllowedTenants {
		tenants[t] = struct{}{}
	}
	return &API{
		store:          opts.Store,
		scheduler:      opts.Scheduler,
		keys:           opts.Keys,
		limiter:        opts.Limiter,
		gatherer:       opts.Gatherer,
		networkTenants: tenants,
		defaults:       opts.DefaultLimits,
		archive:        opts.Archive,
		archivePing:    opts.ArchivePing,
	}
}

// Handler assembles the chi router with the shared server middleware.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(server.RequestID)
	r.Use(server.Recovery)
	r.Use(server.AccessLog)

	r.Get("/healthz", server.Healthz)
	r.Get("/readyz", server.Readyz(a.ready))
	r.Handle("/metrics", server.MetricsHandler(a.gatherer))

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Post("/executions", a.submit)
		r.Get("/executions/{id}", a.summary)
		r.Get("/executions/{id}/result", a.result)
	})
	return r
}

// ready fails while the scheduler is closed (shutting down) or the
// archive is unreachable.
func (a *API) ready(ctx context.Context) error {
	if a.scheduler.Closed() {
		return errors.New("scheduler closed")
	}
	if a.archivePing != nil {
		return a.archivePing(ctx)
	}
	return nil
}

// authenticate resolves the x-api-key header to a tenant and stores it
// in the request context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := a.keys.Resolve(r.Header.Get(warden.HeaderAPIKey))
		if !ok {
			writeError(w, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(warden.ContextWithTenant(r.Context(), tenant)))
	})
}

type submitResponse struct {
	ID     string          `json:"id"`
	Status ExecutionStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// submit admits a job: tenant rate limit, structural validation,
// network policy, record creation, then the queue. A full queue keeps
// the record and finalizes it rejected so the client can still inspect
// what happened.
func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	tenant := warden.TenantFromContext(r.Context())

	if !a.limiter.Allow(tenant) {
		writeError(w, ErrRateLimited)
		return
	}

	var req ExecutionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, invalidRequest("malformed JSON body"))
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, err)
		return
	}
	if req.AllowNetwork {
		if _, ok := a.networkTenants[tenant]; !ok {
			writeError(w, fmt.Errorf("%w: tenant is not cleared for network access", ErrForbidden))
			return
		}
	}

	limits := a.defaults
	if req.Limits != nil {
		limits = *req.Limits
	}
	limits = limits.Normalized()

	id := uuid.Must(uuid.NewV7()).String()
	a.store.Create(id, tenant, req, limits)

	if err := a.scheduler.Submit(QueuedJob{ID: id, TenantID: tenant, Request: req, Limits: limits}); err != nil {
		a.store.MarkFinished(id, StatusRejected, nil, "queue full")
		// The rejected record survives; the body carries its id so the
		// caller can still look it up.
		server.WriteJSON(w, statusFor(err), submitResponse{
			ID:     id,
			Status: StatusRejected,
			Error:  errorMessage(err),
		})
		return
	}
	server.WriteJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: StatusQueued})
}

type summaryResponse struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Status       ExecutionStatus `json:"status"`
	CreatedAtMs  int64           `json:"created_at_ms"`
	StartedAtMs  int64           `json:"started_at_ms,omitempty"`
	FinishedAtMs int64           `json:"finished_at_ms,omitempty"`
}

func (a *API) summary(w http.ResponseWriter, r *http.Request) {
	rec, err := a.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, summaryResponse{
		ID:           rec.ID,
		TenantID:     rec.TenantID,
		Status:       rec.Status,
		CreatedAtMs:  rec.CreatedAtMs,
		StartedAtMs:  rec.StartedAtMs,
		FinishedAtMs: rec.FinishedAtMs,
	})
}

func (a *API) result(w http.ResponseWriter, r *http.Request) {
	rec, err := a.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, rec)
}

// lookup fetches the record for the path id, falling back to the
// archive, and enforces tenant ownership.
func (a *API) lookup(r *http.Request) (ExecutionRecord, error) {
	id := chi.URLParam(r, "id")
	rec, ok := a.store.Get(id)
	if !ok && a.archive != nil {
		var err error
		rec, ok, err = a.archive.GetRecord(r.Context(), id)
		if err != nil {
			return ExecutionRecord{}, fmt.Errorf("archive lookup: %w", err)
		}
	}
	if !ok {
		return ExecutionRecord{}, ErrNotFound
	}
	if rec.TenantID != warden.TenantFromContext(r.Context()) {
		return ExecutionRecord{}, fmt.Errorf("%w: execution belongs to another tenant", ErrForbidden)
	}
	return rec, nil
}

func validateRequest(req *ExecutionRequest) error {
	if !req.Language.Valid() {
		return invalidRequest(fmt.Sprintf("unsupported language %q", req.Language))
	}
	if req.Code == "" {
		return invalidRequest("code is empty")
	}
	if len(req.Code) > maxCodeBytes {
		return invalidRequest(fmt.Sprintf("code exceeds %d bytes", maxCodeBytes))
	}
	if len(req.Args) > maxArgs {
		return invalidRequest(fmt.Sprintf("more than %d args", maxArgs))
	}
	if len(req.Stdin) > maxStdinBytes {
		return invalidRequest(fmt.Sprintf("stdin exceeds %d bytes", maxStdinBytes))
	}
	if len(req.TestCases) > maxTestCases {
		return invalidRequest(fmt.Sprintf("more than %d test cases", maxTestCases))
	}
	for i, tc := range req.TestCases {
		if len(tc.Stdin) > maxCaseStdinBytes {
			return invalidRequest(fmt.Sprintf("test case %d stdin exceeds %d bytes", i, maxCaseStdinBytes))
		}
	}
	if l := req.Limits; l != nil {
		if l.CPUCores == 0 || l.MemoryMB == 0 || l.TimeoutMs == 0 ||
			l.MaxProcesses == 0 || l.MaxFileSizeBytes == 0 || l.MaxOutputBytes == 0 {
			return invalidRequest("limit fields must be non-zero when limits are provided")
		}
	}
	return nil
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	var ire *InvalidRequestError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &ire):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	server.ErrorJSON(w, statusFor(err), errorMessage(err))
}
