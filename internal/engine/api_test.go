package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warden-sh/warden/internal/auth"
	"github.com/warden-sh/warden/internal/ratelimit"
	"github.com/warden-sh/warden/internal/telemetry"
)

type apiFixture struct {
	api       *API
	store     *Store
	scheduler *Scheduler
	metrics   *telemetry.EngineMetrics
	srv       *httptest.Server
}

func newAPIFixture(t *testing.T, queueCap int, burst uint32) *apiFixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := telemetry.NewEngineMetrics(reg)
	store := NewStore("", nil)
	sched := NewScheduler(queueCap, m)

	api := NewAPI(APIOptions{
		Store:                 store,
		Scheduler:             sched,
		Keys:                  auth.NewTenantKeys(map[string]string{"acme-key": "acme", "beta-key": "beta"}),
		Limiter:               ratelimit.NewTenantLimiter(60, burst),
		Gatherer:              reg,
		NetworkAllowedTenants: []string{"beta"},
		DefaultLimits: ExecutionLimits{
			CPUCores: 0.5, MemoryMB: 256, TimeoutMs: 3000,
			MaxProcesses: 32, MaxFileSizeBytes: 1 << 20, MaxOutputBytes: 64 << 10,
		},
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{api: api, store: store, scheduler: sched, metrics: m, srv: srv}
}

func (f *apiFixture) do(t *testing.T, method, path, key string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			raw, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal body: %v", err)
			}
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func (f *apiFixture) submit(t *testing.T, key string, req ExecutionRequest) (int, submitResponse) {
	t.Helper()
	resp, raw := f.do(t, http.MethodPost, "/v1/executions", key, req)
	var out submitResponse
	// Accepted and queue-full rejections both answer with the record id.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusServiceUnavailable {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode submit body %q: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestAPI_AuthRequired(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 8, 10)

	for _, key := range []string{"", "wrong-key"} {
		if status, _ := f.submit(t, key, testRequest()); status != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, status)
		}
	}
	if resp, _ := f.do(t, http.MethodGet, "/v1/executions/whatever", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("GET without key = %d, want 401", resp.StatusCode)
	}
}

func TestAPI_SubmitAccepted(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 8, 10)

	status, out := f.submit(t, "acme-key", testRequest())
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", status)
	}
	if out.ID == "" || out.Status != StatusQueued {
		t.Fatalf("body = %+v, want id and queued", out)
	}

	rec, ok := f.store.Get(out.ID)
	if !ok || rec.TenantID != "acme" || rec.Status != StatusQueued {
		t.Errorf("record = %+v, want queued under acme", rec)
	}
	if rec.Limits.CPUCores != 0.5 {
		t.Errorf("limits = %+v, want the defaults applied", rec.Limits)
	}
	if f.scheduler.Depth() != 1 {
		t.Errorf("queue depth = %d, want 1", f.scheduler.Depth())
	}
}

func TestAPI_SubmitValidation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 64, 100)

	withLimits := testRequest()
	withLimits.Limits = &ExecutionLimits{CPUCores: 1, MemoryMB: 256, TimeoutMs: 0, MaxProcesses: 32, MaxFileSizeBytes: 1024, MaxOutputBytes: 1024}

	tooManyArgs := testRequest()
	tooManyArgs.Args = make([]string, maxArgs+1)

	bigStdin := testRequest()
	bigStdin.Stdin = strings.Repeat("x", maxStdinBytes+1)

	manyCases := testRequest()
	manyCases.TestCases = make([]TestCase, maxTestCases+1)

	bigCaseStdin := testRequest()
	bigCaseStdin.TestCases = []TestCase{{Stdin: strings.Repeat("x", maxCaseStdinBytes+1)}}

	bigCode := testRequest()
	bigCode.Code = strings.Repeat("x", maxCodeBytes+1)

	tests := []struct {
		name string
		req  ExecutionRequest
	}{
		{"empty code", ExecutionRequest{Language: LangPython}},
		{"oversized code", bigCode},
		{"unknown language", ExecutionRequest{Language: "cobol", Code: "x"}},
		{"too many args", tooManyArgs},
		{"oversized stdin", bigStdin},
		{"too many test cases", manyCases},
		{"oversized case stdin", bigCaseStdin},
		{"zero limit field", withLimits},
	}
	for _, tt := range tests {
		if status, _ := f.submit(t, "acme-key", tt.req); status != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, status)
		}
	}

	resp, _ := f.do(t, http.MethodPost, "/v1/executions", "acme-key", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed JSON: status = %d, want 400", resp.StatusCode)
	}

	if f.scheduler.Depth() != 0 {
		t.Errorf("queue depth = %d, want 0 after rejections", f.scheduler.Depth())
	}
}

func TestAPI_NetworkPolicy(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 8, 10)

	req := testRequest()
	req.AllowNetwork = true

	if status, _ := f.submit(t, "acme-key", req); status != http.StatusForbidden {
		t.Errorf("unlisted tenant: status = %d, want 403", status)
	}
	if status, _ := f.submit(t, "beta-key", req); status != http.StatusAccepted {
		t.Errorf("allowed tenant: status = %d, want 202", status)
	}
}

func TestAPI_TenantRateLimit(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 8, 1)

	if status, _ := f.submit(t, "acme-key", testRequest()); status != http.StatusAccepted {
		t.Fatalf("first submit = %d, want 202", status)
	}
	if status, _ := f.submit(t, "acme-key", testRequest()); status != http.StatusTooManyRequests {
		t.Errorf("second submit = %d, want 429", status)
	}
	// Another tenant has its own bucket.
	if status, _ := f.submit(t, "beta-key", testRequest()); status != http.StatusAccepted {
		t.Errorf("other tenant = %d, want 202", status)
	}
}

func TestAPI_QueueFullRejectsAndFinalizes(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 1, 10)

	if status, _ := f.submit(t, "acme-key", testRequest()); status != http.StatusAccepted {
		t.Fatalf("first submit = %d, want 202", status)
	}
	status, out := f.submit(t, "acme-key", testRequest())
	if status != http.StatusServiceUnavailable {
		t.Fatalf("second submit = %d, want 503", status)
	}

	// The 503 hands back the rejected record's id.
	if out.ID == "" || out.Status != StatusRejected || out.Error == "" {
		t.Fatalf("503 body = %+v, want rejected id with a reason", out)
	}
	rejected, ok := f.store.Get(out.ID)
	if !ok {
		t.Fatalf("no record kept for rejected id %s", out.ID)
	}
	if rejected.Status != StatusRejected || rejected.Error != "queue full" || rejected.FinishedAtMs == 0 {
		t.Errorf("rejected record = %+v, want finalized with queue full", rejected)
	}
}

func TestAPI_SummaryAndOwnership(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 8, 10)

	_, out := f.submit(t, "acme-key", testRequest())

	resp, raw := f.do(t, http.MethodGet, "/v1/executions/"+out.ID, "acme-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d, want 200", resp.StatusCode)
	}
	var sum summaryResponse
	if err := json.Unmarshal(raw, &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.ID != out.ID || sum.TenantID != "acme" || sum.Status != StatusQueued || sum.CreatedAtMs == 0 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.StartedAtMs != 0 {
		t.Errorf("StartedAtMs = %d, want omitted before a worker claims it", sum.StartedAtMs)
	}

	if resp, _ := f.do(t, http.MethodGet, "/v1/executions/"+out.ID, "beta-key", nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-tenant read = %d, want 403", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/v1/executions/no-such-id", "acme-key", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id = %d, want 404", resp.StatusCode)
	}
}

type stubArchive struct {
	rec ExecutionRecord
}

func (s *stubArchive) GetRecord(_ context.Context, id string) (ExecutionRecord, bool, error) {
	if id == s.rec.ID {
		return s.rec, true, nil
	}
	return ExecutionRecord{}, false, nil
}

func TestAPI_ArchiveFallback(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 8, 10)
	f.api.archive = &stubArchive{rec: ExecutionRecord{
		ID:       "old-exec",
		TenantID: "acme",
		Status:   StatusSucceeded,
	}}

	resp, raw := f.do(t, http.MethodGet, "/v1/executions/old-exec/result", "acme-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archived result = %d, want 200 (%s)", resp.StatusCode, raw)
	}
	var rec ExecutionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", rec.Status)
	}

	if resp, _ := f.do(t, http.MethodGet, "/v1/executions/old-exec", "beta-key", nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-tenant archived read = %d, want 403", resp.StatusCode)
	}
}

func TestAPI_HealthReadyMetrics(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 8, 10)

	resp, raw := f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || string(raw) != `{"ok":true}` {
		t.Errorf("healthz = (%d, %s)", resp.StatusCode, raw)
	}

	if resp, _ := f.do(t, http.MethodGet, "/readyz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d, want 200", resp.StatusCode)
	}

	f.submit(t, "acme-key", testRequest())
	resp, raw = f.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d, want 200", resp.StatusCode)
	}
	body := string(raw)
	for _, metric := range []string{
		"execution_submitted_total 1",
		"execution_queue_depth 1",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %q", metric)
		}
	}

	f.scheduler.Close()
	if resp, _ := f.do(t, http.MethodGet, "/readyz", "", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz after close = %d, want 503", resp.StatusCode)
	}
}

func TestAPI_EndToEndWithWorkers(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 8, 10)

	sb := &stubSandbox{results: map[string]SandboxResult{
		"": {Stdout: "hi\n", DurationMs: 7},
	}}
	pool := NewWorkerPool(2, f.scheduler, f.store, f.metrics, sb)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(poolDone)
	}()

	status, out := f.submit(t, "acme-key", testRequest())
	if status != http.StatusAccepted {
		t.Fatalf("submit = %d, want 202", status)
	}

	deadline := time.Now().Add(5 * time.Second)
	var rec ExecutionRecord
	for {
		rec, _ = f.store.Get(out.ID)
		if rec.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution never finished: %+v", rec)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, raw := f.do(t, http.MethodGet, fmt.Sprintf("/v1/executions/%s/result", out.ID), "acme-key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result = %d, want 200", resp.StatusCode)
	}
	var full ExecutionRecord
	if err := json.Unmarshal(raw, &full); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if full.Status != StatusSucceeded || full.Output == nil || full.Output.Stdout != "hi\n" {
		t.Errorf("record = %+v, want succeeded with stdout", full)
	}
	if full.StartedAtMs == 0 || full.FinishedAtMs < full.StartedAtMs {
		t.Errorf("timestamps out of order: %+v", full)
	}
	stages := make([]string, 0, len(full.Events))
	for _, e := range full.Events {
		stages = append(stages, e.Stage)
	}
	if want := []string{"queued", "running", "finished"}; !equalStrings(stages, want) {
		t.Errorf("stages = %v, want %v", stages, want)
	}

	f.scheduler.Close()
	select {
	case <-poolDone:
	case <-time.After(5 * time.Second):
		t.Fatal("worker pool did not drain")
	}
}
