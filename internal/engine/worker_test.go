package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// stubSandbox maps stdin to a canned result, covering single runs and
// fan-out cases with one table.
type stubSandbox struct {
	mu      sync.Mutex
	calls   []RunSpec
	results map[string]SandboxResult
	err     error
}

func (s *stubSandbox) Name() string { return "stub" }

func (s *stubSandbox) Execute(_ context.Context, spec RunSpec) (SandboxResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, spec)
	s.mu.Unlock()
	if s.err != nil {
		return SandboxResult{}, s.err
	}
	if r, ok := s.results[spec.Request.Stdin]; ok {
		return r, nil
	}
	return SandboxResult{Stdout: "hi\n", DurationMs: 5}, nil
}

func (s *stubSandbox) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// runJobs pushes the jobs through a pool and blocks until the workers
// drain, so assertions never race the workers.
func runJobs(t *testing.T, sb Sandbox, store *Store, jobs ...QueuedJob) {
	t.Helper()
	m := testMetrics()
	sched := NewScheduler(len(jobs)+1, m)
	for _, j := range jobs {
		if err := sched.Submit(j); err != nil {
			t.Fatalf("Submit(%s): %v", j.ID, err)
		}
	}
	sched.Close()

	pool := NewWorkerPool(2, sched, store, m, sb)
	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestWorkerPool_SuccessfulRun(t *testing.T) {
	t.Parallel()

	store := NewStore("", nil)
	store.Create("exec-1", "acme", testRequest(), ExecutionLimits{}.Normalized())
	sb := &stubSandbox{}

	runJobs(t, sb, store, QueuedJob{ID: "exec-1", TenantID: "acme", Request: testRequest(), Limits: ExecutionLimits{}.Normalized()})

	rec, _ := store.Get("exec-1")
	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", rec.Status)
	}
	if rec.Output == nil || rec.Output.Stdout != "hi\n" || rec.Output.SandboxBackend != "stub" {
		t.Errorf("output = %+v, want stub stdout", rec.Output)
	}

	claimed := false
	for _, e := range rec.Events {
		if e.Stage == "running" && strings.Contains(e.Message, "claimed job") {
			claimed = true
		}
	}
	if !claimed {
		t.Errorf("events %+v missing worker claim", rec.Events)
	}

	// The tenant must reach the sandbox for the network policy check.
	if sb.calls[0].TenantID != "acme" {
		t.Errorf("RunSpec.TenantID = %q, want acme", sb.calls[0].TenantID)
	}
}

func TestWorkerPool_NonZeroExitFails(t *testing.T) {
	t.Parallel()

	store := NewStore("", nil)
	store.Create("exec-1", "acme", testRequest(), ExecutionLimits{})
	sb := &stubSandbox{results: map[string]SandboxResult{
		"": {Stderr: "boom", ExitCode: 3, DurationMs: 2},
	}}

	runJobs(t, sb, store, QueuedJob{ID: "exec-1", Request: testRequest()})

	rec, _ := store.Get("exec-1")
	if rec.Status != StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.Output == nil || rec.Output.ExitCode != 3 {
		t.Errorf("output = %+v, want exit code 3", rec.Output)
	}
}

func TestWorkerPool_Timeout(t *testing.T) {
	t.Parallel()

	store := NewStore("", nil)
	store.Create("exec-1", "acme", testRequest(), ExecutionLimits{})
	sb := &stubSandbox{results: map[string]SandboxResult{
		"": {ExitCode: -1, TimedOut: true, DurationMs: 200},
	}}

	runJobs(t, sb, store, QueuedJob{ID: "exec-1", Request: testRequest()})

	rec, _ := store.Get("exec-1")
	if rec.Status != StatusTimedOut {
		t.Errorf("status = %s, want timed_out", rec.Status)
	}
	if rec.Output == nil || rec.Output.ExitCode != -1 {
		t.Errorf("output = %+v, want exit code -1", rec.Output)
	}
}

func TestWorkerPool_SandboxErrorFailsJob(t *testing.T) {
	t.Parallel()

	store := NewStore("", nil)
	store.Create("exec-1", "acme", testRequest(), ExecutionLimits{})
	sb := &stubSandbox{err: errors.New("docker daemon unreachable")}

	runJobs(t, sb, store, QueuedJob{ID: "exec-1", Request: testRequest()})

	rec, _ := store.Get("exec-1")
	if rec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Error != "docker daemon unreachable" {
		t.Errorf("error = %q, want the sandbox failure", rec.Error)
	}
	found := false
	for _, e := range rec.Events {
		if e.Stage == "sandbox_error" {
			found = true
		}
	}
	if !found {
		t.Errorf("events %+v missing sandbox_error", rec.Events)
	}
}

func TestWorkerPool_TestCaseFanOut(t *testing.T) {
	t.Parallel()

	expected := "4"
	req := testRequest()
	req.TestCases = []TestCase{
		{Stdin: "2 2", ExpectedStdout: &expected},
		{Stdin: "1 2", ExpectedStdout: &expected},
		{Stdin: "probe"}, // no expectation: run for output only
	}

	sb := &stubSandbox{results: map[string]SandboxResult{
		"2 2":   {Stdout: "4\n", DurationMs: 3},
		"1 2":   {Stdout: "3\n", DurationMs: 4},
		"probe": {Stdout: "x", DurationMs: 1},
	}}

	store := NewStore("", nil)
	store.Create("exec-1", "acme", req, ExecutionLimits{})

	runJobs(t, sb, store, QueuedJob{ID: "exec-1", TenantID: "acme", Request: req})

	rec, _ := store.Get("exec-1")
	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", rec.Status)
	}
	results := rec.Output.TestResults
	if len(results) != 3 {
		t.Fatalf("got %d test results, want 3", len(results))
	}
	if results[0].Passed == nil || !*results[0].Passed {
		t.Errorf("case 0 = %+v, want passed (trim-compared)", results[0])
	}
	if results[1].Passed == nil || *results[1].Passed {
		t.Errorf("case 1 = %+v, want failed comparison", results[1])
	}
	if results[2].Passed != nil {
		t.Errorf("case 2 = %+v, want nil Passed without an expectation", results[2])
	}
	if rec.Output.DurationMs != 8 {
		t.Errorf("total duration = %d, want summed 8", rec.Output.DurationMs)
	}

	// Every fan-out run clears the nested cases and swaps stdin.
	for _, call := range sb.calls {
		if len(call.Request.TestCases) != 0 {
			t.Errorf("fan-out call still carries test cases: %+v", call.Request)
		}
	}
}

func TestWorkerPool_TestCaseTimeoutStopsFanOut(t *testing.T) {
	t.Parallel()

	req := testRequest()
	req.TestCases = []TestCase{{Stdin: "a"}, {Stdin: "hang"}, {Stdin: "never"}}

	sb := &stubSandbox{results: map[string]SandboxResult{
		"a":    {Stdout: "ok", DurationMs: 1},
		"hang": {ExitCode: -1, TimedOut: true, DurationMs: 200},
	}}

	store := NewStore("", nil)
	store.Create("exec-1", "acme", req, ExecutionLimits{})

	runJobs(t, sb, store, QueuedJob{ID: "exec-1", Request: req})

	rec, _ := store.Get("exec-1")
	if rec.Status != StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", rec.Status)
	}
	if got := sb.callCount(); got != 2 {
		t.Errorf("sandbox ran %d times, want 2 (stop at first timeout)", got)
	}
	if len(rec.Output.TestResults) != 2 {
		t.Errorf("recorded %d results, want the 2 that ran", len(rec.Output.TestResults))
	}
}

func TestWorkerPool_EachJobClaimedOnce(t *testing.T) {
	t.Parallel()

	store := NewStore("", nil)
	jobs := make([]QueuedJob, 20)
	for i := range jobs {
		id := string(rune('a' + i))
		store.Create(id, "acme", testRequest(), ExecutionLimits{})
		jobs[i] = QueuedJob{ID: id, Request: testRequest()}
	}
	sb := &stubSandbox{}

	runJobs(t, sb, store, jobs...)

	if got := sb.callCount(); got != len(jobs) {
		t.Fatalf("sandbox ran %d times, want %d", got, len(jobs))
	}
	seen := make(map[string]int)
	sb.mu.Lock()
	for _, c := range sb.calls {
		seen[c.ID]++
	}
	sb.mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s executed %d times", id, n)
		}
	}
}
