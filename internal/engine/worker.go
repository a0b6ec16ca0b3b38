package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/warden-sh/warden/internal/telemetry"
)

// WorkerPool drains the scheduler with a fixed set of workers. Each job
// is claimed by exactly one worker; the channel preserves FIFO order.
type WorkerPool struct {
	workers   int
	scheduler *Scheduler
	store     *Store
	metrics   *telemetry.EngineMetrics
	sandbox   Sandbox
}

// NewWorkerPool wires the pool. The sandbox instance is shared across
// workers and must tolerate concurrent Execute calls.
func NewWorkerPool(workers int, scheduler *Scheduler, store *Store, metrics *telemetry.EngineMetrics, sandbox Sandbox) *WorkerPool {
	return &WorkerPool{
		workers:   workers,
		scheduler: scheduler,
		store:     store,
		metrics:   metrics,
		sandbox:   sandbox,
	}
}

// Run blocks until the scheduler closes and every worker has drained.
// Context cancellation does not abort in-flight jobs; each run is
// bounded by its own timeout from the limits.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.workers {
		g.Go(func() error {
			p.worker(context.WithoutCancel(ctx), i)
			return nil
		})
	}
	return g.Wait()
}

func (p *WorkerPool) worker(ctx context.Context, workerID int) {
	for job := range p.scheduler.Jobs() {
		slog.LogAttrs(ctx, slog.LevelInfo, "starting execution",
			slog.Int("worker_id", workerID),
			slog.String("execution_id", job.ID),
		)
		p.metrics.Started()
		p.store.MarkRunning(job.ID)
		p.store.AppendEvent(job.ID, "running", fmt.Sprintf("worker-%d claimed job", workerID))

		if len(job.Request.TestCases) > 0 {
			p.runTestCases(ctx, job)
		} else {
			p.runSingle(ctx, job)
		}
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "job queue closed, worker exiting",
		slog.Int("worker_id", workerID),
	)
}

func (p *WorkerPool) runSingle(ctx context.Context, job QueuedJob) {
	result, err := p.sandbox.Execute(ctx, RunSpec{ID: job.ID, TenantID: job.TenantID, Request: job.Request, Limits: job.Limits})
	if err != nil {
		p.failJob(job.ID, err)
		return
	}
	p.finalize(job.ID, result, nil)
}

// runTestCases runs the cases serially, reusing the job id, and stops
// at the first timeout. All completed cases land in one test_results
// array on the record.
func (p *WorkerPool) runTestCases(ctx context.Context, job QueuedJob) {
	results := make([]TestCaseResult, 0, len(job.Request.TestCases))
	var last SandboxResult
	var totalMs int64

	for _, tc := range job.Request.TestCases {
		req := job.Request
		req.Stdin = tc.Stdin
		req.TestCases = nil

		result, err := p.sandbox.Execute(ctx, RunSpec{ID: job.ID, TenantID: job.TenantID, Request: req, Limits: job.Limits})
		if err != nil {
			p.failJob(job.ID, err)
			return
		}

		var passed *bool
		if tc.ExpectedStdout != nil {
			ok := strings.TrimSpace(result.Stdout) == strings.TrimSpace(*tc.ExpectedStdout)
			passed = &ok
		}
		results = append(results, TestCaseResult{
			Stdin:      tc.Stdin,
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
			Passed:     passed,
			ExitCode:   result.ExitCode,
			DurationMs: result.DurationMs,
		})
		last = result
		totalMs += result.DurationMs

		if result.TimedOut {
			break
		}
	}

	last.DurationMs = totalMs
	p.finalize(job.ID, last, results)
}

// finalize maps the sandbox result onto a terminal status, bumps the
// metrics, and writes the record.
func (p *WorkerPool) finalize(id string, result SandboxResult, testResults []TestCaseResult) {
	status := StatusSucceeded
	switch {
	case result.TimedOut:
		status = StatusTimedOut
		p.metrics.TimedOut()
	case result.ExitCode != 0:
		status = StatusFailed
		p.metrics.Failed()
	}
	p.metrics.Completed()

	p.store.MarkFinished(id, status, &ExecutionOutput{
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		ExitCode:       result.ExitCode,
		DurationMs:     result.DurationMs,
		SandboxBackend: p.sandbox.Name(),
		TestResults:    testResults,
	}, "")
}

// failJob finalizes a job whose sandbox invocation itself failed.
func (p *WorkerPool) failJob(id string, err error) {
	p.metrics.Failed()
	p.store.AppendEvent(id, "sandbox_error", err.Error())
	p.store.MarkFinished(id, StatusFailed, nil, err.Error())
}
