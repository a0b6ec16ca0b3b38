package engine

import (
	"sync"

	"github.com/warden-sh/warden/internal/telemetry"
)

// QueuedJob is one admitted execution waiting for a worker.
type QueuedJob struct {
	ID       string
	TenantID string
	Request  ExecutionRequest
	Limits   ExecutionLimits
}

// Scheduler fronts the worker pool with a bounded FIFO channel. Submit
// never blocks: a full or closed queue rejects the job.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    chan QueuedJob
	closed  bool
	metrics *telemetry.EngineMetrics
}

// NewScheduler returns a scheduler with the given queue capacity.
func NewScheduler(capacity int, metrics *telemetry.EngineMetrics) *Scheduler {
	return &Scheduler{
		jobs:    make(chan QueuedJob, capacity),
		metrics: metrics,
	}
}

// Submit enqueues the job, bumping the submitted counter and queue
// depth on success. ErrQueueFull when the channel is full or closed.
func (s *Scheduler) Submit(job QueuedJob) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrQueueFull
	}
	select {
	case s.jobs <- job:
		if s.metrics != nil {
			s.metrics.Submitted()
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// Jobs exposes the receive side for the worker pool. The channel closes
// when the scheduler shuts down; workers drain what remains.
func (s *Scheduler) Jobs() <-chan QueuedJob {
	return s.jobs
}

// Depth reports how many jobs are waiting.
func (s *Scheduler) Depth() int {
	return len(s.jobs)
}

// Closed reports whether the scheduler has shut down.
func (s *Scheduler) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops admission and closes the channel. Safe to call twice.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.jobs)
}
