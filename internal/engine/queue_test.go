package engine

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warden-sh/warden/internal/telemetry"
)

func testMetrics() *telemetry.EngineMetrics {
	return telemetry.NewEngineMetrics(prometheus.NewRegistry())
}

func TestScheduler_FIFO(t *testing.T) {
	t.Parallel()

	s := NewScheduler(8, testMetrics())
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Submit(QueuedJob{ID: id}); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	if s.Depth() != 3 {
		t.Errorf("Depth = %d, want 3", s.Depth())
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := <-s.Jobs(); got.ID != want {
			t.Errorf("received %s, want %s", got.ID, want)
		}
	}
}

func TestScheduler_FullQueueRejects(t *testing.T) {
	t.Parallel()

	m := testMetrics()
	s := NewScheduler(1, m)
	if err := s.Submit(QueuedJob{ID: "a"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(QueuedJob{ID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit on full queue = %v, want ErrQueueFull", err)
	}
	// The rejected job must not count as submitted.
	if got := m.QueueDepth(); got != 1 {
		t.Errorf("QueueDepth = %d, want 1", got)
	}
}

func TestScheduler_ClosedRejectsAndDrains(t *testing.T) {
	t.Parallel()

	s := NewScheduler(4, testMetrics())
	if err := s.Submit(QueuedJob{ID: "a"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Close()
	s.Close() // idempotent

	if !s.Closed() {
		t.Error("Closed() = false after Close")
	}
	if err := s.Submit(QueuedJob{ID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit after close = %v, want ErrQueueFull", err)
	}

	// The queued job is still deliverable, then the channel ends.
	if got, ok := <-s.Jobs(); !ok || got.ID != "a" {
		t.Fatalf("drain got (%v, %v), want job a", got.ID, ok)
	}
	if _, ok := <-s.Jobs(); ok {
		t.Error("channel should be closed after drain")
	}
}
