package ratelimit

import (
	"context"
	"testing"
)

// recordingBackend captures the arguments the limiter passes through.
type recordingBackend struct {
	key       string
	policy    Policy
	requestID string
	decision  Decision
	err       error
}

func (b *recordingBackend) Check(_ context.Context, key string, policy Policy, requestID string) (Decision, error) {
	b.key = key
	b.policy = policy
	b.requestID = requestID
	return b.decision, b.err
}

func TestPolicyConstructors(t *testing.T) {
	t.Parallel()

	tb := TokenBucket(200, 100)
	if tb.Kind != KindTokenBucket || tb.Capacity != 200 || tb.RefillPerSec != 100 {
		t.Errorf("TokenBucket = %+v", tb)
	}

	sw := SlidingWindow(60, 600)
	if sw.Kind != KindSlidingWindow || sw.WindowSeconds != 60 || sw.MaxRequests != 600 {
		t.Errorf("SlidingWindow = %+v", sw)
	}
}

func TestLimiterDelegates(t *testing.T) {
	t.Parallel()

	backend := &recordingBackend{decision: Decision{Allowed: true, Remaining: 7}}
	l := NewLimiter(backend, TokenBucket(10, 1))

	d, err := l.Check(context.Background(), "client-1:/v1/items", "req-9")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Remaining != 7 {
		t.Errorf("decision = %+v", d)
	}
	if backend.key != "client-1:/v1/items" {
		t.Errorf("backend key = %q", backend.key)
	}
	if backend.requestID != "req-9" {
		t.Errorf("backend requestID = %q", backend.requestID)
	}
	if backend.policy.Kind != KindTokenBucket || backend.policy.Capacity != 10 {
		t.Errorf("backend policy = %+v", backend.policy)
	}
}
