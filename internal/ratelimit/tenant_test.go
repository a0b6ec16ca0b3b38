package ratelimit

import (
	"testing"
	"time"
)

func TestTenantLimiter_BurstThenDeny(t *testing.T) {
	t.Parallel()
	// 60/min = 1 token/sec; burst of 3 admits 3 back-to-back.
	l := NewTenantLimiter(60, 3)

	for i := range 3 {
		if !l.Allow("acme") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("acme") {
		t.Error("request past the burst should be denied")
	}
}

func TestTenantLimiter_Refills(t *testing.T) {
	t.Parallel()
	// 6000/min = 100 tokens/sec: a short sleep regains a token.
	l := NewTenantLimiter(6000, 1)

	if !l.Allow("acme") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("acme") {
		t.Fatal("burst of 1 should deny the second request")
	}

	time.Sleep(20 * time.Millisecond)

	if !l.Allow("acme") {
		t.Error("bucket should refill over time")
	}
}

func TestTenantLimiter_TenantsAreIsolated(t *testing.T) {
	t.Parallel()
	l := NewTenantLimiter(1, 1)

	if !l.Allow("a") {
		t.Fatal("tenant a should start full")
	}
	if l.Allow("a") {
		t.Fatal("tenant a should be drained")
	}
	if !l.Allow("b") {
		t.Error("tenant b must not share tenant a's bucket")
	}
}

func TestTenantLimiter_ZeroConfigClamps(t *testing.T) {
	t.Parallel()
	l := NewTenantLimiter(0, 0)

	// Both clamp to 1, so one request is always admitted.
	if !l.Allow("acme") {
		t.Error("clamped limiter should admit one request")
	}
	if l.Allow("acme") {
		t.Error("burst 1 should deny the immediate second request")
	}
}

func TestTenantLimiter_EvictsStaleTenants(t *testing.T) {
	t.Parallel()
	l := NewTenantLimiter(60, 5)
	l.staleAfter = 10 * time.Millisecond

	l.Allow("old")
	if l.Size() != 1 {
		t.Fatalf("Size = %d, want 1", l.Size())
	}

	time.Sleep(20 * time.Millisecond)

	// Any Allow sweeps idle tenants before touching its own bucket.
	l.Allow("fresh")
	if l.Size() != 1 {
		t.Errorf("Size = %d, want 1 after sweep", l.Size())
	}
	if !l.Allow("old") {
		t.Error("evicted tenant should restart with a full bucket")
	}
}
