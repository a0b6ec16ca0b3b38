package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TenantLimiter applies a per-tenant token bucket on the engine's submit
// path: capacity = burst, refill = rate/60 per second. One mutex guards
// the whole table because every Allow also sweeps stale tenants; a
// scan-friendly layout beats per-key locks at this call rate.
type TenantLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tenantBucket

	burst        float64
	refillPerSec float64
	staleAfter   time.Duration
}

type tenantBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewTenantLimiter creates a limiter admitting ratePerMinute sustained
// requests per tenant with the given burst. Zero values are raised to 1.
func NewTenantLimiter(ratePerMinute, burst uint32) *TenantLimiter {
	return &TenantLimiter{
		buckets:      make(map[string]*tenantBucket),
		burst:        float64(max(burst, 1)),
		refillPerSec: float64(max(ratePerMinute, 1)) / 60.0,
		staleAfter:   30 * time.Minute,
	}
}

// Allow takes one token for tenant, reporting whether the request may
// proceed. Tenants idle past the stale horizon are evicted inline.
func (l *TenantLimiter) Allow(tenant string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, b := range l.buckets {
		if now.Sub(b.lastRefill) >= l.staleAfter {
			delete(l.buckets, id)
		}
	}

	b, ok := l.buckets[tenant]
	if !ok {
		b = &tenantBucket{tokens: l.burst, lastRefill: now}
		l.buckets[tenant] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens = math.Min(l.burst, b.tokens+elapsed*l.refillPerSec)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Size returns the tracked tenant count, for tests and introspection.
func (l *TenantLimiter) Size() int {
	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	return n
}
