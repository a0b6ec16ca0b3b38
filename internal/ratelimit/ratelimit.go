// Package ratelimit implements per-key request rate limiting with
// token-bucket and sliding-window policies over pluggable backends:
// in-process state for single-instance deployments, Redis for
// fleet-wide limits.
package ratelimit

import (
	"context"
	"errors"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed        bool
	Remaining      uint64
	RetryAfterSecs uint64
}

// PolicyKind selects the limiting algorithm.
type PolicyKind int

const (
	// KindTokenBucket refills Capacity tokens at RefillPerSec; each
	// request takes one token.
	KindTokenBucket PolicyKind = iota
	// KindSlidingWindow admits at most MaxRequests per trailing
	// WindowSeconds.
	KindSlidingWindow
)

// Policy is a tagged algorithm description; Kind selects which fields
// apply.
type Policy struct {
	Kind PolicyKind

	// Token bucket.
	Capacity     uint64
	RefillPerSec float64

	// Sliding window.
	WindowSeconds uint64
	MaxRequests   uint64
}

// TokenBucket builds a token-bucket policy.
func TokenBucket(capacity uint64, refillPerSec float64) Policy {
	return Policy{Kind: KindTokenBucket, Capacity: capacity, RefillPerSec: refillPerSec}
}

// SlidingWindow builds a sliding-window policy.
func SlidingWindow(windowSeconds, maxRequests uint64) Policy {
	return Policy{Kind: KindSlidingWindow, WindowSeconds: windowSeconds, MaxRequests: maxRequests}
}

// ErrBadRefill rejects a token bucket that can never refill; surfacing it
// beats silently denying every request forever.
var ErrBadRefill = errors.New("ratelimit: token bucket refill rate must be > 0")

// Backend evaluates one request against a policy for a key. requestID
// disambiguates concurrent inserts in distributed backends; local
// backends ignore it. Implementations must be safe for concurrent use.
type Backend interface {
	Check(ctx context.Context, key string, policy Policy, requestID string) (Decision, error)
}

// Limiter binds a single policy to a backend. The gateway middleware
// talks to the limiter, never to backends directly.
type Limiter struct {
	backend Backend
	policy  Policy
}

// NewLimiter creates a limiter for one policy.
func NewLimiter(backend Backend, policy Policy) *Limiter {
	return &Limiter{backend: backend, policy: policy}
}

// Check evaluates one request for key.
func (l *Limiter) Check(ctx context.Context, key, requestID string) (Decision, error) {
	return l.backend.Check(ctx, key, l.policy, requestID)
}
