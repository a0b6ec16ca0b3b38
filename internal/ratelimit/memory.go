package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// MemoryBackend keeps limiter state in-process. Per-key state sits
// behind its own mutex inside an RWMutex-guarded map, so disjoint keys
// never contend; the outer lock is only taken for lookup and lazy
// creation.
type MemoryBackend struct {
	mu    sync.RWMutex
	state map[string]*keyState
}

type keyState struct {
	mu   sync.Mutex
	kind PolicyKind

	// Token bucket.
	tokens     float64
	lastRefill time.Time

	// Sliding window, oldest first.
	entries []time.Time
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: make(map[string]*keyState)}
}

// entryFor returns the state for key, creating it if needed. Uses
// double-check locking to minimize write-lock contention.
func (m *MemoryBackend) entryFor(key string, policy Policy) *keyState {
	m.mu.RLock()
	st, ok := m.state[key]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.state[key]; ok {
		return st
	}
	st = &keyState{kind: policy.Kind}
	if policy.Kind == KindTokenBucket {
		st.tokens = float64(policy.Capacity)
		st.lastRefill = time.Now()
	}
	m.state[key] = st
	return st
}

// Check implements Backend.
func (m *MemoryBackend) Check(_ context.Context, key string, policy Policy, _ string) (Decision, error) {
	st := m.entryFor(key, policy)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.kind != policy.Kind {
		// Policy kind changed under a live key: restart from fresh state.
		st.kind = policy.Kind
		st.tokens = float64(policy.Capacity)
		st.lastRefill = time.Now()
		st.entries = nil
	}

	if policy.Kind == KindTokenBucket {
		return checkBucket(st, policy)
	}
	return checkWindow(st, policy), nil
}

func checkBucket(st *keyState, p Policy) (Decision, error) {
	if p.RefillPerSec <= 0 {
		return Decision{}, ErrBadRefill
	}

	now := time.Now()
	elapsed := now.Sub(st.lastRefill).Seconds()
	st.lastRefill = now
	st.tokens = math.Min(float64(p.Capacity), st.tokens+elapsed*p.RefillPerSec)

	if st.tokens >= 1 {
		st.tokens--
		return Decision{Allowed: true, Remaining: uint64(math.Floor(st.tokens))}, nil
	}

	needed := 1 - st.tokens
	retry := math.Max(1, math.Ceil(needed/p.RefillPerSec))
	return Decision{RetryAfterSecs: uint64(retry)}, nil
}

func checkWindow(st *keyState, p Policy) Decision {
	now := time.Now()
	window := time.Duration(p.WindowSeconds) * time.Second

	// Drop entries that have aged out of the window.
	idx := 0
	for idx < len(st.entries) && now.Sub(st.entries[idx]) >= window {
		idx++
	}
	if idx > 0 {
		st.entries = append(st.entries[:0], st.entries[idx:]...)
	}

	if uint64(len(st.entries)) < p.MaxRequests {
		st.entries = append(st.entries, now)
		return Decision{Allowed: true, Remaining: p.MaxRequests - uint64(len(st.entries))}
	}

	retry := uint64(1)
	if len(st.entries) > 0 {
		age := uint64(now.Sub(st.entries[0]) / time.Second)
		if p.WindowSeconds > age {
			retry = max(p.WindowSeconds-age, 1)
		}
	}
	return Decision{RetryAfterSecs: retry}
}
