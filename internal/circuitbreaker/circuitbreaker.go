// Package circuitbreaker implements a per-upstream circuit breaker driven
// by consecutive failures. It short-circuits requests to known-bad
// upstreams, reducing failover latency from seconds (timeout + network)
// to nanoseconds (state check).
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until the open deadline passes.
	StateOpen
	// StateHalfOpen admits a bounded number of probe requests.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip
	OpenTimeout      time.Duration // time in OPEN before probes are admitted
	HalfOpenMax      int           // max in-flight probes in HALF_OPEN
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      20 * time.Second,
		HalfOpenMax:      1,
	}
}

// Breaker is one service's state machine. All transitions happen under
// the mutex; callers never observe a torn state.
type Breaker struct {
	mu               sync.Mutex
	cfg              Config
	state            State
	until            time.Time // OPEN deadline
	consecutiveFails int
	halfOpenInFlight int
	onChange         func(from, to State) // may be nil; invoked under mu
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg}
}

// transition must be called under mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// trip must be called under mu.
func (b *Breaker) trip() {
	b.transition(StateOpen)
	b.until = time.Now().Add(b.cfg.OpenTimeout)
	b.consecutiveFails = 0
	b.halfOpenInFlight = 0
}

// Allow reports whether a request may proceed. The first call after the
// open deadline passes flips to HALF_OPEN and is admitted as the probe.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(b.until) {
			return false
		}
		b.transition(StateHalfOpen)
		b.halfOpenInFlight = 1
		return true
	default: // StateHalfOpen
		if b.halfOpenInFlight < b.cfg.HalfOpenMax {
			b.halfOpenInFlight++
			return true
		}
		return false
	}
}

// RecordSuccess closes the breaker from any state and clears counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.consecutiveFails = 0
	b.halfOpenInFlight = 0
}

// RecordFailure counts a failure. A failed half-open probe reopens with a
// fresh deadline; failures while OPEN are ignored since the service is
// already quarantined.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	case StateOpen:
	}
}

// IsOpen is the read-mostly probe used when snapshotting routing
// candidates. An expired OPEN flips to HALF_OPEN and reports false so the
// router stops burying the service; the probe quota is untouched until
// Allow admits a request.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return false
	}
	if time.Now().Before(b.until) {
		return true
	}
	b.transition(StateHalfOpen)
	return false
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}
