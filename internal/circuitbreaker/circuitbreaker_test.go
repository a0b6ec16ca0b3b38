package circuitbreaker

import (
	"testing"
	"time"
)

func testConfig(openTimeout time.Duration) Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      openTimeout,
		HalfOpenMax:      1,
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBreaker_ClosedAllows(t *testing.T) {
	t.Parallel()

	b := NewBreaker(DefaultConfig())
	if !b.Allow() {
		t.Fatal("closed breaker should allow")
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(30 * time.Second))

	// 4 failures: one short of the threshold.
	for range 4 {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed below threshold", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open at threshold", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject")
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(30 * time.Second))

	// An intervening success must restart the consecutive count.
	for range 4 {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for range 4 {
		b.RecordFailure()
	}

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (streak was reset)", b.State())
	}
}

func TestBreaker_HalfOpenProbeSuccess(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(time.Millisecond))

	for range 5 {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(5 * time.Millisecond)

	// First request after the deadline is the probe.
	if !b.Allow() {
		t.Fatal("should allow probe after open timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}

	// Probe quota (HalfOpenMax=1) is spent.
	if b.Allow() {
		t.Fatal("should reject while probe in flight")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after probe success", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow again")
	}
}

func TestBreaker_HalfOpenProbeFailure(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(time.Millisecond))

	for range 5 {
		b.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("should allow probe")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after probe failure", b.State())
	}
	if b.Allow() {
		t.Fatal("fresh open deadline should reject")
	}
}

func TestBreaker_HalfOpenMaxConcurrentProbes(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, OpenTimeout: time.Millisecond, HalfOpenMax: 2}
	b := NewBreaker(cfg)

	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("first probe should be admitted")
	}
	if !b.Allow() {
		t.Fatal("second probe should be admitted (max 2)")
	}
	if b.Allow() {
		t.Fatal("third probe should be rejected")
	}
}

func TestBreaker_FailuresWhileOpenIgnored(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(5 * time.Millisecond))

	for range 5 {
		b.RecordFailure()
	}
	// These must not re-arm the deadline or count toward anything.
	for range 10 {
		b.RecordFailure()
	}

	time.Sleep(10 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe should be admitted after the original deadline")
	}
}

func TestBreaker_IsOpen(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig(5 * time.Millisecond))

	if b.IsOpen() {
		t.Fatal("closed breaker is not open")
	}

	for range 5 {
		b.RecordFailure()
	}
	if !b.IsOpen() {
		t.Fatal("tripped breaker should report open")
	}

	time.Sleep(10 * time.Millisecond)

	// Expired deadline: IsOpen flips to half-open and reports false.
	if b.IsOpen() {
		t.Fatal("expired breaker should not report open")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open after IsOpen expiry", b.State())
	}

	// The probe quota was not consumed by IsOpen.
	if !b.Allow() {
		t.Fatal("probe should still be available after IsOpen transition")
	}
}
