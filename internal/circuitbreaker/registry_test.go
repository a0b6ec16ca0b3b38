package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig(), nil)

	b1 := r.GetOrCreate("svc-a")
	if b1 == nil {
		t.Fatal("GetOrCreate returned nil")
	}

	// Second call returns same instance.
	b2 := r.GetOrCreate("svc-a")
	if b1 != b2 {
		t.Fatal("GetOrCreate returned different instance")
	}

	// Different service gets different instance.
	b3 := r.GetOrCreate("svc-b")
	if b1 == b3 {
		t.Fatal("different services should get different breakers")
	}
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig(), nil)

	const goroutines = 16
	out := make([]*Breaker, goroutines)
	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = r.GetOrCreate("svc-a")
		}()
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if out[i] != out[0] {
			t.Fatal("concurrent GetOrCreate produced distinct breakers")
		}
	}
}

func TestRegistry_PassThroughs(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{FailureThreshold: 2, OpenTimeout: time.Minute, HalfOpenMax: 1}, nil)

	if !r.Allow("svc-a") {
		t.Fatal("fresh service should be allowed")
	}
	r.RecordFailure("svc-a")
	r.RecordFailure("svc-a")

	if r.Allow("svc-a") {
		t.Fatal("tripped service should be rejected")
	}
	if !r.IsOpen("svc-a") {
		t.Fatal("tripped service should report open")
	}

	// Other services are unaffected.
	if r.IsOpen("svc-b") {
		t.Fatal("untouched service must not be open")
	}

	r.RecordSuccess("svc-a")
	if !r.Allow("svc-a") {
		t.Fatal("service should close after success")
	}
}

func TestRegistry_TransitionCallback(t *testing.T) {
	t.Parallel()

	type change struct {
		service  string
		from, to State
	}
	var mu sync.Mutex
	var changes []change

	r := NewRegistry(
		Config{FailureThreshold: 1, OpenTimeout: time.Millisecond, HalfOpenMax: 1},
		func(service string, from, to State) {
			mu.Lock()
			changes = append(changes, change{service, from, to})
			mu.Unlock()
		},
	)

	r.RecordFailure("svc-a") // closed -> open
	time.Sleep(5 * time.Millisecond)
	r.Allow("svc-a")         // open -> half_open
	r.RecordSuccess("svc-a") // half_open -> closed

	mu.Lock()
	defer mu.Unlock()
	want := []change{
		{"svc-a", StateClosed, StateOpen},
		{"svc-a", StateOpen, StateHalfOpen},
		{"svc-a", StateHalfOpen, StateClosed},
	}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change[%d] = %v, want %v", i, changes[i], want[i])
		}
	}
}
