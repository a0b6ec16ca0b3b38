package circuitbreaker

import "sync"

// TransitionFunc observes breaker state changes, e.g. to bump a metric.
// It is invoked under the breaker's lock and must not call back into the
// breaker or registry.
type TransitionFunc func(service string, from, to State)

// Registry manages per-service Breaker instances. Entries are created
// lazily on first lookup and never removed while the gateway runs.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	onChange TransitionFunc
}

// NewRegistry creates a registry; onChange may be nil.
func NewRegistry(cfg Config, onChange TransitionFunc) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		onChange: onChange,
	}
}

// GetOrCreate returns the breaker for service, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b = NewBreaker(r.cfg)
	if r.onChange != nil {
		onChange := r.onChange
		b.onChange = func(from, to State) { onChange(service, from, to) }
	}
	r.breakers[service] = b
	return b
}

// Pass-throughs used by the gateway core, keyed by upstream name.

func (r *Registry) Allow(service string) bool    { return r.GetOrCreate(service).Allow() }
func (r *Registry) IsOpen(service string) bool   { return r.GetOrCreate(service).IsOpen() }
func (r *Registry) RecordSuccess(service string) { r.GetOrCreate(service).RecordSuccess() }
func (r *Registry) RecordFailure(service string) { r.GetOrCreate(service).RecordFailure() }
