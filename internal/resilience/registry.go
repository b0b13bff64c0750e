package resilience

import "sync"

// Registry hands out one Breaker per named source, creating breakers lazily
// with a shared config. Each polling source gets its own instance so a failing
// source never gates a healthy one.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns the current state of every registered breaker, keyed by
// source name.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.GetSnapshot()
	}
	return out
}
