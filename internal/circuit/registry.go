package circuit

import "sync"

// Registry is the process-wide set of breakers keyed by service name.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the canonical breaker for service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[service]
	if !ok {
		b = NewBreaker(service, r.cfg)
		r.breakers[service] = b
	}
	return b
}

// Statuses returns a snapshot of every registered breaker, for the health
// endpoint.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.GetStatus())
	}
	return out
}
