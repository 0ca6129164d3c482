package breaker

import (
	"sync"
	"time"

	"github.com/haasonsaas/crossquery/pkg/models"
)

// Registry manages one breaker per provider. It is created at boot and torn
// down with the process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry whose breakers inherit defaults.
func NewRegistry(defaults Config) *Registry {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = 3
	}
	if defaults.SuccessThreshold <= 0 {
		defaults.SuccessThreshold = 2
	}
	if defaults.OpenTimeout <= 0 {
		defaults.OpenTimeout = 60 * time.Second
	}

	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns or creates the breaker for name.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if b, ok := r.breakers[name]; ok {
		return b
	}

	config := r.defaults
	config.Name = name
	b = New(config)
	r.breakers[name] = b
	return b
}

// GetWithConfig returns or creates a breaker with custom config.
func (r *Registry) GetWithConfig(name string, config Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	config.Name = name
	b := New(config)
	r.breakers[name] = b
	return b
}

// Stats returns snapshots for every breaker.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// OpenCircuits returns the names of all open breakers.
func (r *Registry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, b := range r.breakers {
		if b.State() == StateOpen {
			open = append(open, name)
		}
	}
	return open
}

// Reset closes the named breaker, for operator use.
func (r *Registry) Reset(name string) error {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()

	if !ok {
		return models.NewError(models.CodeInvalidProvider, "no breaker for "+name)
	}
	b.Reset()
	return nil
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
