package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps service names to their drivers. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	primary string
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver under its service name. The first registered
// driver becomes the primary service unless SetPrimary overrides it.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.drivers) == 0 {
		r.primary = d.Service()
	}
	r.drivers[d.Service()] = d
}

// SetPrimary marks the given service as the authoritative one for
// primary-first enumeration.
func (r *Registry) SetPrimary(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = service
}

// Primary returns the primary service name, or "" when none registered.
func (r *Registry) Primary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// Driver returns the driver for a service, or ErrUnknownBackend.
func (r *Registry) Driver(service string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[service]
	if !ok {
		return nil, fmt.Errorf("service %q: %w", service, ErrUnknownBackend)
	}
	return d, nil
}

// Services returns all registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
