// Package workload holds the named virtual-user behaviours a run can select
// and the built-in YAML script workload.
package workload

import (
	"fmt"
	"sort"
	"sync"

	"perfx/internal/core"
)

// Registry maps workload names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]core.WorkloadFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]core.WorkloadFactory)}
}

// Register makes a factory available by name. It panics if factory is nil or
// name is already registered.
func (r *Registry) Register(name string, factory core.WorkloadFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if factory == nil {
		panic("workload: Register factory is nil")
	}
	if _, dup := r.factories[name]; dup {
		panic("workload: Register called twice for " + name)
	}
	r.factories[name] = factory
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (core.WorkloadFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown workload %q (registered: %v)", name, r.namesLocked())
	}
	return f, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// Register adds a factory to the default registry.
func Register(name string, factory core.WorkloadFactory) {
	defaultRegistry.Register(name, factory)
}

// Lookup finds a factory in the default registry.
func Lookup(name string) (core.WorkloadFactory, error) {
	return defaultRegistry.Lookup(name)
}

// Names lists the default registry.
func Names() []string {
	return defaultRegistry.Names()
}
