package tracker

import (
	"fmt"
	"sort"
	"sync"
)

// SourceFactory creates a new Source instance.
type SourceFactory func() Source

// TargetFactory creates a new Target instance.
type TargetFactory func() Target

// Registry manages registered connectors. Connectors register themselves
// at init time, and the registry provides access to them by name.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
	targets map[string]TargetFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		targets: make(map[string]TargetFactory),
	}
}

// globalRegistry is the default registry used by the package-level helpers.
var globalRegistry = NewRegistry()

// RegisterSource adds a source factory to the global registry.
// This is typically called from connector init() functions.
// The name should be lowercase (e.g., "rally", "memory").
func RegisterSource(name string, factory SourceFactory) {
	globalRegistry.RegisterSource(name, factory)
}

// RegisterTarget adds a target factory to the global registry.
func RegisterTarget(name string, factory TargetFactory) {
	globalRegistry.RegisterTarget(name, factory)
}

// NewSource creates a new instance of the named source.
func NewSource(name string) (Source, error) {
	return globalRegistry.NewSource(name)
}

// NewTarget creates a new instance of the named target.
func NewTarget(name string) (Target, error) {
	return globalRegistry.NewTarget(name)
}

// ListSources returns the names of all registered sources.
func ListSources() []string {
	return globalRegistry.ListSources()
}

// ListTargets returns the names of all registered targets.
func ListTargets() []string {
	return globalRegistry.ListTargets()
}

// RegisterSource adds a source factory to this registry.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterTarget adds a target factory to this registry.
func (r *Registry) RegisterTarget(name string, factory TargetFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = factory
}

// NewSource creates a new instance of the named source.
func (r *Registry) NewSource(name string) (Source, error) {
	r.mu.RLock()
	factory := r.sources[name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unknown source %q (available: %v)", name, r.ListSources())
	}
	return factory(), nil
}

// NewTarget creates a new instance of the named target.
func (r *Registry) NewTarget(name string) (Target, error) {
	r.mu.RLock()
	factory := r.targets[name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unknown target %q (available: %v)", name, r.ListTargets())
	}
	return factory(), nil
}

// ListSources returns registered source names, sorted alphabetically.
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sources)
}

// ListTargets returns registered target names, sorted alphabetically.
func (r *Registry) ListTargets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.targets)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
