package actor

import (
	"sync"
)

// Registry is a name to PID map with atomic registration. It performs no
// liveness tracking: a name registered for a process that has since exited
// keeps pointing at the dead address until explicitly unregistered. All
// operations are safe from arbitrary goroutines, not only the cooperative
// scheduler.
type Registry struct {
	mu    sync.RWMutex
	names map[string]PID
}

// NewRegistry creates an empty registry. Most callers want the process-wide
// default instead; see Register and friends.
func NewRegistry() *Registry {
	return &Registry{
		names: make(map[string]PID),
	}
}

// Register inserts the name only if it is currently absent and reports
// whether the insertion happened. A conflict is not an error condition;
// the caller decides what a false return means.
func (r *Registry) Register(name string, pid PID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.names[name]; exists {
		return false
	}
	r.names[name] = pid

	return true
}

// Unregister removes the name if present and reports whether it was.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.names[name]; !exists {
		return false
	}
	delete(r.names, name)

	return true
}

// WhereIs looks up a name, reporting the registered PID and whether the
// name was bound.
func (r *Registry) WhereIs(name string) (PID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pid, ok := r.names[name]

	return pid, ok
}

// Registered returns a snapshot of all registered names.
func (r *Registry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}

	return names
}

// The process-wide default registry, initialized lazily on first use. Its
// lifecycle is the program's; there is no teardown.
var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns the process-wide registry singleton.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})

	return defaultRegistry
}

// Register registers a name in the default registry.
func Register(name string, pid PID) bool {
	return DefaultRegistry().Register(name, pid)
}

// Unregister removes a name from the default registry.
func Unregister(name string) bool {
	return DefaultRegistry().Unregister(name)
}

// WhereIs looks up a name in the default registry.
func WhereIs(name string) (PID, bool) {
	return DefaultRegistry().WhereIs(name)
}

// Registered snapshots the names in the default registry.
func Registered() []string {
	return DefaultRegistry().Registered()
}
