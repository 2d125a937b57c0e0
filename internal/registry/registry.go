// Package registry implements a lazy dependency-injection container.
// Services are registered by name with a factory and resolved on first
// use; disposal tears instantiated singletons down in reverse
// instantiation order.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agentport/host/internal/logger"
)

// Factory constructs a service instance.
type Factory func() (any, error)

// Disposable is implemented by services that need ordered teardown.
type Disposable interface {
	Dispose() error
}

// ErrDisposed is returned by every operation after Dispose.
var ErrDisposed = errors.New("service registry is disposed")

type entry struct {
	factory   Factory
	singleton bool
	instance  any
	resolved  bool
}

// Registry resolves named services. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    []string // instantiation order of singletons
	disposed bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Register stores a singleton factory under the given name.
// Registering a duplicate name fails.
func (r *Registry) Register(name string, factory Factory) error {
	return r.register(name, factory, true)
}

// RegisterTransient stores a factory that is invoked on every resolve.
func (r *Registry) RegisterTransient(name string, factory Factory) error {
	return r.register(name, factory, false)
}

// RegisterInstance stores an already-constructed singleton.
func (r *Registry) RegisterInstance(name string, instance any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return ErrDisposed
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("service %q is already registered", name)
	}
	r.entries[name] = &entry{singleton: true, instance: instance, resolved: true}
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) register(name string, factory Factory, singleton bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return ErrDisposed
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("service %q is already registered", name)
	}
	r.entries[name] = &entry{factory: factory, singleton: singleton}
	return nil
}

// Resolve returns the service registered under name, instantiating
// singletons lazily on first use.
func (r *Registry) Resolve(name string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return nil, ErrDisposed
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("service %q is not registered", name)
	}

	if !e.singleton {
		return e.factory()
	}
	if !e.resolved {
		instance, err := e.factory()
		if err != nil {
			return nil, fmt.Errorf("failed to construct service %q: %w", name, err)
		}
		e.instance = instance
		e.resolved = true
		r.order = append(r.order, name)
	}
	return e.instance, nil
}

// Has reports whether a service is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// Unregister disposes the cached instance, if any, then removes the
// entry. Unknown names are a no-op.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return ErrDisposed
	}
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	if e.resolved {
		return disposeInstance(name, e.instance)
	}
	return nil
}

// Dispose tears down every instantiated singleton in reverse
// instantiation order, then clears the registry. Teardown is
// best-effort: one failing dispose never blocks the others. All
// further operations return ErrDisposed.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return
	}
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		e, ok := r.entries[name]
		if !ok || !e.resolved {
			continue
		}
		if err := disposeInstance(name, e.instance); err != nil {
			logger.Warn("Failed to dispose service %q: %v", name, err)
		}
	}
	r.entries = make(map[string]*entry)
	r.order = nil
	r.disposed = true
}

func disposeInstance(name string, instance any) error {
	d, ok := instance.(Disposable)
	if !ok {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warn("Dispose of service %q panicked: %v", name, rec)
		}
	}()
	return d.Dispose()
}
