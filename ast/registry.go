package ast

import (
	"fmt"
	"sort"
	"sync"

	"pkt.systems/tngate/schema"
)

// Factory constructs a fresh script instance. Each run gets its own instance
// so scripts may keep per-run state.
type Factory func() Script

// Registry maps script names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[schema.ASTName]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[schema.ASTName]Factory)}
}

// Register adds a factory under name, replacing any previous registration.
func (r *Registry) Register(name schema.ASTName, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New constructs a script by name.
func (r *Registry) New(name schema.ASTName) (Script, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownAST, name)
	}
	return f(), nil
}

// Names lists registered script names, sorted.
func (r *Registry) Names() []schema.ASTName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]schema.ASTName, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// DefaultRegistry returns a registry with the built-in scripts.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(LoginName, func() Script { return &Login{} })
	return r
}
