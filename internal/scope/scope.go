// Package scope holds the binding table consulted on every managed call.
// A retry resolves its implementation here, so a hot-swap performed during
// the previous attempt is observed immediately.
package scope

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Scope maps names to the implementation currently bound to them, plus types
// that generated code may refer to.
type Scope struct {
	mu       sync.RWMutex
	bindings map[string]reflect.Value
	types    map[string]reflect.Type
}

// Snapshot is an immutable copy of a scope's bindings.
type Snapshot struct {
	Bindings map[string]reflect.Value
	Types    map[string]reflect.Type
}

// New creates an empty scope.
func New() *Scope {
	return &Scope{
		bindings: make(map[string]reflect.Value),
		types:    make(map[string]reflect.Type),
	}
}

// Bind binds a function under name. Rebinding an existing name requires the
// same function type.
func (s *Scope) Bind(name string, fn reflect.Value) error {
	if fn.Kind() != reflect.Func {
		return fmt.Errorf("cannot bind %s: expected a function, got %s", name, fn.Kind())
	}
	if fn.IsNil() {
		return fmt.Errorf("cannot bind %s: nil function", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bindings[name]; ok && existing.Type() != fn.Type() {
		return fmt.Errorf("cannot bind %s: type %s does not match bound type %s", name, fn.Type(), existing.Type())
	}
	s.bindings[name] = fn
	return nil
}

// Rebind replaces the implementation bound to an existing name.
func (s *Scope) Rebind(name string, fn reflect.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.bindings[name]
	if !ok {
		return fmt.Errorf("cannot rebind %s: not bound", name)
	}
	if fn.Kind() != reflect.Func || fn.Type() != existing.Type() {
		return fmt.Errorf("cannot rebind %s: type %s does not match bound type %s", name, fn.Type(), existing.Type())
	}
	s.bindings[name] = fn
	return nil
}

// BindType makes a named type visible to generated code.
func (s *Scope) BindType(name string, t reflect.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[name] = t
}

// Lookup returns the implementation currently bound to name.
func (s *Scope) Lookup(name string) (reflect.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.bindings[name]
	return fn, ok
}

// TypeOf returns the bound function type for name.
func (s *Scope) TypeOf(name string) (reflect.Type, bool) {
	fn, ok := s.Lookup(name)
	if !ok {
		return nil, false
	}
	return fn.Type(), true
}

// Names returns all bound function names, sorted.
func (s *Scope) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies the current bindings.
func (s *Scope) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Bindings: make(map[string]reflect.Value, len(s.bindings)),
		Types:    make(map[string]reflect.Type, len(s.types)),
	}
	for k, v := range s.bindings {
		snap.Bindings[k] = v
	}
	for k, v := range s.types {
		snap.Types[k] = v
	}
	return snap
}
