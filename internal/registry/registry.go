// Package registry records which functions are under repair management.
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"ape/internal/source"
)

// Record describes one managed function. Records are never removed.
type Record struct {
	Name          string
	Original      reflect.Value
	Current       reflect.Value
	CurrentSource string // replacement text after a hot-swap, empty before
	Location      source.Location
	RegisteredAt  time.Time
	Swaps         int
}

// Swapped reports whether the function has been hot-swapped at least once.
func (r Record) Swapped() bool {
	return r.Swaps > 0
}

// Registry maps function names to their records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Register inserts a record for name. If name is already managed the existing
// record is returned unchanged with inserted=false.
func (r *Registry) Register(name string, original reflect.Value, loc source.Location) (rec Record, inserted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[name]; ok {
		return *existing, false
	}
	record := &Record{
		Name:         name,
		Original:     original,
		Current:      original,
		Location:     loc,
		RegisteredAt: time.Now(),
	}
	r.records[name] = record
	return *record, true
}

// Lookup returns a copy of the record for name.
func (r *Registry) Lookup(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ListAll returns a snapshot of name -> original implementation.
func (r *Registry) ListAll() map[string]reflect.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]reflect.Value, len(r.records))
	for name, rec := range r.records {
		out[name] = rec.Original
	}
	return out
}

// SetCurrent records a successful hot-swap.
func (r *Registry) SetCurrent(name string, impl reflect.Value, src string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("function %s is not managed", name)
	}
	rec.Current = impl
	rec.CurrentSource = src
	rec.Swaps++
	return nil
}

// Names returns the managed names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of managed functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
