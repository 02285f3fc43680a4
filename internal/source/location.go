package source

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Location records where a function is defined.
type Location struct {
	File          string // absolute path as recorded in the binary
	Line          int
	QualifiedName string // e.g. "main.processData" or "pkg.(*T).Run"
}

// IsZero reports whether the location is unknown.
func (l Location) IsZero() bool {
	return l.File == ""
}

// LocationOf resolves the defining file of a function value.
func LocationOf(fn reflect.Value) (Location, error) {
	if fn.Kind() != reflect.Func {
		return Location{}, fmt.Errorf("expected a function, got %s", fn.Kind())
	}
	if fn.IsNil() {
		return Location{}, fmt.Errorf("nil function")
	}
	f := runtime.FuncForPC(fn.Pointer())
	if f == nil {
		return Location{}, fmt.Errorf("no runtime information for function")
	}
	file, line := f.FileLine(f.Entry())
	return Location{File: file, Line: line, QualifiedName: f.Name()}, nil
}

// ShortName turns a runtime function name into the name used for lookups:
// "github.com/x/y.process" -> "process", "main.(*Store).Get" -> "Store.Get".
// Closures ("main.main.func1") fold into their enclosing function.
func ShortName(qualified string) string {
	name := strings.ReplaceAll(qualified, "[...]", "")
	// Method values: "main.(*Store).Get-fm".
	name = strings.TrimSuffix(name, "-fm")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	// Drop the package qualifier.
	if idx := strings.Index(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	parts := strings.Split(name, ".")
	kept := parts[:0]
	for _, p := range parts {
		if isClosureSegment(p) {
			break
		}
		p = strings.TrimPrefix(p, "(*")
		p = strings.TrimPrefix(p, "(")
		p = strings.TrimSuffix(p, ")")
		if idx := strings.Index(p, "["); idx >= 0 {
			p = p[:idx]
		}
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}

func isClosureSegment(seg string) bool {
	for _, prefix := range []string{"func", "gowrap", "deferwrap"} {
		if rest, ok := strings.CutPrefix(seg, prefix); ok && rest != "" && isDigits(rest) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Map remembers the defining location of every registered function, so source
// text can be retrieved later without walking the call stack.
type Map struct {
	mu        sync.RWMutex
	locations map[string]Location
}

// NewMap creates an empty source map.
func NewMap() *Map {
	return &Map{locations: make(map[string]Location)}
}

// Register records the location for name, replacing any previous entry.
func (m *Map) Register(name string, loc Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[name] = loc
}

// Lookup returns the location recorded for name.
func (m *Map) Lookup(name string) (Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[name]
	return loc, ok
}

// Names returns all registered names, sorted.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.locations))
	for name := range m.locations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source reads the current on-disk source text of name.
func (m *Map) Source(ctx context.Context, name string) (string, error) {
	loc, ok := m.Lookup(name)
	if !ok {
		return "", fmt.Errorf("no location recorded for %s", name)
	}
	if loc.IsZero() {
		return "", fmt.Errorf("defining file of %s is unknown", name)
	}
	return ExtractFile(ctx, loc.File, name)
}
