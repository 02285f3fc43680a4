package ape

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"ape/internal/logging"
	"ape/internal/source"
)

var anonymousFunc = regexp.MustCompile(`\.(func|gowrap|deferwrap)\d+(\.\d+)*$`)

type manageOptions struct {
	name string
	file string
}

// ManageOption configures one managed function.
type ManageOption func(*manageOptions)

// WithName sets the name the function is managed under. Required for
// anonymous functions.
func WithName(name string) ManageOption {
	return func(o *manageOptions) { o.name = name }
}

// WithSourceFile sets the file holding the function's declaration, for
// binaries built with -trimpath or run away from their sources.
func WithSourceFile(path string) ManageOption {
	return func(o *manageOptions) { o.file = path }
}

// Manage is Register that panics on error. See Register for what a failing
// call returns.
func Manage[F any](m *Manager, fn F, opts ...ManageOption) F {
	wrapped, err := Register(m, fn, opts...)
	if err != nil {
		panic(err)
	}
	return wrapped
}

// Register puts fn under repair management and returns a function of the
// same type that runs the repair loop. Registering a name twice keeps the
// first record.
//
// When no repair succeeds, the caller receives the failure of the first
// attempt, not of a later retry: fn's own results when it returned an error,
// or a re-panic with its original value. Retry failures are reported as
// StateFailed events.
func Register[F any](m *Manager, fn F, opts ...ManageOption) (F, error) {
	var zero F
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return zero, fmt.Errorf("ape: cannot manage %T: not a function", fn)
	}
	if v.IsNil() {
		return zero, fmt.Errorf("ape: cannot manage a nil function")
	}

	var o manageOptions
	for _, opt := range opts {
		opt(&o)
	}

	loc, err := source.LocationOf(v)
	if err != nil {
		logging.BootWarn("no location for managed function: %v", err)
	}
	if strings.HasPrefix(loc.File, "<") {
		// Compiler-generated wrappers such as method values.
		loc.File, loc.Line = "", 0
	}
	if o.file != "" {
		loc.File = o.file
	}

	name := o.name
	if name == "" {
		if loc.QualifiedName == "" || anonymousFunc.MatchString(strings.TrimSuffix(loc.QualifiedName, "-fm")) {
			return zero, fmt.Errorf("ape: cannot derive a name for %s; use WithName", v.Type())
		}
		name = source.ShortName(loc.QualifiedName)
	}

	rec, inserted := m.registry.Register(name, v, loc)
	if inserted {
		if err := m.scope.Bind(name, v); err != nil {
			return zero, fmt.Errorf("ape: %w", err)
		}
		m.sources.Register(name, loc)
		logging.Boot("managing %s (%s:%d)", name, loc.File, loc.Line)
	} else if rec.Original.Type() != v.Type() {
		return zero, fmt.Errorf("ape: %s is already managed with type %s", name, rec.Original.Type())
	}

	wrapper := reflect.MakeFunc(v.Type(), func(args []reflect.Value) []reflect.Value {
		return m.invoke(name, v, args)
	})
	return wrapper.Interface().(F), nil
}
