// Package hotswap replaces a managed function in the running process by
// interpreting replacement Go source with yaegi and rebinding the name in the
// scope.
//
// The candidate is evaluated in a fresh interpreter that sees the Go standard
// library plus a bridge package exposing every other binding of the scope, so
// replacement code can call the same helpers and use the same types as the
// original. Evaluation is not transactional: package-level initializers in a
// candidate run even when the swap is later rejected.
package hotswap

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ape/internal/logging"
	"ape/internal/registry"
	"ape/internal/scope"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const (
	bridgePath  = "apebind"
	bridgeAlias = "_ape"
	funcPrefix  = "F_"
	typePrefix  = "T_"
)

var packageClause = regexp.MustCompile(`(?m)^\s*package\s+\w+`)

// Stage names the step of Apply that failed.
type Stage string

const (
	StageParse    Stage = "parse"
	StageValidate Stage = "validate"
	StageEvaluate Stage = "evaluate"
	StageLookup   Stage = "lookup"
	StageType     Stage = "type"
	StageRebind   Stage = "rebind"
)

// Error is a failed hot-swap. The original binding is left intact.
type Error struct {
	Name  string
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hot-swap of %s failed at %s: %v", e.Name, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Engine evaluates replacement source and rebinds it.
type Engine struct {
	registry *registry.Registry
}

// New creates an engine that records swaps in reg. reg may be nil.
func New(reg *registry.Registry) *Engine {
	return &Engine{registry: reg}
}

// Apply compiles src, which must declare exactly one top-level function named
// name, and binds it to name in sc. The new implementation is returned.
func (e *Engine) Apply(name, src string, sc *scope.Scope) (impl reflect.Value, err error) {
	fail := func(stage Stage, err error) (reflect.Value, error) {
		logging.HotSwapWarn("hot-swap of %s rejected at %s: %v", name, stage, err)
		return reflect.Value{}, &Error{Name: name, Stage: stage, Err: err}
	}

	if strings.Contains(name, ".") || !token.IsIdentifier(name) {
		return fail(StageValidate, fmt.Errorf("%q is not a plain function name", name))
	}
	bound, ok := sc.TypeOf(name)
	if !ok {
		return fail(StageValidate, fmt.Errorf("%s is not bound in scope", name))
	}
	if e.registry != nil {
		if _, ok := e.registry.Lookup(name); !ok {
			return fail(StageValidate, fmt.Errorf("%s is not managed", name))
		}
	}

	cand, err := parseCandidate(src)
	if err != nil {
		return fail(StageParse, err)
	}
	if err := cand.validate(name); err != nil {
		return fail(StageValidate, err)
	}

	snap := sc.Snapshot()
	unit, exports := cand.compose(name, snap)
	logging.HotSwapDebug("evaluating %d-byte unit for %s", len(unit), name)

	fn, err := evaluate(unit, exports, name)
	if err != nil {
		return fail(StageEvaluate, err)
	}
	if fn.Kind() != reflect.Func {
		return fail(StageLookup, fmt.Errorf("%s is a %s, not a function", name, fn.Kind()))
	}
	if !fn.Type().ConvertibleTo(bound) {
		return fail(StageType, fmt.Errorf("replacement has type %s, want %s", fn.Type(), bound))
	}
	fn = fn.Convert(bound)

	if err := sc.Rebind(name, fn); err != nil {
		return fail(StageRebind, err)
	}
	if e.registry != nil {
		if err := e.registry.SetCurrent(name, fn, src); err != nil {
			logging.HotSwapWarn("rebound %s but registry update failed: %v", name, err)
		}
	}
	logging.HotSwap("hot-swapped %s", name)
	return fn, nil
}

// candidate is a parsed replacement unit.
type candidate struct {
	src      string
	file     *ast.File
	fset     *token.FileSet
	declared map[string]bool
}

func parseCandidate(src string) (*candidate, error) {
	text := src
	if !packageClause.MatchString(text) {
		text = "package main\n\n" + text
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "replacement.go", text, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}

	declared := make(map[string]bool)
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil {
				declared[d.Name.Name] = true
			}
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.ValueSpec:
					for _, n := range s.Names {
						declared[n.Name] = true
					}
				case *ast.TypeSpec:
					declared[s.Name.Name] = true
				}
			}
		}
	}
	return &candidate{src: text, file: file, fset: fset, declared: declared}, nil
}

// validate requires exactly one top-level function named name and only
// imports the interpreter provides.
func (c *candidate) validate(name string) error {
	var matches, funcs []string
	for _, decl := range c.file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Recv != nil {
			continue
		}
		funcs = append(funcs, fd.Name.Name)
		if fd.Name.Name == name {
			matches = append(matches, fd.Name.Name)
		}
	}
	switch {
	case len(matches) == 0 && len(funcs) == 0:
		return fmt.Errorf("replacement declares no function")
	case len(matches) == 0:
		return fmt.Errorf("replacement declares %s, not %s", strings.Join(funcs, ", "), name)
	case len(matches) > 1:
		return fmt.Errorf("replacement declares %s %d times", name, len(matches))
	}

	for _, imp := range c.file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return fmt.Errorf("bad import %s: %w", imp.Path.Value, err)
		}
		if !stdlibProvides(path) {
			return fmt.Errorf("import %q is not available to the interpreter", path)
		}
	}
	return nil
}

func stdlibProvides(path string) bool {
	base := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		base = path[idx+1:]
	}
	_, ok := stdlib.Symbols[path+"/"+base]
	return ok
}

// compose builds the unit to evaluate: package clause, the candidate's
// imports, bridge declarations for scope bindings the candidate does not
// declare itself, then the candidate's declarations.
func (c *candidate) compose(name string, snap scope.Snapshot) (string, interp.Exports) {
	var b strings.Builder
	b.WriteString("package main\n\n")

	for _, imp := range c.file.Imports {
		if imp.Name != nil {
			fmt.Fprintf(&b, "import %s %s\n", imp.Name.Name, imp.Path.Value)
		} else {
			fmt.Fprintf(&b, "import %s\n", imp.Path.Value)
		}
	}

	symbols := make(map[string]reflect.Value)
	var bridges []string

	for _, n := range sortedKeys(snap.Types) {
		if c.declared[n] || !token.IsIdentifier(n) {
			continue
		}
		t := snap.Types[n]
		symbols[typePrefix+n] = reflect.Zero(reflect.PointerTo(t))
		bridges = append(bridges, fmt.Sprintf("type %s = %s.%s%s", n, bridgeAlias, typePrefix, n))
	}
	for _, n := range sortedKeys(snap.Bindings) {
		if n == name || c.declared[n] || !token.IsIdentifier(n) {
			continue
		}
		symbols[funcPrefix+n] = snap.Bindings[n]
		bridges = append(bridges, fmt.Sprintf("var %s = %s.%s%s", n, bridgeAlias, funcPrefix, n))
	}

	var exports interp.Exports
	if len(bridges) > 0 {
		fmt.Fprintf(&b, "import %s %q\n", bridgeAlias, bridgePath)
		b.WriteString("\n")
		for _, line := range bridges {
			b.WriteString(line)
			b.WriteString("\n")
		}
		exports = interp.Exports{bridgePath + "/" + bridgePath: symbols}
	}
	b.WriteString("\n")

	// Everything after the imports, verbatim.
	for _, decl := range c.file.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			continue
		}
		offset := c.fset.Position(decl.Pos()).Offset
		b.WriteString(c.src[offset:])
		break
	}
	return b.String(), exports
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// evaluate runs unit in a fresh interpreter and fetches name from it.
func evaluate(unit string, exports interp.Exports, name string) (fn reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if exports != nil {
		if err := i.Use(exports); err != nil {
			return reflect.Value{}, fmt.Errorf("failed to load scope bridge: %w", err)
		}
	}

	if _, err := i.Eval(unit); err != nil {
		return reflect.Value{}, fmt.Errorf("code evaluation failed: %w", err)
	}

	v, err := i.Eval("main." + name)
	if err != nil {
		v, err = i.Eval(name)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%s not found after evaluation: %w", name, err)
		}
	}
	return v, nil
}
