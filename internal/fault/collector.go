package fault

import (
	"context"
	"fmt"
	"strings"

	"ape/internal/logging"
	"ape/internal/source"
)

// PlaceholderPrefix starts the text recorded for a function whose source
// could not be retrieved.
const PlaceholderPrefix = "// source unavailable: "

// Placeholder builds the placeholder text for an unavailable source.
func Placeholder(reason error) string {
	return PlaceholderPrefix + reason.Error()
}

// IsPlaceholder reports whether src is a placeholder rather than real source.
func IsPlaceholder(src string) bool {
	return strings.HasPrefix(src, PlaceholderPrefix)
}

// Context is everything known about one failure.
type Context struct {
	FailedFunction string
	ErrorMessage   string
	Traceback      string
	StackFunctions []string          // sorted, de-duplicated
	ContextSources map[string]string // name -> source or placeholder
}

// FailedSource returns the source of the failed function, if it was
// retrieved.
func (c *Context) FailedSource() (string, bool) {
	src, ok := c.ContextSources[c.FailedFunction]
	if !ok || IsPlaceholder(src) {
		return "", false
	}
	return src, true
}

// Resolver returns the current source text of a function name.
type Resolver interface {
	Source(ctx context.Context, name string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, name string) (string, error)

// Source implements Resolver.
func (f ResolverFunc) Source(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// Collector builds a Context from a traceback.
type Collector struct {
	resolver Resolver
	ignore   []string
}

// NewCollector creates a collector backed by resolver. A nil resolver makes
// every lookup fall back to the frame's own file.
func NewCollector(resolver Resolver) *Collector {
	return &Collector{resolver: resolver, ignore: DefaultIgnore}
}

// WithIgnore replaces the ignore prefixes.
func (c *Collector) WithIgnore(prefixes []string) *Collector {
	c.ignore = prefixes
	return c
}

// Collect gathers the context for failed. Names that cannot be resolved are
// kept with a placeholder. The failed function is always present in
// ContextSources, even when its frame is missing from the trace.
func (c *Collector) Collect(ctx context.Context, failed, message, traceback string) *Context {
	frames := ParseFrames(traceback)
	names := extractNames(frames, c.ignore)

	files := make(map[string]string)
	for _, f := range frames {
		if _, ok := files[f.Name]; !ok && f.File != "" {
			files[f.Name] = f.File
		}
	}

	fc := &Context{
		FailedFunction: failed,
		ErrorMessage:   message,
		Traceback:      traceback,
		StackFunctions: names,
		ContextSources: make(map[string]string, len(names)+1),
	}

	for _, name := range names {
		fc.ContextSources[name] = c.sourceOf(ctx, name, files[name])
	}
	if _, ok := fc.ContextSources[failed]; !ok {
		fc.ContextSources[failed] = c.sourceOf(ctx, failed, files[failed])
	}

	logging.CollectorDebug("collected %d context functions for %s", len(fc.ContextSources), failed)
	return fc
}

func (c *Collector) sourceOf(ctx context.Context, name, file string) string {
	var errs []string
	if c.resolver != nil {
		src, err := c.resolver.Source(ctx, name)
		if err == nil && src != "" {
			return src
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if file != "" {
		src, err := source.ExtractFile(ctx, file, name)
		if err == nil {
			return src
		}
		errs = append(errs, err.Error())
	}
	if len(errs) == 0 {
		errs = append(errs, "no resolver or frame location")
	}
	logging.CollectorDebug("source of %s unavailable: %s", name, strings.Join(errs, "; "))
	return Placeholder(fmt.Errorf("%s", strings.Join(errs, "; ")))
}
