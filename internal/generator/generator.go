// Package generator builds the repair prompt from a fault context, sends it
// to the code-generation service and extracts the replacement source.
package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"ape/internal/fault"
	"ape/internal/logging"
)

var (
	// ErrSourceUnavailable means the failed function's own source could not
	// be retrieved, so no request is sent.
	ErrSourceUnavailable = errors.New("source of failed function is unavailable")
	// ErrEmptyPatch means the reply contained no code.
	ErrEmptyPatch = errors.New("reply contained no code")
)

// Request holds the values substituted into the prompt template.
type Request struct {
	ErrorInfo            string
	FailedFunctionSource string
	ContextSection       string
}

// BuildRequest derives the template values from a fault context.
func BuildRequest(fc *fault.Context) (Request, error) {
	src, ok := fc.FailedSource()
	if !ok {
		return Request{}, ErrSourceUnavailable
	}
	return Request{
		ErrorInfo:            fmt.Sprintf("Function: %s\nError: %s\nFull Traceback:\n%s", fc.FailedFunction, fc.ErrorMessage, fc.Traceback),
		FailedFunctionSource: src,
		ContextSection:       contextSection(fc),
	}, nil
}

func contextSection(fc *fault.Context) string {
	names := make([]string, 0, len(fc.ContextSources))
	for name := range fc.ContextSources {
		if name != fc.FailedFunction {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("\nCONTEXT FUNCTIONS (from call stack):\n")
	for _, name := range names {
		fmt.Fprintf(&b, "\n--- %s() ---\n```go\n%s\n```\n", name, fc.ContextSources[name])
	}
	return b.String()
}

// Generator turns fault contexts into replacement source.
type Generator struct {
	client    Client
	templates *TemplateSource
}

// New creates a generator.
func New(client Client, templates *TemplateSource) *Generator {
	if templates == nil {
		templates = NewTemplateSource("")
	}
	return &Generator{client: client, templates: templates}
}

// Templates returns the template source in use.
func (g *Generator) Templates() *TemplateSource {
	return g.templates
}

// Prompt renders the prompt for req. A configured template that fails to
// execute falls back to the built-in default.
func (g *Generator) Prompt(req Request) (string, error) {
	tmpl, fallback := g.templates.Template()
	out, err := render(tmpl, req)
	if err == nil || fallback {
		return out, err
	}
	logging.RepairWarn("prompt template %s failed to render, using default: %v", g.templates.Path(), err)
	return render(defaultPrompt, req)
}

func render(tmpl *template.Template, req Request) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

// RequestFix asks the service for a replacement of the failed function and
// returns the extracted code. Every failure is returned as an error for the
// caller to treat as a declined repair.
func (g *Generator) RequestFix(ctx context.Context, fc *fault.Context) (string, error) {
	req, err := BuildRequest(fc)
	if err != nil {
		return "", err
	}
	prompt, err := g.Prompt(req)
	if err != nil {
		return "", err
	}
	reply, err := g.client.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	code := ExtractCode(reply)
	if strings.TrimSpace(code) == "" {
		return "", ErrEmptyPatch
	}
	logging.RepairDebug("extracted %d bytes of replacement code for %s", len(code), fc.FailedFunction)
	return code, nil
}

// ExtractCode returns the body of the first fenced code block in reply, or
// the reply unchanged when it has no fence. A fence closed on its opening
// line yields the text between the backticks. An unterminated fence runs to
// the end of the reply.
func ExtractCode(reply string) string {
	idx := strings.Index(reply, "```")
	if idx < 0 {
		return reply
	}
	rest := reply[idx+3:]
	nl := strings.Index(rest, "\n")
	firstLine := rest
	if nl >= 0 {
		firstLine = rest[:nl]
	}
	if end := strings.Index(firstLine, "```"); end >= 0 {
		return strings.TrimSpace(firstLine[:end])
	}
	// Skip the info string (language tag).
	if nl < 0 {
		return ""
	}
	rest = rest[nl+1:]
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
