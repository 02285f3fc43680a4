// Package ape makes selected functions self-healing. A managed function that
// panics or returns a non-nil error is diagnosed, a replacement is requested
// from a code-generation service, and the replacement is either hot-swapped
// into the running process or written to the defining source file. The call
// is then retried a bounded number of times.
//
//	m, err := ape.NewManagerFromEnv()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.Close()
//	fetch := ape.Manage(m, fetchData)
package ape

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"ape/internal/config"
	"ape/internal/fault"
	"ape/internal/generator"
	"ape/internal/hotswap"
	"ape/internal/journal"
	"ape/internal/logging"
	"ape/internal/registry"
	"ape/internal/scope"
	"ape/internal/source"

	"golang.org/x/sync/singleflight"
)

// Config is the manager configuration.
type Config = config.Config

// Mode selects what happens to a replacement.
type Mode = config.Mode

const (
	// Automatic hot-swaps replacements, falling back to patching the source.
	Automatic = config.ModeAutomatic
	// Supervised only shows replacements; nothing is changed.
	Supervised = config.ModeSupervised
)

// Client sends a prompt to the code-generation service.
type Client = generator.Client

// DefaultConfig returns the default configuration. The endpoint and API key
// must still be set.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// Manager owns the managed functions of a process.
type Manager struct {
	cfg        *config.Config
	mode       Mode
	maxRetries int
	timeout    time.Duration

	registry  *registry.Registry
	scope     *scope.Scope
	sources   *source.Map
	collector *fault.Collector
	generator *generator.Generator
	templates *generator.TemplateSource
	engine    *hotswap.Engine
	journal   *journal.Store
	reporter  Reporter

	repairs singleflight.Group
}

type options struct {
	logging       bool
	reporter      Reporter
	client        Client
	journalPath   string
	journalDriver string
}

// Option configures a Manager.
type Option func(*options)

// WithReporter receives every state transition. The default writes to
// stderr.
func WithReporter(r Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithLogging initializes the package loggers from the logging section of
// the configuration. Without it ape logs nothing.
func WithLogging() Option {
	return func(o *options) { o.logging = true }
}

// WithClient replaces the HTTP client used to reach the patch service.
func WithClient(c Client) Option {
	return func(o *options) { o.client = c }
}

// WithJournal records repairs in the SQLite database at path, overriding
// the journal configuration. driver is "sqlite3" or "sqlite".
func WithJournal(path, driver string) Option {
	return func(o *options) {
		o.journalPath = path
		o.journalDriver = driver
	}
}

// NewManagerFromEnv loads the configuration file named by APE_CONFIG (or
// the default path) with environment overrides and creates a manager.
func NewManagerFromEnv(opts ...Option) (*Manager, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	return NewManager(cfg, opts...)
}

// NewManager validates cfg and creates a manager. A missing endpoint or
// credential is a *config.Error.
func NewManager(cfg *Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.logging {
		if err := logging.Initialize(logging.Options{
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.IsJSON(),
			File:       cfg.Logging.File,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return nil, err
		}
	}

	mode, modeErr := cfg.ResolveMode()

	m := &Manager{
		cfg:        cfg,
		mode:       mode,
		maxRetries: cfg.Repair.MaxRetries,
		timeout:    cfg.GetLLMTimeout(),
		registry:   registry.New(),
		scope:      scope.New(),
		sources:    source.NewMap(),
		reporter:   o.reporter,
	}
	if m.reporter == nil {
		m.reporter = NewConsole(nil)
	}
	if modeErr != nil {
		reason := fmt.Sprintf("%v; using %s mode", modeErr, mode)
		logging.BootWarn("%s", reason)
		m.report(Event{State: StateWarning, Reason: reason})
	}
	m.collector = fault.NewCollector(fault.ResolverFunc(m.sourceOf))
	m.engine = hotswap.New(m.registry)

	m.templates = generator.NewTemplateSource(cfg.Repair.PromptPath)
	if cfg.Repair.WatchPrompt {
		if err := m.templates.Watch(context.Background()); err != nil {
			logging.BootWarn("prompt template will not be reloaded: %v", err)
		}
	}
	client := o.client
	if client == nil {
		client = generator.NewHTTPClient(cfg.LLM, m.timeout)
	}
	m.generator = generator.New(client, m.templates)

	journalPath, driver := o.journalPath, o.journalDriver
	if journalPath == "" && cfg.Journal.Enabled {
		journalPath, driver = cfg.Journal.Path, cfg.Journal.Driver
	}
	if journalPath != "" {
		j, err := journal.Open(journalPath, driver)
		if err != nil {
			m.templates.Close()
			return nil, fmt.Errorf("failed to open repair journal: %w", err)
		}
		m.journal = j
	}

	logging.Boot("manager ready: model=%s mode=%s max_retries=%d", cfg.LLM.Model, mode, m.maxRetries)
	return m, nil
}

// Close stops the template watcher and closes the journal.
func (m *Manager) Close() error {
	var firstErr error
	if err := m.templates.Close(); err != nil {
		firstErr = err
	}
	if m.journal != nil {
		if err := m.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Mode returns the operation mode fixed at construction.
func (m *Manager) Mode() Mode {
	return m.mode
}

// Bind exposes a helper function to replacement code under name. Managed
// functions are bound automatically.
func (m *Manager) Bind(name string, fn any) error {
	return m.scope.Bind(name, reflect.ValueOf(fn))
}

// BindType exposes the type of sample to replacement code under name.
func (m *Manager) BindType(name string, sample any) {
	m.scope.BindType(name, reflect.TypeOf(sample))
}

// ManagedFunctions returns every managed name with its original
// implementation. The map is a copy.
func (m *Manager) ManagedFunctions() map[string]any {
	all := m.registry.ListAll()
	out := make(map[string]any, len(all))
	for name, fn := range all {
		out[name] = fn.Interface()
	}
	return out
}

// Status is a read-only snapshot of the manager.
type Status struct {
	Endpoint         string
	Model            string
	Mode             Mode
	MaxRetries       int
	TemplatePath     string
	TemplateFallback bool // the built-in template is in use
	Journal          string
	ManagedCount     int
	ManagedFunctions []string
	Swapped          []string
}

// Status reports the manager's configuration and managed functions.
func (m *Manager) Status() Status {
	_, fallback := m.templates.Template()
	names := m.registry.Names()
	var swapped []string
	for _, name := range names {
		if rec, ok := m.registry.Lookup(name); ok && rec.Swapped() {
			swapped = append(swapped, name)
		}
	}
	st := Status{
		Endpoint:         m.cfg.LLM.Endpoint,
		Model:            m.cfg.LLM.Model,
		Mode:             m.mode,
		MaxRetries:       m.maxRetries,
		TemplatePath:     m.templates.Path(),
		TemplateFallback: fallback,
		ManagedCount:     len(names),
		ManagedFunctions: names,
		Swapped:          swapped,
	}
	if m.journal != nil {
		st.Journal = m.journal.Path()
	}
	return st
}

// sourceOf resolves the current source text of name: the replacement text
// after a hot-swap, otherwise the declaration in its defining file.
func (m *Manager) sourceOf(ctx context.Context, name string) (string, error) {
	if rec, ok := m.registry.Lookup(name); ok && rec.Swapped() {
		return rec.CurrentSource, nil
	}
	return m.sources.Source(ctx, name)
}
