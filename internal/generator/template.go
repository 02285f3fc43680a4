package generator

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"ape/internal/logging"

	"github.com/fsnotify/fsnotify"
)

//go:embed default_prompt.md
var defaultPromptText string

var defaultPrompt = template.Must(template.New("default").Option("missingkey=error").Parse(defaultPromptText))

// DefaultTemplateText returns the built-in prompt template.
func DefaultTemplateText() string {
	return defaultPromptText
}

// TemplateSource loads the prompt template from a file, caching it until the
// file changes. A missing, unreadable or unparsable file yields the built-in
// default.
type TemplateSource struct {
	path string

	mu       sync.Mutex
	cached   *template.Template
	fallback bool // cached is the built-in default

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewTemplateSource creates a source for path. An empty path always uses the
// built-in default.
func NewTemplateSource(path string) *TemplateSource {
	return &TemplateSource{path: path}
}

// Path returns the configured template path.
func (s *TemplateSource) Path() string {
	return s.path
}

// Template returns the current template and whether it is the built-in
// default.
func (s *TemplateSource) Template() (*template.Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, s.fallback
	}
	s.cached, s.fallback = s.load()
	return s.cached, s.fallback
}

func (s *TemplateSource) load() (*template.Template, bool) {
	if s.path == "" {
		return defaultPrompt, true
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		logging.RepairDebug("prompt template %s unavailable, using default: %v", s.path, err)
		return defaultPrompt, true
	}
	tmpl, err := template.New(filepath.Base(s.path)).Option("missingkey=error").Parse(string(data))
	if err != nil {
		logging.RepairWarn("prompt template %s does not parse, using default: %v", s.path, err)
		return defaultPrompt, true
	}
	return tmpl, false
}

// Invalidate drops the cached template so the next call reloads it.
func (s *TemplateSource) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.fallback = false
	s.mu.Unlock()
}

// Watch starts an fsnotify watcher on the template's directory and
// invalidates the cache whenever the file is written, created, removed or
// renamed. It is a no-op when already watching or when no path is set.
func (s *TemplateSource) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.watcher = w
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, w, s.stopCh, s.doneCh)

	logging.RepairDebug("watching prompt template %s", s.path)
	return nil
}

func (s *TemplateSource) run(ctx context.Context, w *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logging.RepairDebug("prompt template %s changed (%s)", s.path, event.Op)
			s.Invalidate()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logging.RepairWarn("template watcher error: %v", err)
		}
	}
}

// Close stops the watcher, if any, and waits for its goroutine to exit.
func (s *TemplateSource) Close() error {
	s.mu.Lock()
	w, stopCh, doneCh := s.watcher, s.stopCh, s.doneCh
	s.watcher = nil
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	close(stopCh)
	<-doneCh
	return w.Close()
}
