// Package logging provides categorized logging for ape, backed by zap.
// Every subsystem logs through a named category logger. Until Initialize (or
// SetLogger) is called all loggers are no-ops, so library users that never
// configure logging see nothing.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Manager construction, config
	CategoryRepair    Category = "repair"    // Retry orchestrator transitions
	CategoryCollector Category = "collector" // Traceback parsing, source lookup
	CategoryAPI       Category = "api"       // Patch service calls
	CategoryHotSwap   Category = "hotswap"   // Interpreter loading and rebinding
	CategoryPatcher   Category = "patcher"   // Source file backup and splice
	CategoryJournal   Category = "journal"   // Repair history store
)

// Options configures the root zap logger.
type Options struct {
	Level      string // debug, info, warn, error
	JSONFormat bool
	File       string // empty = stderr
	Categories map[string]bool
}

// Logger wraps a named zap sugared logger for one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	rootMu     sync.RWMutex
	root       = zap.NewNop()
	categories map[string]bool

	loggersMu sync.Mutex
	loggers   = make(map[Category]*Logger)

	logFile *os.File
)

// Initialize builds the root logger from options.
// Should be called once at startup; later calls replace the root logger.
func Initialize(opts Options) error {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if opts.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.AddSync(os.Stderr)
	var file *os.File
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err = os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	SetLogger(zap.New(core))

	rootMu.Lock()
	categories = opts.Categories
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = file
	rootMu.Unlock()

	Get(CategoryBoot).Debug("logging initialized: level=%s json=%v file=%q", level, opts.JSONFormat, opts.File)
	return nil
}

// SetLogger installs an existing zap logger as the root (the CLI shares its
// own logger this way). Passing nil restores the no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	rootMu.Lock()
	root = l
	rootMu.Unlock()

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
}

// IsCategoryEnabled returns whether a specific category is enabled.
// Categories not listed are enabled.
func IsCategoryEnabled(category Category) bool {
	rootMu.RLock()
	defer rootMu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	return !exists || enabled
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	rootMu.RLock()
	base := root
	rootMu.RUnlock()

	l := &Logger{
		category: category,
		sugar:    base.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes buffered entries and closes the log file, if any.
func Sync() {
	rootMu.Lock()
	defer rootMu.Unlock()
	_ = root.Sync()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

func Repair(format string, args ...interface{})      { Get(CategoryRepair).Info(format, args...) }
func RepairDebug(format string, args ...interface{}) { Get(CategoryRepair).Debug(format, args...) }
func RepairWarn(format string, args ...interface{})  { Get(CategoryRepair).Warn(format, args...) }
func RepairError(format string, args ...interface{}) { Get(CategoryRepair).Error(format, args...) }

func CollectorDebug(format string, args ...interface{}) {
	Get(CategoryCollector).Debug(format, args...)
}

func API(format string, args ...interface{})      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }
func APIError(format string, args ...interface{}) { Get(CategoryAPI).Error(format, args...) }

func HotSwap(format string, args ...interface{})      { Get(CategoryHotSwap).Info(format, args...) }
func HotSwapDebug(format string, args ...interface{}) { Get(CategoryHotSwap).Debug(format, args...) }
func HotSwapWarn(format string, args ...interface{})  { Get(CategoryHotSwap).Warn(format, args...) }

func Patcher(format string, args ...interface{})      { Get(CategoryPatcher).Info(format, args...) }
func PatcherDebug(format string, args ...interface{}) { Get(CategoryPatcher).Debug(format, args...) }
func PatcherError(format string, args ...interface{}) { Get(CategoryPatcher).Error(format, args...) }

func JournalDebug(format string, args ...interface{}) { Get(CategoryJournal).Debug(format, args...) }
func JournalWarn(format string, args ...interface{})  { Get(CategoryJournal).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
