// Package logging provides a category-based logging facade for chorus.
// Every subsystem logs through a named category so operators can raise or
// lower verbosity per concern. The facade is backed by a shared zap core;
// callers use printf-style helpers and never touch zap directly.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, config load, shutdown
	CategoryChannel      Category = "channel"      // Normalize/Render adapter activity
	CategoryOrchestrator Category = "orchestrator" // Turn state machine transitions
	CategoryClassify     Category = "classify"     // Intent classification
	CategoryRegistry     Category = "registry"     // Worker resolution and invocation
	CategoryCompiler     Category = "compiler"     // Response compilation
	CategoryStore        Category = "store"        // Session/user context persistence
	CategoryWorkers      Category = "workers"      // Individual worker outcomes
)

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[Category]*Logger)
	enabled map[string]bool // nil means all categories enabled
)

// Options controls facade initialization.
type Options struct {
	Level      string          // debug, info, warn, error (default info)
	JSONFormat bool            // structured JSON output instead of console
	Categories map[string]bool // per-category enable/disable; nil enables all
}

// Initialize builds the shared zap core. Safe to call more than once; the
// last call wins. Call Sync before process exit.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	switch opts.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info", "":
		level = zapcore.InfoLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level: %q", opts.Level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if !opts.JSONFormat {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	built, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	root = built
	enabled = opts.Categories
	loggers = make(map[Category]*Logger)
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// IsCategoryEnabled reports whether a category emits log output.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if enabled == nil {
		return true
	}
	on, ok := enabled[string(category)]
	if !ok {
		return true
	}
	return on
}

// Get returns (or creates) the logger for a category. Returns a no-op logger
// when the facade is uninitialized or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	r := root
	mu.RUnlock()

	if r == nil {
		return &Logger{category: category}
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    r.Sugar().Named(string(category)),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// =============================================================================
// CATEGORY CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category at info level.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs to the boot category at debug level.
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// Channel logs to the channel category at info level.
func Channel(format string, args ...interface{}) { Get(CategoryChannel).Info(format, args...) }

// ChannelDebug logs to the channel category at debug level.
func ChannelDebug(format string, args ...interface{}) { Get(CategoryChannel).Debug(format, args...) }

// Orchestrator logs to the orchestrator category at info level.
func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Info(format, args...)
}

// OrchestratorDebug logs to the orchestrator category at debug level.
func OrchestratorDebug(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Debug(format, args...)
}

// Classify logs to the classify category at info level.
func Classify(format string, args ...interface{}) { Get(CategoryClassify).Info(format, args...) }

// ClassifyDebug logs to the classify category at debug level.
func ClassifyDebug(format string, args ...interface{}) {
	Get(CategoryClassify).Debug(format, args...)
}

// Registry logs to the registry category at info level.
func Registry(format string, args ...interface{}) { Get(CategoryRegistry).Info(format, args...) }

// RegistryDebug logs to the registry category at debug level.
func RegistryDebug(format string, args ...interface{}) {
	Get(CategoryRegistry).Debug(format, args...)
}

// Compiler logs to the compiler category at info level.
func Compiler(format string, args ...interface{}) { Get(CategoryCompiler).Info(format, args...) }

// CompilerDebug logs to the compiler category at debug level.
func CompilerDebug(format string, args ...interface{}) {
	Get(CategoryCompiler).Debug(format, args...)
}

// Store logs to the store category at info level.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs to the store category at debug level.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Workers logs to the workers category at info level.
func Workers(format string, args ...interface{}) { Get(CategoryWorkers).Info(format, args...) }

// WorkersDebug logs to the workers category at debug level.
func WorkersDebug(format string, args ...interface{}) {
	Get(CategoryWorkers).Debug(format, args...)
}

// =============================================================================
// PERFORMANCE TIMING
// =============================================================================

// Timer measures one operation and logs its duration on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop ends the timer and logs the elapsed time at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %v", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when elapsed exceeds the threshold,
// debug otherwise. Used to surface slow turns and slow workers.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold %v)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s took %v", t.operation, elapsed)
	}
	return elapsed
}
