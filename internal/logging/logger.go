// Package logging provides config-driven categorized logging on top of zap.
// Each category gets its own named sugared logger sharing one core.
// Logging is controlled by DebugMode - when false, every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryConfig    Category = "config"    // Config load and hot reload
	CategoryDecision  Category = "decision"  // Decision engine and strategies
	CategoryEthics    Category = "ethics"    // Ethical screening
	CategoryPlanner   Category = "planner"   // HTN / STRIPS / POP planning
	CategoryExecution Category = "execution" // Execution controller
	CategoryMonitor   Category = "monitor"   // Plan monitor loop
	CategoryStore     Category = "store"     // Decision history and plan tables
	CategoryBus       Category = "bus"       // Event bus
	CategoryLearning  Category = "learning"  // Learning feedback delivery
	CategoryKernel    Category = "kernel"    // Mangle rule evaluation
	CategoryAudit     Category = "audit"     // Mangle-queryable audit facts
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	DebugMode  bool
	Level      string          // debug, info, warn, error
	JSONFormat bool            // JSON encoder instead of console
	File       string          // empty = stderr
	Categories map[string]bool // per-category toggles, missing = enabled
}

// Logger wraps a category-named zap sugared logger.
// A nil sugar makes every method a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	config   Config
	configMu sync.RWMutex

	base    *zap.Logger
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logFile *os.File
)

// Initialize builds the shared zap core from cfg. It may be called again to
// reconfigure; existing category loggers are discarded.
func Initialize(cfg Config) error {
	if !cfg.DebugMode {
		reset(cfg, nil, nil)
		return nil
	}

	var sink zapcore.WriteSyncer
	var file *os.File
	if cfg.File == "" {
		sink = zapcore.Lock(os.Stderr)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		file = f
		sink = zapcore.AddSync(f)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level.SetLevel(parseLevel(cfg.Level))
	core := zapcore.NewCore(enc, sink, level)
	reset(cfg, zap.New(core), file)

	boot := Get(CategoryBoot)
	boot.Info("logging initialized (level=%s json=%v file=%q)", cfg.Level, cfg.JSONFormat, cfg.File)
	if len(cfg.Categories) > 0 {
		enabled := 0
		for cat, on := range cfg.Categories {
			if on {
				enabled++
			}
			boot.Debug("category '%s': %v", cat, on)
		}
		boot.Info("enabled categories: %d/%d", enabled, len(cfg.Categories))
	}
	return nil
}

// InitializeWithCore installs an externally built core (used by tests with
// zaptest/observer). Debug mode is forced on.
func InitializeWithCore(core zapcore.Core, cfg Config) {
	cfg.DebugMode = true
	level.SetLevel(parseLevel(cfg.Level))
	reset(cfg, zap.New(core), nil)
}

func reset(cfg Config, l *zap.Logger, file *os.File) {
	CloseAll()
	configMu.Lock()
	config = cfg
	base = l
	logFile = file
	configMu.Unlock()
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel changes the level of every category at runtime.
func SetLevel(s string) {
	level.SetLevel(parseLevel(s))
}

// IsDebugMode returns whether logging is enabled at all
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode && base != nil
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode || base == nil {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	configMu.RLock()
	b := base
	configMu.RUnlock()
	if b == nil {
		return &Logger{category: category}
	}

	l := &Logger{category: category, sugar: b.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a child logger carrying structured key-value fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// StructuredLog writes a message with explicit fields at the given level.
func (l *Logger) StructuredLog(lvl string, msg string, fields map[string]interface{}) {
	if l.sugar == nil {
		return
	}
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch parseLevel(lvl) {
	case zapcore.DebugLevel:
		l.sugar.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		l.sugar.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// CloseAll flushes and drops all category loggers (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()

	configMu.Lock()
	defer configMu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// Decision logs to the decision category
func Decision(format string, args ...interface{}) { Get(CategoryDecision).Info(format, args...) }

// DecisionDebug logs debug to the decision category
func DecisionDebug(format string, args ...interface{}) { Get(CategoryDecision).Debug(format, args...) }

// DecisionWarn logs a warning to the decision category
func DecisionWarn(format string, args ...interface{}) { Get(CategoryDecision).Warn(format, args...) }

// Ethics logs to the ethics category
func Ethics(format string, args ...interface{}) { Get(CategoryEthics).Info(format, args...) }

// EthicsDebug logs debug to the ethics category
func EthicsDebug(format string, args ...interface{}) { Get(CategoryEthics).Debug(format, args...) }

// Planner logs to the planner category
func Planner(format string, args ...interface{}) { Get(CategoryPlanner).Info(format, args...) }

// PlannerDebug logs debug to the planner category
func PlannerDebug(format string, args ...interface{}) { Get(CategoryPlanner).Debug(format, args...) }

// PlannerWarn logs a warning to the planner category
func PlannerWarn(format string, args ...interface{}) { Get(CategoryPlanner).Warn(format, args...) }

// Execution logs to the execution category
func Execution(format string, args ...interface{}) { Get(CategoryExecution).Info(format, args...) }

// ExecutionDebug logs debug to the execution category
func ExecutionDebug(format string, args ...interface{}) {
	Get(CategoryExecution).Debug(format, args...)
}

// ExecutionWarn logs a warning to the execution category
func ExecutionWarn(format string, args ...interface{}) { Get(CategoryExecution).Warn(format, args...) }

// ExecutionError logs an error to the execution category
func ExecutionError(format string, args ...interface{}) {
	Get(CategoryExecution).Error(format, args...)
}

// Monitor logs to the monitor category
func Monitor(format string, args ...interface{}) { Get(CategoryMonitor).Info(format, args...) }

// MonitorDebug logs debug to the monitor category
func MonitorDebug(format string, args ...interface{}) { Get(CategoryMonitor).Debug(format, args...) }

// MonitorWarn logs a warning to the monitor category
func MonitorWarn(format string, args ...interface{}) { Get(CategoryMonitor).Warn(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// StoreError logs an error to the store category
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

// Learning logs to the learning category
func Learning(format string, args ...interface{}) { Get(CategoryLearning).Info(format, args...) }

// LearningWarn logs a warning to the learning category
func LearningWarn(format string, args ...interface{}) { Get(CategoryLearning).Warn(format, args...) }

// KernelDebug logs debug to the kernel category
func KernelDebug(format string, args ...interface{}) { Get(CategoryKernel).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS - For performance logging
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

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
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
