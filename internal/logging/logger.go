// Package logging provides config-driven categorized logging for kernelbridge.
// Each category writes to its own file under the configured logs directory
// (or to stderr when no directory is set). Logging is off unless debug mode is
// enabled, in which case every Get returns a no-op logger for disabled
// categories.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup and shutdown
	CategoryKernel      Category = "kernel"      // Command correlation and submission lifecycle
	CategoryRouter      Category = "router"      // Event dispatch by token
	CategoryOutput      Category = "output"      // Output projection
	CategoryMapper      Category = "mapper"      // Connection registry
	CategoryChannel     Category = "channel"     // Kernel transport
	CategoryConfig      Category = "config"      // Configuration load and reload
	CategoryDiagnostics Category = "diagnostics" // Diagnostics debouncing
	CategoryCLI         Category = "cli"         // Command line front end
)

// AllCategories lists every category in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryBoot, CategoryKernel, CategoryRouter, CategoryOutput, CategoryMapper,
		CategoryChannel, CategoryConfig, CategoryDiagnostics, CategoryCLI,
	}
}

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	DebugMode  bool
	Level      string // debug, info, warn, error
	JSONFormat bool
	Directory  string // empty = stderr
	Categories map[string]bool
}

// Logger is a category logger. The zero value discards everything.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	files     []*os.File
	loggersMu sync.RWMutex

	opts   Options
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	optsMu sync.RWMutex
)

// Configure applies options and drops any cached loggers so the next Get
// picks up the new settings. It is safe to call again on config reload.
func Configure(o Options) error {
	lvl, err := parseLevel(o.Level)
	if err != nil {
		return err
	}

	if o.DebugMode && o.Directory != "" {
		if err := os.MkdirAll(o.Directory, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
	}

	CloseAll()

	optsMu.Lock()
	opts = o
	level.SetLevel(lvl)
	optsMu.Unlock()

	if o.DebugMode {
		boot := Get(CategoryBoot)
		boot.Info("logging configured: level=%s json=%v dir=%q", lvl, o.JSONFormat, o.Directory)
		if len(o.Categories) > 0 {
			names := make([]string, 0, len(o.Categories))
			for name, on := range o.Categories {
				if on {
					names = append(names, name)
				}
			}
			sort.Strings(names)
			boot.Debug("enabled categories: %v", names)
		}
	}
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// IsDebugMode returns whether logging is enabled at all.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
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

	optsMu.RLock()
	o := opts
	optsMu.RUnlock()

	sink, file, err := openSink(o.Directory, category)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: %v\n", err)
		return &Logger{category: category}
	}
	if file != nil {
		files = append(files, file)
	}

	core := zapcore.NewCore(newEncoder(o.JSONFormat), sink, level)
	l := &Logger{
		category: category,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

func openSink(dir string, category Category) (zapcore.WriteSyncer, *os.File, error) {
	if dir == "" {
		return zapcore.Lock(os.Stderr), nil, nil
	}
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open log file %s: %w", path, err)
	}
	return zapcore.AddSync(f), f, nil
}

func newEncoder(jsonFormat bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if jsonFormat {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
	for _, f := range files {
		_ = f.Close()
	}
	loggers = make(map[Category]*Logger)
	files = nil
}

// Enabled reports whether the logger writes anywhere.
func (l *Logger) Enabled() bool { return l.sugar != nil }

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

// StructuredLog writes a message with key-value fields at the given level.
func (l *Logger) StructuredLog(lvl string, msg string, fields map[string]interface{}) {
	if l.sugar == nil {
		return
	}
	kv := make([]interface{}, 0, len(fields)*2)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	switch lvl {
	case "debug":
		l.sugar.Debugw(msg, kv...)
	case "warn":
		l.sugar.Warnw(msg, kv...)
	case "error":
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// Kernel logs to the kernel category
func Kernel(format string, args ...interface{}) {
	Get(CategoryKernel).Info(format, args...)
}

// KernelDebug logs debug to the kernel category
func KernelDebug(format string, args ...interface{}) {
	Get(CategoryKernel).Debug(format, args...)
}

// RouterDebug logs debug to the router category
func RouterDebug(format string, args ...interface{}) {
	Get(CategoryRouter).Debug(format, args...)
}

// Mapper logs to the mapper category
func Mapper(format string, args ...interface{}) {
	Get(CategoryMapper).Info(format, args...)
}

// Channel logs to the channel category
func Channel(format string, args ...interface{}) {
	Get(CategoryChannel).Info(format, args...)
}

// ChannelWarn logs a warning to the channel category
func ChannelWarn(format string, args ...interface{}) {
	Get(CategoryChannel).Warn(format, args...)
}

// =============================================================================
// REQUEST-SCOPED LOGGING
// =============================================================================

// RequestLogger prefixes every message with a correlation token.
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]interface{}
}

// WithRequestID returns a logger bound to a submission token.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
	}
}

// WithField returns a copy carrying an extra field.
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	fields := make(map[string]interface{}, len(r.fields)+1)
	for k, v := range r.fields {
		fields[k] = v
	}
	fields[key] = value
	return &RequestLogger{logger: r.logger, requestID: r.requestID, fields: fields}
}

func (r *RequestLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) == 0 {
		return fmt.Sprintf("[%s] %s", r.requestID, msg)
	}
	return fmt.Sprintf("[%s] %s | %v", r.requestID, msg, r.fields)
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	if !r.logger.Enabled() {
		return
	}
	r.logger.Debug("%s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	if !r.logger.Enabled() {
		return
	}
	r.logger.Info("%s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	if !r.logger.Enabled() {
		return
	}
	r.logger.Warn("%s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	if !r.logger.Enabled() {
		return
	}
	r.logger.Error("%s", r.formatMsg(format, args...))
}

// =============================================================================
// TIMING
// =============================================================================

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold warns when the operation took longer than threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
