// Package logging provides structured logging for the CI scan engine.
//
// Design Philosophy
//
// This package provides a simple structured logging API optimized for
// incident-time debuggability of long-running scan batches. It prioritizes
// explicit, boring Go over clever abstractions.
//
// The logger supports multiple log levels (DEBUG, INFO, WARN, ERROR, FATAL)
// and structured logging with key-value fields for better observability.
//
// Basic Usage
//
// Initialize the logger at application startup:
//
//	logging.Initialize("info")
//
// Get a named logger for your component:
//
//	logger := logging.GetLogger("coordinator")
//	logger.Info("batch started")
//	logger.Info("workers: %d", 8)
//
// Structured Logging (Recommended)
//
// Use structured fields for better searchability and analysis. The
// logging package's own field constructors (BuildField, PatternField,
// ScanField, StepField, MatchCountField) cover the vocabulary the scan
// engine logs most often:
//
//	logger.InfoWithFields("build visited",
//	    logging.BuildField(buildNum),
//	    logging.StepField(stepName),
//	    logging.MatchCountField(len(matches)),
//	)
//
// Context Logger
//
// Create child loggers with persistent fields for batch/build context:
//
//	buildLogger := logger.
//	    WithField("build_num", buildNum).
//	    WithField("step", stepName)
//
//	buildLogger.Info("fetching log")
//	buildLogger.Info("running matcher")
//	// All logs automatically include build_num and step fields
//
// Context Support
//
// The logger supports Go's context.Context for automatic trace and span ID extraction.
// This is useful for distributed tracing and correlating a scan batch's logs with its trace:
//
//	// Add trace ID to context (e.g., from the tracing package's span)
//	ctx := context.WithValue(ctx, logging.TraceIDKey(), "trace-123")
//	ctx = context.WithValue(ctx, logging.SpanIDKey(), "span-456")
//
//	// Create a context-aware logger
//	ctxLogger := logger.WithContext(ctx)
//	ctxLogger.Info("scanning build")
//	// Output includes: trace_id=trace-123 span_id=span-456
//
// Context fields can be combined with persistent fields:
//
//	ctxLogger := logger.
//	    WithContext(ctx).
//	    WithField("build_num", buildNum)
//
//	ctxLogger.InfoWithFields("batch complete",
//	    logging.Field("duration_ms", elapsed),
//	)
//	// Output includes: trace_id, span_id, build_num, and duration_ms
//
// Log Levels
//
// The package supports five log levels in increasing severity:
//
//	DEBUG - Detailed debugging information (verbose)
//	INFO  - Informational messages about normal operations
//	WARN  - Warning messages for potentially problematic situations
//	ERROR - Error messages for failures that don't stop the application
//	FATAL - Critical errors that cause application termination
//
// Set the minimum log level during initialization. Only messages at or above
// the configured level will be output:
//
//	logging.Initialize("warn")  // Only WARN, ERROR, FATAL will be logged
//
// Per-Package Log Levels
//
// You can override the log level for specific packages while keeping others
// at the default level. This is useful for targeted debugging:
//
//	// Set default to INFO, but the coordinator to DEBUG
//	packageLevels := map[string]string{
//	    "coordinator":   "debug",
//	    "patternstore.*": "debug", // Wildcard pattern
//	    "db":            "warn",
//	}
//	logging.Initialize("info", packageLevels)
//
// Package matching supports:
//   - Exact matches: "coordinator" only matches "coordinator"
//   - Wildcard patterns: "patternstore.*" matches "patternstore.load", etc.
//   - Default fallback: packages not configured use the default level
//
// Package levels are driven by the CLI's --log-level flag and
// LOG_LEVEL_* environment variables; see cmd/ciscan/commands/root.go.
//
// Error Handling
//
// For logging errors with context:
//
//	if err != nil {
//	    logger.ErrorWithErr("failed to fetch build log", err)
//	}
//
// Or use structured fields for more context:
//
//	logger.ErrorWithFields("log fetch failed",
//	    logging.BuildField(buildNum),
//	    logging.Field("error", err.Error()),
//	    logging.Field("duration_ms", elapsed.Milliseconds()),
//	)
//
// Fatal Handling
//
// Fatal logs terminate the application with exit code 1:
//
//	if criticalErr != nil {
//	    logger.Fatal("failed to open database pool: %v", criticalErr)
//	    // Application exits here
//	}
//
// Thread Safety
//
// Logger instances are safe for concurrent use by multiple goroutines.
// The global logger initialization using GetLogger() is protected by sync.Once
// to ensure thread-safe lazy initialization.
//
// Each Logger instance is immutable - methods like WithField() and WithFields()
// return new Logger instances rather than modifying the original, making them
// safe to use across goroutines without coordination.
//
// Testing
//
// The package provides test helpers for capturing log output:
//
//	// Use LOG_TIMESTAMP env var for deterministic timestamps in tests
//	os.Setenv("LOG_TIMESTAMP", "2024-01-01T00:00:00Z")
//
// The global logger can be reinitialized in tests if needed, though GetLogger()
// will automatically initialize with INFO level on first use.
package logging

import (
	"context"
	"os"
	"strings"
	"sync"
)

var (
	globalLogger *Logger
	initOnce     sync.Once
	// exitFunc is the function called by Fatal to terminate the program.
	// Defaults to os.Exit, can be overridden for testing.
	exitFunc = os.Exit
)

// Initialize initializes the global logger with the specified default level
// and optional per-package log level overrides.
// packageLevels is a map of package patterns to level strings.
// Example: {"patternstore.*": "DEBUG", "db": "WARN"}
func Initialize(levelStr string, packageLevels ...map[string]string) error {
	var level LogLevel
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = DEBUG
	case "INFO":
		level = INFO
	case "WARN":
		level = WARN
	case strError:
		level = ERROR
	case "FATAL":
		level = FATAL
	default:
		level = INFO
	}

	globalLogger = &Logger{
		level: level,
		name:  "ciscan",
	}

	// Set up per-package log levels if provided
	if len(packageLevels) > 0 && packageLevels[0] != nil {
		if err := SetPackageLogLevels(packageLevels[0]); err != nil {
			return err
		}
	}

	return nil
}

// GetLogger returns a logger with the specified name
// Thread-safe: uses sync.Once to ensure single initialization
func GetLogger(name string) *Logger {
	initOnce.Do(func() {
		if globalLogger == nil {
			_ = Initialize("info")
		}
	})
	return &Logger{
		level:  globalLogger.level,
		name:   name,
		fields: make(map[string]interface{}),
	}
}

// shouldLog checks if a log message at the given level should be output
// Considers both the logger's level and any per-package level overrides
func (l *Logger) shouldLog(level LogLevel) bool {
	// Check package-specific overrides first
	if pkgLevel := GetPackageLogLevel(l.name); pkgLevel >= 0 {
		return level >= pkgLevel
	}
	// Fall back to logger's level
	return level >= l.level
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.logf("DEBUG", msg, args...)
	}
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	if l.shouldLog(INFO) {
		l.logf("INFO", msg, args...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	if l.shouldLog(WARN) {
		l.logf("WARN", msg, args...)
	}
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	if l.shouldLog(ERROR) {
		l.logf(strError, msg, args...)
	}
}

// Fatal logs a fatal message and exits the program with code 1
func (l *Logger) Fatal(msg string, args ...interface{}) {
	if l.shouldLog(FATAL) {
		l.logf("FATAL", msg, args...)
		exitFunc(1)
	}
}

// FatalWithFields logs a fatal message with structured fields and exits the program with code 1
func (l *Logger) FatalWithFields(msg string, fields ...LogField) {
	if l.shouldLog(FATAL) {
		l.logWithFields("FATAL", msg, fields...)
		exitFunc(1)
	}
}

// ErrorWithErr logs an error message with an error object
func (l *Logger) ErrorWithErr(msg string, err error, args ...interface{}) {
	if l.shouldLog(ERROR) {
		args = append(args, err)
		l.logf("ERROR", msg+" - %v", args...)
	}
}

// WithName returns a new logger with a custom name
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		level:  l.level,
		name:   name,
		fields: make(map[string]interface{}),
		ctx:    l.ctx,
	}
}

// WithField adds a structured field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newLogger := &Logger{
		level:  l.level,
		name:   l.name,
		fields: cloneFields(l.fields),
		ctx:    l.ctx,
	}
	newLogger.fields[key] = value
	return newLogger
}

// WithFields adds multiple structured fields to the logger
func (l *Logger) WithFields(fields ...LogField) *Logger {
	newLogger := &Logger{
		level:  l.level,
		name:   l.name,
		fields: cloneFields(l.fields),
		ctx:    l.ctx,
	}
	// Add new fields
	for _, f := range fields {
		newLogger.fields[f.Key] = f.Value
	}
	return newLogger
}

// WithContext returns a new logger with the provided context attached.
// The context is used to extract trace_id and span_id values if present.
// These fields are automatically included in all log messages from the returned logger.
// If ctx is nil, this method returns a logger without context support.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{
		level:  l.level,
		name:   l.name,
		fields: cloneFields(l.fields),
		ctx:    ctx,
	}
}

// DebugWithFields logs a debug message with structured fields
func (l *Logger) DebugWithFields(msg string, fields ...LogField) {
	if l.shouldLog(DEBUG) {
		l.logWithFields("DEBUG", msg, fields...)
	}
}

// InfoWithFields logs an info message with structured fields
func (l *Logger) InfoWithFields(msg string, fields ...LogField) {
	if l.shouldLog(INFO) {
		l.logWithFields("INFO", msg, fields...)
	}
}

// WarnWithFields logs a warning message with structured fields
func (l *Logger) WarnWithFields(msg string, fields ...LogField) {
	if l.shouldLog(WARN) {
		l.logWithFields("WARN", msg, fields...)
	}
}

// ErrorWithFields logs an error message with structured fields
func (l *Logger) ErrorWithFields(msg string, fields ...LogField) {
	if l.shouldLog(ERROR) {
		l.logWithFields("ERROR", msg, fields...)
	}
}

// logWithFields logs a message with structured fields
func (l *Logger) logWithFields(level, msg string, fields ...LogField) {
	// Extract context fields (trace_id, span_id) if context is present
	contextFields := extractContextFields(l.ctx)

	// Merge all fields: context fields, logger fields, and method-specific fields
	// Priority order (last wins): context fields < logger fields < method fields
	var mergedFields map[string]interface{}
	if contextFields != nil || len(l.fields) > 0 || len(fields) > 0 {
		mergedFields = make(map[string]interface{})

		// Add context fields first (lowest priority)
		for k, v := range contextFields {
			mergedFields[k] = v
		}

		// Add logger's persistent fields (medium priority)
		for k, v := range l.fields {
			mergedFields[k] = v
		}

		// Add method-specific fields last (highest priority)
		for _, f := range fields {
			mergedFields[f.Key] = f.Value
		}
	}

	l.writeLog(level, msg, mergedFields)
}
