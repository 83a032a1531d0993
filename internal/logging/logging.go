// Package logging provides structured logging with zap, gated by the
// AFC_AEP_DEBUG bitmask. A zero mask keeps the shim completely silent;
// any nonzero mask opens the configured log file and emits lifecycle
// messages, with individual bits switching on the chattier categories.
package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Bits of the debug mask.
const (
	// MaskInfo enables lifecycle messages (startup, shutdown, eviction).
	MaskInfo = 1 << iota
	// MaskCalls enables one record per intercepted call.
	MaskCalls
	// MaskPassthrough enables one record per call delegated to the real
	// filesystem.
	MaskPassthrough
)

var (
	globalLogger = zap.NewNop()
	globalMask   int
)

// Config holds logging configuration.
type Config struct {
	Mask int    // AFC_AEP_DEBUG; 0 disables all output
	Path string // AFC_AEP_LOGFILE; empty falls back to stderr
}

// Init initializes the global logger. With a zero mask the logger stays a
// no-op and the log file is never opened.
func Init(cfg Config) error {
	if cfg.Mask == 0 {
		globalLogger = zap.NewNop()
		globalMask = 0
		return nil
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	if cfg.Path != "" {
		zcfg.OutputPaths = []string{cfg.Path}
		zcfg.ErrorOutputPaths = []string{cfg.Path}
	}

	logger, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	globalLogger = logger
	globalMask = cfg.Mask
	return nil
}

// Sync flushes any buffered log entries.
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}

// L returns the global logger.
func L() *zap.Logger {
	return globalLogger
}

// Mask returns the active debug mask.
func Mask() int {
	return globalMask
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// Call logs one intercepted call when MaskCalls is set.
func Call(msg string, fields ...zap.Field) {
	if globalMask&MaskCalls != 0 {
		L().Debug(msg, fields...)
	}
}

// Passthrough logs a delegated call when MaskPassthrough is set.
func Passthrough(msg string, fields ...zap.Field) {
	if globalMask&MaskPassthrough != 0 {
		L().Debug(msg, fields...)
	}
}

// Field helpers for common fields.
func String(key, val string) zap.Field {
	return zap.String(key, val)
}

func Int(key string, val int) zap.Field {
	return zap.Int(key, val)
}

func Int64(key string, val int64) zap.Field {
	return zap.Int64(key, val)
}

func Bool(key string, val bool) zap.Field {
	return zap.Bool(key, val)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}

func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}
