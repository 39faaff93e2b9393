// Package logging provides structured logging for the memquest service.
//
// It wraps zap behind package-level helpers so call sites stay terse:
//
//	logging.Infof("consumer started: stream=%s group=%s", stream, group)
//
// The default logger writes JSON to stderr at info level. Call Init once
// from main to honor the configured level.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = mustDefault()
)

func mustDefault() *zap.SugaredLogger {
	l, err := build("info")
	if err != nil {
		panic(fmt.Sprintf("logging: default logger: %v", err))
	}
	return l
}

func build(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Init replaces the package logger with one at the given level
// ("debug", "info", "warn", "error"). Safe to call more than once.
func Init(level string) error {
	l, err := build(level)
	if err != nil {
		return err
	}
	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	_ = old.Sync()
	return nil
}

// Logger returns the current package logger for callers that need
// structured fields or a named child logger.
func Logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = logger.Sync()
}

func Debugf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Fatalf(format, args...)
}
