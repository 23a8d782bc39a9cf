// Package logging provides the process-wide structured logger.
//
// It wraps go.uber.org/zap behind a small package-level API so the rest of
// the tree never imports zap directly. Initialize must be called once,
// early in main, before any other package logs.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	Logger *zap.SugaredLogger
)

// Initialize sets up the global logger. jsonOutput selects a structured
// JSON encoder (for production/ops pipelines); otherwise a compact
// console encoder is used, suited to an interactive terminal.
func Initialize(jsonOutput bool) error {
	var cfg zap.Config
	if jsonOutput {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig = minimalEncoderConfig()
		cfg.Encoding = "console"
	}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	Logger = logger.Sugar()
	mu.Unlock()
	return nil
}

func minimalEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.TimeKey = ""
	ec.CallerKey = ""
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return ec
}

func init() {
	// Fallback logger so packages that log during early init (before
	// Initialize runs, e.g. in tests) don't nil-panic.
	l, _ := zap.NewDevelopment()
	Logger = l.Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return Logger
}

func Named(name string) *zap.SugaredLogger { return current().Named(name) }

func Debug(args ...interface{})                   { current().Debug(args...) }
func Debugf(template string, args ...interface{}) { current().Debugf(template, args...) }
func Debugw(msg string, kv ...interface{})        { current().Debugw(msg, kv...) }

func Info(args ...interface{})                   { current().Info(args...) }
func Infof(template string, args ...interface{}) { current().Infof(template, args...) }
func Infow(msg string, kv ...interface{})        { current().Infow(msg, kv...) }

func Warn(args ...interface{})                   { current().Warn(args...) }
func Warnf(template string, args ...interface{}) { current().Warnf(template, args...) }
func Warnw(msg string, kv ...interface{})        { current().Warnw(msg, kv...) }

func Error(args ...interface{})                   { current().Error(args...) }
func Errorf(template string, args ...interface{}) { current().Errorf(template, args...) }
func Errorw(msg string, kv ...interface{})        { current().Errorw(msg, kv...) }

func Sync() error { return current().Sync() }

// ExitOnFatal logs msg at error level with kv, then exits with the given
// code.
func ExitOnFatal(code int, msg string, kv ...interface{}) {
	current().Errorw(msg, kv...)
	_ = Sync()
	os.Exit(code)
}
