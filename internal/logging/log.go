// Package logging provides the process-wide structured logger. It mirrors
// this codebase's zap singleton: an environment-sensitive config selection,
// a sugared convenience logger, and free functions for the common levels.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap logger and its sugared convenience form.
type Logger struct {
	raw   *zap.Logger
	Sugar *zap.SugaredLogger
}

var (
	instance *Logger
	once     sync.Once

	environment = "dev"
	level       = "info"
	logRootDir  string
	stacktrace  bool
)

// Configure sets the parameters used the first time GetInstance builds the
// logger. Calling it after the logger has been built has no effect; call it
// during startup before any log call.
func Configure(env, lvl, rootDir string, enableStacktrace bool) {
	if env != "" {
		environment = env
	}
	if lvl != "" {
		level = lvl
	}
	logRootDir = rootDir
	stacktrace = enableStacktrace
}

// GetInstance returns the process-wide logger, building it on first use.
func GetInstance() *Logger {
	once.Do(func() {
		instance = build()
	})
	return instance
}

func build() *Logger {
	var cfg zap.Config

	switch environment {
	case "prod":
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
		if logRootDir != "" {
			path := logRootDir + "/velidesync.log"
			cfg.OutputPaths = []string{path}
			cfg.ErrorOutputPaths = []string{path}
		}
	default:
		// dev and container environments log to stderr with a
		// human-readable console encoder.
		cfg = zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	cfg.DisableStacktrace = !stacktrace
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	raw, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: failed to build zap config: %v\n", err)
		raw = zap.NewNop()
	}

	return &Logger{raw: raw, Sugar: raw.Sugar()}
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
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

// Sync flushes any buffered log entries. Call during shutdown.
func Sync() {
	if instance != nil {
		_ = instance.raw.Sync()
	}
}

func Debugf(template string, args ...interface{}) { GetInstance().Sugar.Debugf(template, args...) }
func Infof(template string, args ...interface{})  { GetInstance().Sugar.Infof(template, args...) }
func Warnf(template string, args ...interface{})  { GetInstance().Sugar.Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { GetInstance().Sugar.Errorf(template, args...) }
func Fatalf(template string, args ...interface{}) { GetInstance().Sugar.Fatalf(template, args...) }

// With returns a sugared logger with the given structured key/value pairs
// attached, for call sites that want per-record fields (internal_id,
// external_id, component) instead of string interpolation.
func With(kv ...interface{}) *zap.SugaredLogger {
	return GetInstance().Sugar.With(kv...)
}
