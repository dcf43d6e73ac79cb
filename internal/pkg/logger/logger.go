// Package logger holds the process-wide zap logger for sagaflow.
//
// Components log through a named child (Named("saga"), Named("gate"), ...).
// The package-level Debug/Info/Warn/Error helpers exist for bootstrap and
// shutdown code that has no component of its own. Until Init runs every
// call is a no-op, so library packages work from tests without setup.
//
// Import Path: sagaflow.io/sagaflow/internal/pkg/logger
package logger

import (
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by Init.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

const service = "sagaflow"

var (
	mu sync.RWMutex
	// root reports the caller of the component code; helpers reports the
	// caller of Debug/Info/Warn/Error.
	root    *zap.Logger
	helpers *zap.Logger

	level = zap.NewAtomicLevel()
	nop   = zap.NewNop()
)

// ValidFormat reports whether Init accepts format. Empty means json.
func ValidFormat(format string) bool {
	switch format {
	case "", FormatJSON, FormatConsole:
		return true
	}
	return false
}

// Init builds the global logger. Only the first successful call has an
// effect; later calls return nil so tests can call it from init().
func Init(lvl, format string) error {
	parsed, err := zapcore.ParseLevel(lvl)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", lvl, err)
	}
	if !ValidFormat(format) {
		return fmt.Errorf("unknown log format %q", format)
	}

	mu.Lock()
	defer mu.Unlock()
	if root != nil {
		return nil
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == FormatConsole {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.InitialFields = map[string]any{"service": service}
	cfg.Level = level

	built, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	level.SetLevel(parsed)
	root = built
	helpers = built.WithOptions(zap.AddCallerSkip(1))
	return nil
}

// SetLevel changes the level of every logger derived from this package.
func SetLevel(lvl string) error {
	return level.UnmarshalText([]byte(lvl))
}

// GetLevel returns the current level.
func GetLevel() zapcore.Level {
	return level.Level()
}

// LevelHandler serves the current level on GET and changes it on PUT with a
// body such as {"level":"debug"}.
func LevelHandler() http.Handler {
	return level
}

// L returns the global logger, or a no-op logger before Init.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return nop
	}
	return root
}

func h() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if helpers == nil {
		return nop
	}
	return helpers
}

func Debug(msg string, fields ...zap.Field) {
	h().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	h().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	h().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	h().Error(msg, fields...)
}

// Named returns the logger of one component: gate, saga, projector, relay,
// http, jobs.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Sync flushes buffered entries. It is safe to call before Init.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return nil
	}
	return root.Sync()
}
