// Package logger wraps zap with the fields/format conventions used across
// the coordinator and the runner.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger so component packages can chain WithFields
// without importing zap directly.
type Logger struct {
	*zap.Logger
}

// LoggingConfig controls format and level.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// NewLogger builds a Logger from the given config.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	return &Logger{Logger: zap.New(core)}, nil
}

// WithFields returns a child logger tagged with the given fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

var (
	defaultMu  sync.RWMutex
	defaultLog *Logger
)

// SetDefault installs the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLog = l
}

// Default returns the process-wide default logger, building a bare-bones
// one if SetDefault was never called (useful in tests).
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLog
	defaultMu.RUnlock()
	if l != nil {
		return l
	}
	l, _ = NewLogger(LoggingConfig{Level: "info", Format: "console"})
	return l
}
