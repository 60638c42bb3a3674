// Package logutil holds the process-wide zap logger.
package logutil

import (
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var bgLogger = atomic.NewPointer(zap.NewNop())

// InitLogger installs a console logger at the given level ("debug", "info",
// "warn", "error").
func InitLogger(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return errors.Annotatef(err, "invalid log level %q", level)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel
	lg, err := cfg.Build()
	if err != nil {
		return errors.Trace(err)
	}
	ReplaceLogger(lg)
	return nil
}

// ReplaceLogger installs lg as the background logger.
func ReplaceLogger(lg *zap.Logger) {
	bgLogger.Store(lg)
}

// BgLogger returns the background logger. It is a no-op logger until
// InitLogger or ReplaceLogger is called.
func BgLogger() *zap.Logger {
	return bgLogger.Load()
}
