// Package logging builds the per-job diagnostic logger. Diagnostics go
// to stderr and, when debug is enabled, to a debug.log file inside the
// private data dir. They are never mixed into the event log: the status
// and rc artifacts stay the single source of truth for automation.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger and a flush function. When logfile is non-empty
// the logger tees debug-level output there; stderr only sees warnings
// unless debug is set.
func New(debug bool, logfile string) (*zap.SugaredLogger, func(), error) {
	stderrLevel := zapcore.WarnLevel
	if debug {
		stderrLevel = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			stderrLevel,
		),
	}

	var closer func()
	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.Lock(f),
			zapcore.DebugLevel,
		))
		closer = func() { _ = f.Close() }
	}

	logger := zap.New(zapcore.NewTee(cores...))
	flush := func() {
		_ = logger.Sync()
		if closer != nil {
			closer()
		}
	}
	return logger.Sugar(), flush, nil
}

// Nop returns a discard-everything logger for tests and callers that
// have not configured one.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
