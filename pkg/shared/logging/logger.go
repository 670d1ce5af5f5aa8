package logging

import (
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the verbosity and encoding of the process-wide logger.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New builds a logr.Logger backed by zap, the bridge controller-runtime and
// the rest of the process expect (ctrl.SetLogger wants a logr.Logger; zapr
// is the standard adapter).
func New(cfg Config) (logr.Logger, error) {
	var zc zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err == nil {
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	zl, err := zc.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

// Discard returns a logr.Logger that drops every log line, for tests that
// need a real logr.Logger value but no output.
func Discard() logr.Logger {
	return logr.Discard()
}
