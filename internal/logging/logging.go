// Package logging builds the file logger shared by all packages of the
// module. The host owns stdout and stderr, so output only ever goes to the
// configured file.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/k2io/ovrhook/internal/config"
)

// New returns a JSON logger writing to cfg.LogFile at cfg.LogLevel. Without
// a log file it returns a no-op logger.
func New(cfg config.Config) (*zap.Logger, error) {
	if cfg.LogFile == "" {
		return zap.NewNop(), nil
	}
	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return zap.NewNop(), fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	zc.OutputPaths = []string{cfg.LogFile}
	zc.ErrorOutputPaths = []string{cfg.LogFile}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.DisableStacktrace = true
	l, err := zc.Build()
	if err != nil {
		return zap.NewNop(), fmt.Errorf("log file: %w", err)
	}
	return l.Named("ovrhook"), nil
}
