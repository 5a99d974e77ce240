// Package telemetry builds the process logger and the Prometheus metrics of
// the status server.
package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wa-bridge/statussync/internal/config"
)

// NewLogger builds a zap logger from the logging section. outputPath may
// be empty for stderr.
func NewLogger(cfg config.LoggingConfig, outputPath string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging.level %q: %w", cfg.Level, err)
		}
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if outputPath != "" {
		zc.OutputPaths = []string{outputPath}
		zc.ErrorOutputPaths = []string{outputPath}
	}
	return zc.Build()
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
