// Package logger builds the structured logger shared by the router and
// its providers. Every logger is named under the routing plane and
// provider loggers carry their identity, so request_completed and
// request_failed events correlate with provider-side lines.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config represents logger configuration
type Config struct {
	Level       string
	Format      string
	Output      string
	AddSource   bool
	Development bool
}

// NewLogger creates the root logger for a router instance.
func NewLogger(config Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}

	var zc zap.Config
	if config.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	zc.Level = zap.NewAtomicLevelAt(level)

	switch config.Format {
	case "json":
		zc.Encoding = "json"
	case "text", "console":
		zc.Encoding = "console"
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	switch config.Output {
	case "", "stdout":
		zc.OutputPaths = []string{"stdout"}
	case "stderr":
		zc.OutputPaths = []string{"stderr"}
	default:
		zc.OutputPaths = []string{config.Output}
	}

	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.LevelKey = "level"
	zc.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	zc.DisableCaller = !config.AddSource

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("llmrouter"), nil
}

// ForProvider scopes a logger to one provider instance. Providers log
// through this so their lines carry the same provider/kind labels the
// router uses in metrics and events.
func ForProvider(base *zap.Logger, name, kind string) *zap.SugaredLogger {
	return base.With(
		zap.String("provider", name),
		zap.String("provider_kind", kind),
	).Sugar()
}
