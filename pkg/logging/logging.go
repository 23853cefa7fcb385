package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"frontdoor/pkg/config"
)

// New builds the process logger: production JSON encoding with ISO8601
// timestamps, level taken from cfg, and an optional extra output file.
func New(cfg config.LogConfig, service string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lvl := strings.TrimSpace(cfg.Level); lvl != "" {
		level, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, err
		}
		zc.Level.SetLevel(level)
	}
	if file := strings.TrimSpace(cfg.File); file != "" {
		zc.OutputPaths = []string{"stdout", file}
	}
	zc.EncoderConfig.CallerKey = "caller"
	zc.EncoderConfig.StacktraceKey = "stacktrace"
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}
