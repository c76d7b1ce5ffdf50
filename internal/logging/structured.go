// Package logging provides structured logging utilities with error context integration.
package logging

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/KennLDN/mc-panel-docker/internal/errors"
)

// New builds the process logger. Format is "json" (default) or "console".
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	if format == "" {
		format = "json"
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      false,
		Encoding:         format,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]interface{}{
			"service": "mc-relay",
		},
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return cfg.Build()
}

// WithError expands an error into logger fields.
func WithError(err error) []zap.Field {
	if err == nil {
		return []zap.Field{}
	}

	fields := []zap.Field{
		zap.Error(err),
	}

	var relayErr *errors.RelayError
	if stderrors.As(err, &relayErr) {
		fields = append(fields,
			zap.String("error_type", string(relayErr.Type)),
			zap.String("error_code", relayErr.Code),
			zap.String("component", relayErr.Component),
			zap.String("operation", relayErr.Operation),
			zap.String("severity", string(relayErr.Severity)),
			zap.Bool("retryable", relayErr.Retryable),
		)

		if len(relayErr.Context) > 0 {
			fields = append(fields, zap.Any("error_context", relayErr.Context))
		}

		if relayErr.Severity == errors.SeverityHigh || relayErr.Severity == errors.SeverityCritical {
			if len(relayErr.Stack) > 0 {
				fields = append(fields, zap.Strings("stack_trace", relayErr.Stack))
			}
		}
	}

	return fields
}

// WithRequestContext returns the scope fields carried by ctx.
func WithRequestContext(ctx context.Context) []zap.Field {
	return scopeFrom(ctx).fields()
}

// LogError logs an error with full context at a level chosen by its severity.
func LogError(ctx context.Context, logger *zap.Logger, msg string, err error, additionalFields ...zap.Field) {
	fields := WithError(err)
	fields = append(fields, WithRequestContext(ctx)...)
	fields = append(fields, additionalFields...)

	switch getLogLevelForError(err) {
	case zapcore.WarnLevel:
		logger.Warn(msg, fields...)
	case zapcore.InfoLevel:
		logger.Info(msg, fields...)
	default:
		logger.Error(msg, fields...)
	}
}

func getLogLevelForError(err error) zapcore.Level {
	var relayErr *errors.RelayError
	if !stderrors.As(err, &relayErr) {
		return zapcore.ErrorLevel
	}

	switch relayErr.Severity {
	case errors.SeverityLow:
		return zapcore.WarnLevel
	case errors.SeverityMedium, errors.SeverityHigh, errors.SeverityCritical:
		return zapcore.ErrorLevel
	default:
		return zapcore.ErrorLevel
	}
}
