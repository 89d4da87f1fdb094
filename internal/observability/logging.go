package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/careflow/internal/config"
	"github.com/pitabwire/careflow/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store, timer backend, bus), 5xx responses
//   - warn:  Dispatch failures, completion conflicts, stale timers, 4xx responses
//   - info:  Instance lifecycle, step transitions, definition publish
//   - debug: Timer claims, expression outcomes, redacted variable bags
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("actor_id", rctx.Actor()),
		zap.String("correlation_id", rctx.CorrelationID),
	}

	// Include trace_id if present.
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// defaultSensitiveFields names variables that carry patient identifiers or
// credentials and are redacted in debug output.
var defaultSensitiveFields = map[string]bool{
	"patient_name":  true,
	"mrn":           true,
	"ssn":           true,
	"dob":           true,
	"date_of_birth": true,
	"phone":         true,
	"address":       true,
	"email":         true,
	"password":      true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
}

// RedactVariables returns a copy of vars with sensitive entries replaced by
// "[REDACTED]". The extra names are merged with the defaults. Intended for
// debug-level logging only.
func RedactVariables(vars map[string]any, extra []string) map[string]any {
	if vars == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(extra))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range extra {
		redactSet[f] = true
	}

	result := make(map[string]any, len(vars))
	for k, v := range vars {
		if redactSet[k] {
			result[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			result[k] = RedactVariables(nested, extra)
		} else {
			result[k] = v
		}
	}
	return result
}
