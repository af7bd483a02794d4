package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures, panics, generic_error completions
//   - warn:  Client-caused completions (missing params, unknown action), degraded JWKS
//   - info:  Action completions, connection lifecycle, manifest reload
//   - debug: Cache operations, verb handling
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

// ConnectionLogger returns a logger enriched with the identity of conn and
// the active trace. If no logger is in the context, the fallback is used.
func ConnectionLogger(ctx context.Context, fallback *zap.Logger, conn *model.Connection) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if conn != nil {
		fields = append(fields,
			zap.String("connection_id", conn.ID),
			zap.String("connection_type", conn.Type),
			zap.String("remote_ip", conn.RemoteIP),
		)
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// defaultSensitiveFields is the default set of field names that should be
// redacted in debug logging output.
var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"credit_card":   true,
	"ssn":           true,
	"pin":           true,
}

// RedactBody returns a copy of body with sensitive fields replaced by
// "[REDACTED]". The sensitiveFields list is merged with default sensitive
// field names. A dotted entry such as "user.code" only matches at that path;
// plain names match at any depth.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	var plain []string
	for _, f := range sensitiveFields {
		redactSet[f] = true
		if !strings.Contains(f, ".") {
			plain = append(plain, f)
		}
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		nested, isMap := v.(map[string]any)
		switch {
		case redactSet[k]:
			result[k] = "[REDACTED]"
		case isMap:
			result[k] = RedactBody(nested, append(childPaths(k, sensitiveFields), plain...))
		default:
			result[k] = v
		}
	}
	return result
}

// childPaths returns the remainder of every dotted path under key.
func childPaths(key string, paths []string) []string {
	prefix := key + "."
	var out []string
	for _, p := range paths {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			out = append(out, rest)
		}
	}
	return out
}
