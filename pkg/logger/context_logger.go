package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	TraceIDKey   contextKey = "trace_id"
	UserIDKey    contextKey = "user_id"
	RoomIDKey    contextKey = "room_id"
	RequestIDKey contextKey = "request_id"
)

var contextKeys = []contextKey{RequestIDKey, TraceIDKey, UserIDKey, RoomIDKey}

// WithValue returns a copy of ctx carrying the given logging key. Empty
// values are not stored.
func WithValue(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

// ContextLogger adds request, trace, user and room ids found in a context
// to every entry.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	var fields []zapcore.Field
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

func (cl *ContextLogger) Sugar(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

// LogRequest logs a finished HTTP request. Server errors log at error
// level, client errors at warn.
func (cl *ContextLogger) LogRequest(ctx context.Context, method, route string, status int, durationMs int64) {
	level := zapcore.InfoLevel
	switch {
	case status >= 500:
		level = zapcore.ErrorLevel
	case status >= 400:
		level = zapcore.WarnLevel
	}
	if ce := cl.WithContext(ctx).Check(level, "http request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", durationMs),
		)
	}
}

func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).Error(message, append(fields, zap.Error(err))...)
}
