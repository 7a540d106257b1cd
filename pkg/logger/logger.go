package logger

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with consistent field structure
type Logger struct {
	*zap.Logger
}

// Fields for consistent structured logging
type Fields struct {
	Component string
	Operation string
	Source    string // capture source or observer kind
	SessionID string
	MachineID string
	EventID   string
	EventKind string
	Severity  string
	Error     error
	Duration  string
	Count     int
	Reason    string
	// Additional fields as key-value pairs
	Additional map[string]interface{}
}

var (
	globalLogger atomic.Pointer[Logger]
	fallbackOnce sync.Once
)

// Init initializes the global logger
func Init(level string, development bool) error {
	config := zap.NewProductionConfig()
	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.MessageKey = "message"
	}

	config.Level = zap.NewAtomicLevelAt(parseLevel(level))
	config.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := config.Build(
		zap.AddCallerSkip(1), // Skip logger wrapper calls
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}

	globalLogger.Store(&Logger{Logger: l})
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "FATAL":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	fallbackOnce.Do(func() {
		if globalLogger.Load() == nil {
			_ = Init("INFO", false)
		}
	})
	return globalLogger.Load()
}

// Replace swaps the global logger, returning a func that restores the previous one.
// Tests use it with zaptest/observer cores.
func Replace(l *zap.Logger) func() {
	prev := GetLogger()
	globalLogger.Store(&Logger{Logger: l.WithOptions(zap.AddCallerSkip(1))})
	return func() { globalLogger.Store(prev) }
}

// WithFields creates a new logger with structured fields
func (l *Logger) WithFields(fields Fields) *zap.Logger {
	zapFields := make([]zap.Field, 0, 8)

	add := func(key, val string) {
		if val != "" {
			zapFields = append(zapFields, zap.String(key, val))
		}
	}
	add("component", fields.Component)
	add("operation", fields.Operation)
	add("source", fields.Source)
	add("session_id", fields.SessionID)
	add("machine_id", fields.MachineID)
	add("event_id", fields.EventID)
	add("event_kind", fields.EventKind)
	add("severity", fields.Severity)
	add("duration", fields.Duration)
	add("reason", fields.Reason)
	if fields.Error != nil {
		zapFields = append(zapFields, zap.Error(fields.Error))
	}
	if fields.Count > 0 {
		zapFields = append(zapFields, zap.Int("count", fields.Count))
	}
	for k, v := range fields.Additional {
		zapFields = append(zapFields, zap.Any(k, v))
	}

	return l.Logger.With(zapFields...)
}

// WithSession returns a logger carrying the session id from ctx, if any
func (l *Logger) WithSession(ctx context.Context) *Logger {
	if id := SessionID(ctx); id != "" {
		return &Logger{Logger: l.Logger.With(zap.String("session_id", id))}
	}
	return l
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, fields ...Fields) {
	if len(fields) > 0 {
		l.WithFields(fields[0]).Debug(msg)
	} else {
		l.Logger.Debug(msg)
	}
}

// Info logs at info level
func (l *Logger) Info(msg string, fields ...Fields) {
	if len(fields) > 0 {
		l.WithFields(fields[0]).Info(msg)
	} else {
		l.Logger.Info(msg)
	}
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, fields ...Fields) {
	if len(fields) > 0 {
		l.WithFields(fields[0]).Warn(msg)
	} else {
		l.Logger.Warn(msg)
	}
}

// Error logs at error level
func (l *Logger) Error(msg string, fields ...Fields) {
	if len(fields) > 0 {
		l.WithFields(fields[0]).Error(msg)
	} else {
		l.Logger.Error(msg)
	}
}

// Fatal logs at fatal level and exits
func (l *Logger) Fatal(msg string, fields ...Fields) {
	if len(fields) > 0 {
		l.WithFields(fields[0]).Fatal(msg)
	} else {
		l.Logger.Fatal(msg)
	}
}

type contextKey string

const sessionIDKey contextKey = "session_id"

// WithSessionID adds the monitored session id to ctx
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID extracts the session id from ctx
func SessionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}

// Convenience functions for global logger
func Debug(msg string, fields ...Fields) {
	GetLogger().Debug(msg, fields...)
}

func Info(msg string, fields ...Fields) {
	GetLogger().Info(msg, fields...)
}

func Warn(msg string, fields ...Fields) {
	GetLogger().Warn(msg, fields...)
}

func Error(msg string, fields ...Fields) {
	GetLogger().Error(msg, fields...)
}

func Fatal(msg string, fields ...Fields) {
	GetLogger().Fatal(msg, fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	if l := globalLogger.Load(); l != nil {
		return l.Sync()
	}
	return nil
}
