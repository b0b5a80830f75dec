package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"landlink/pkg/phone"
)

type Logger struct {
	*slog.Logger
}

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// ContextKey for correlation IDs
type contextKey string

const correlationIDKey contextKey = "correlation_id"

// Options configures where log lines go. File enables rotating file output
// in addition to Output.
type Options struct {
	Level      LogLevel
	Output     io.Writer
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func parseLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func NewLogger(level LogLevel) *Logger {
	return New(Options{Level: level})
}

func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err == nil {
			out = io.MultiWriter(out, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
				LocalTime:  true,
				Compress:   true,
			})
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLevel(opts.Level)})
	return &Logger{Logger: slog.New(handler)}
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context) context.Context {
	if GetCorrelationID(ctx) == "" {
		return context.WithValue(ctx, correlationIDKey, uuid.New().String())
	}
	return ctx
}

// ContextWithCorrelationID stores a caller-supplied correlation ID, such as
// an inbound X-Request-ID.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return WithCorrelationID(ctx)
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

func withCorrelation(ctx context.Context, args []any) []any {
	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		args = append(args, "correlation_id", correlationID)
	}
	return args
}

// Debug logs debug level messages with correlation ID
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.Logger.Debug(msg, withCorrelation(ctx, args)...)
}

// Info logs info level messages with correlation ID
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.Logger.Info(msg, withCorrelation(ctx, args)...)
}

// Warn logs warn level messages with correlation ID
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.Logger.Warn(msg, withCorrelation(ctx, args)...)
}

// Error logs error level messages with correlation ID
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.Logger.Error(msg, withCorrelation(ctx, args)...)
}

// LogLinkOperation logs link operations. Tokens are bearer capabilities, so
// only a prefix is written.
func (l *Logger) LogLinkOperation(ctx context.Context, operation, token string, success bool) {
	l.Logger.Info("link operation",
		"operation", operation,
		"token", MaskToken(token),
		"success", success,
		"correlation_id", GetCorrelationID(ctx),
	)
}

// LogOTPEvent logs OTP issuance and verification with the phone masked.
func (l *Logger) LogOTPEvent(ctx context.Context, event, phoneNumber string, success bool) {
	l.Logger.Info("otp event",
		"event", event,
		"phone", phone.Mask(phoneNumber),
		"success", success,
		"correlation_id", GetCorrelationID(ctx),
	)
}

// LogGateDecision records the real outcome of an unlock attempt. Clients
// only ever see a generic message.
func (l *Logger) LogGateDecision(ctx context.Context, token, phoneNumber, outcome, reason string) {
	l.Logger.Info("gate decision",
		"token", MaskToken(token),
		"phone", phone.Mask(phoneNumber),
		"outcome", outcome,
		"reason", reason,
		"correlation_id", GetCorrelationID(ctx),
	)
}

// LogAuthEvent logs authentication events without sensitive data
func (l *Logger) LogAuthEvent(ctx context.Context, event string, userID string, success bool) {
	l.Logger.Info("auth event",
		"event", event,
		"user_hash", hashSensitiveData(userID),
		"success", success,
		"correlation_id", GetCorrelationID(ctx),
	)
}

func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "***"
}

// Simple hash function for sensitive data logging
func hashSensitiveData(data string) string {
	if len(data) < 8 {
		return "***"
	}
	return data[:3] + "***" + data[len(data)-3:]
}
