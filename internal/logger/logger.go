// Package logger configures zerolog and carries request and job scoped
// loggers through contexts.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by the logger.
type ContextKey string

const (
	// LoggerKey is the context key for the logger instance.
	LoggerKey ContextKey = "logger"
)

var (
	defaultOnce sync.Once
	defaultLog  zerolog.Logger
)

// New creates a console logger with RFC3339 timestamps and caller info.
func New() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Caller().Logger()
}

// NewWithWriter creates a JSON logger writing to w.
func NewWithWriter(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

// NewWithConfig creates a logger from the log section of the service config.
// format is "console" or "json"; an unknown level falls back to info.
func NewWithConfig(level, format string) zerolog.Logger {
	var log zerolog.Logger
	if strings.EqualFold(format, "json") {
		log = NewWithWriter(os.Stdout)
	} else {
		log = New()
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return log.Level(lvl)
}

// WithContext adds the logger to the context.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext returns the context's logger, or a shared console logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	defaultOnce.Do(func() { defaultLog = New() })
	return defaultLog
}

// ForAccount scopes the context's logger to a bank account.
func ForAccount(ctx context.Context, teamID, bankAccountID string) (context.Context, zerolog.Logger) {
	log := FromContext(ctx).With().
		Str("bank_account_id", bankAccountID).
		Str("team_id", teamID).
		Logger()
	return WithContext(ctx, log), log
}

// WithFields adds structured fields to a logger.
func WithFields(logger zerolog.Logger, fields map[string]interface{}) zerolog.Logger {
	ctx := logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}
