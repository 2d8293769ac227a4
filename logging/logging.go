// Package logging configures zerolog and carries request-scoped loggers.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects level, format and destination of log output.
type Config struct {
	Level  string            // debug, info, warn, error
	Format string            // json or text
	Output string            // stdout, stderr or a file path
	Fields map[string]string // attached to every line
}

// Init configures the global logger and returns it.
func Init(cfg Config) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return log.Logger, err
		}
		out = f
	}

	if cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	lc := zerolog.New(out).With().Timestamp()
	for k, v := range cfg.Fields {
		lc = lc.Str(k, v)
	}
	log.Logger = lc.Logger()
	zerolog.DefaultContextLogger = &log.Logger
	return log.Logger, nil
}

type contextKey struct{}

// FromContext returns the logger attached to ctx or the global logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*zerolog.Logger); ok && l != nil {
			return l
		}
	}
	return &log.Logger
}

// WithContext attaches logger to ctx.
func WithContext(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// Nop is a disabled logger for tests and library defaults.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// FromContextOr returns the logger attached to ctx, or fallback when none is.
func FromContextOr(ctx context.Context, fallback *zerolog.Logger) *zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*zerolog.Logger); ok && l != nil {
			return l
		}
	}
	if fallback != nil {
		return fallback
	}
	return &log.Logger
}
