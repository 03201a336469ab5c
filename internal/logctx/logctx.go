// Package logctx builds the process logger and carries it through contexts.
//
// The base logger is created once in main and handed to components, which
// scope it with a "component" field at construction time. Request handlers
// attach stream and partition fields and pass the child logger down via
// context.
package logctx

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type loggerKey struct{}

// New returns a logger writing to stderr. human switches to the console
// writer; an unknown level falls back to info.
func New(level string, human bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, human)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, human bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := w
	if human {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component scopes logger to a named component.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached to ctx, or a disabled logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return zerolog.Nop()
}

// WithPartition attaches stream and partition fields to the context logger.
func WithPartition(ctx context.Context, stream string, partition int) context.Context {
	logger := FromContext(ctx).With().Str("stream", stream).Int("partition", partition).Logger()
	return WithLogger(ctx, logger)
}
