// Package ctxlog carries a *slog.Logger in a context.Context so that
// run- and unit-scoped attributes travel with the request flow instead
// of being threaded through every signature.
package ctxlog

import (
	"context"
	"log/slog"
)

// key is unexported so no other package can produce a colliding context key.
type key struct{}

var loggerKey = key{}

// WithLogger returns a child context holding logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default() when
// ctx carries none. Callers never have to nil-check the result.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
