package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	downloadKey contextKey = "download_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithComponent scopes the context logger to a named component.
func WithComponent(ctx context.Context, component string) context.Context {
	return WithLogger(ctx, LoggerFromContext(ctx).With("component", component))
}

// WithDownloadID marks the context as belonging to a single download task.
// ContextHandler adds the id to every record logged with that context.
func WithDownloadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, downloadKey, id)
}

// DownloadIDFromContext returns the download id set by WithDownloadID, or "".
func DownloadIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(downloadKey).(string); ok {
		return id
	}

	return ""
}
