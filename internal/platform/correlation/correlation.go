package correlation

import (
	"context"
	"fmt"
	"log/slog"
)

type contextKey struct{}

// Connection identifies one WebSocket client in log records.
type Connection struct {
	ID         string
	RemoteAddr string
}

// WithConnection returns a new context carrying the given connection.
func WithConnection(ctx context.Context, conn Connection) context.Context {
	return context.WithValue(ctx, contextKey{}, conn)
}

// FromContext extracts the connection from ctx, returning false if not present.
func FromContext(ctx context.Context) (Connection, bool) {
	conn, ok := ctx.Value(contextKey{}).(Connection)
	return conn, ok && conn.ID != ""
}

// Handler wraps an existing slog.Handler to automatically inject
// "connection_id" and "remote_addr" attributes when the context carries a connection.
type Handler struct {
	inner slog.Handler
}

// NewHandler creates a connection-aware handler wrapping the given handler.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if conn, ok := FromContext(ctx); ok {
		r.AddAttrs(slog.String("connection_id", conn.ID))
		if conn.RemoteAddr != "" {
			r.AddAttrs(slog.String("remote_addr", conn.RemoteAddr))
		}
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
