// Package logctx enriches slog records with connection and context
// identifiers carried in the context.Context, so every component logs the
// same correlation fields without threading them explicitly.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends grouped attributes for any
// connection, context, or message data found on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnectionData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnectionID),
			slog.String("remote", cd.RemoteEndpoint),
			slog.String("subject", cd.Subject),
		))
	}

	if cd, ok := ctx.Value(contextDataKey{}).(*ContextData); ok {
		r.AddAttrs(slog.Group("mctx",
			slog.String("id", cd.ContextID),
		))
	}

	if md, ok := ctx.Value(messageDataKey{}).(*MessageData); ok {
		r.AddAttrs(slog.Group("msg",
			slog.String("type", md.Type),
			slog.String("method", md.Method),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

type ConnectionData struct {
	ConnectionID   string
	RemoteEndpoint string
	Subject        string
}

func WithConnectionData(ctx context.Context, data *ConnectionData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type contextDataKey struct{}

type ContextData struct {
	ContextID string
}

func WithContextData(ctx context.Context, data *ContextData) context.Context {
	return context.WithValue(ctx, contextDataKey{}, data)
}

type messageDataKey struct{}

type MessageData struct {
	Type   string
	Method string
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, messageDataKey{}, data)
}
