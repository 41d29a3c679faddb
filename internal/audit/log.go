// Package audit emits structured security events (logins, revocations,
// password changes) enriched with request and principal context.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"accountd/internal/auth"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id, if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes a security event enriched with the request id and the
// authenticated principal when available.
func LogEvent(ctx context.Context, event string, attrs ...slog.Attr) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	all := make([]slog.Attr, 0, len(attrs)+3)
	all = append(all, slog.String("type", "audit"))
	if rid := RequestIDFromContext(ctx); rid != "" {
		all = append(all, slog.String("request_id", rid))
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		all = append(all, slog.String("user_id", p.UserID))
	}
	all = append(all, attrs...)
	slog.Default().LogAttrs(ctx, slog.LevelInfo, event, all...)
	return nil
}
