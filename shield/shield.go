// CLAUDE:SUMMARY HTTP middleware for the operator API: security headers, body cap, request IDs, operator Basic Auth.
// Package shield provides the HTTP middleware stack in front of the JSON API.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(32 << 20) {
//	    r.Use(mw)
//	}
//	r.Group(func(r chi.Router) {
//	    r.Use(shield.BasicAuth(creds))
//	    ...
//	})
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack returns the middleware applied to every route, outermost first:
// SecurityHeaders, MaxBody, RequestID.
func DefaultStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		RequestID,
	}
}
