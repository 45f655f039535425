package kit

import "context"

type contextKey string

// Context keys set by the API and MCP surfaces.
const (
	UserIDKey    contextKey = "kit_user_id"    // authenticated operator
	TransportKey contextKey = "kit_transport"  // "http" or "mcp"
	RequestIDKey contextKey = "kit_request_id" // per-request correlation ID
)

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

func GetUserID(ctx context.Context) string {
	v, _ := stringValue(ctx, UserIDKey)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to "http" when no surface set one.
func GetTransport(ctx context.Context) string {
	if v, ok := stringValue(ctx, TransportKey); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := stringValue(ctx, RequestIDKey)
	return v
}
