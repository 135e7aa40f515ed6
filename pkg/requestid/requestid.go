package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"

	// Header is the inbound header honoured by the RequestID middleware and
	// forwarded on outbound webhook calls.
	Header = "X-Request-Id"
)

// Generate creates a new unique request ID
func Generate() string {
	return uuid.New().String()
}

// ToContext adds a request ID to the context
func ToContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// FromContext extracts the request ID from the context.
// Returns empty string if request ID is not found.
func FromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// FromRequest extracts the request ID from the HTTP request context.
func FromRequest(r *http.Request) string {
	return FromContext(r.Context())
}

// Detach returns a background context that keeps only the request id of ctx.
// Work that outlives the request (queued jobs, webhooks) uses it so that the
// request cancellation does not propagate while log correlation survives.
func Detach(ctx context.Context) context.Context {
	if id := FromContext(ctx); id != "" {
		return ToContext(context.Background(), id)
	}
	return context.Background()
}
