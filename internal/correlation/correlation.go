// Package correlation threads a per-request correlation ID through
// context.Context and HTTP headers so every audit event produced while
// handling a request can be tied back to it.
package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying the correlation ID.
const Header = "X-Correlation-ID"

// Fallback is recorded when an operation runs with no correlation ID in
// scope. Audit events must never be dropped for lack of one.
const Fallback = "no-correlation-id"

type ctxKey struct{}

// WithID returns a child context carrying the correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation ID in scope, or Fallback if none.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return Fallback
}

// Middleware reads X-Correlation-ID from the request, generating a fresh
// UUID when absent, stores it in the request context, and echoes it on the
// response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
