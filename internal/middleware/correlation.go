package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type key int

const RequestIDKey key = 0

const RequestIDHeader = "X-Request-ID"

// RequestID tags each HTTP request with the caller's X-Request-ID, or a new
// one, and logs its start and completion.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = NewRequestID()
		}

		ctx := WithRequestID(r.Context(), id)
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))

		slog.DebugContext(ctx, "request completed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start)) // #nosec G706 -- r.URL.Path is parsed by Go's net/http
	})
}

func NewRequestID() string {
	return uuid.New().String()
}

// RequestIDFrom returns the id stored in ctx, or "" when there is none.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
