package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type userIDKey struct{}

// userHeader carries the authenticated caller identity. Identity
// verification happens upstream; the runtime trusts this header.
const userHeader = "X-User-ID"

// requireUser rejects requests without a caller identity and stashes it on
// the request context.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, CodeMissingUser, "X-User-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

// userFrom returns the authenticated user id placed by requireUser.
func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogger logs one line per request with method, path, status, and
// latency.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user_id", r.Header.Get(userHeader))
		})
	}
}
