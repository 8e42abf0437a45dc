package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestCtxKey contextKey = "request_context"

// RequestContext identifies one inbound HTTP request for the duration of its
// handler. It is logged at start and end with the outcome and duration.
type RequestContext struct {
	RequestID string
	StartTime time.Time
	URL       string
	Method    string
}

// WithRequestContext stores rc in ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestCtxKey, rc)
}

// RequestFromContext returns the request context, or nil.
func RequestFromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestCtxKey).(*RequestContext)
	return rc
}

// RequestID returns the request ID from ctx, or "".
func RequestID(ctx context.Context) string {
	if rc := RequestFromContext(ctx); rc != nil {
		return rc.RequestID
	}
	return ""
}

// Middleware creates a RequestContext per request, echoes the ID in
// X-Request-ID, and logs request start and completion. Uses the incoming
// X-Request-ID header when present.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		rc := &RequestContext{
			RequestID: id,
			StartTime: time.Now(),
			URL:       r.URL.Path,
			Method:    r.Method,
		}
		w.Header().Set("X-Request-ID", id)
		Debug("HTTP", "%s %s started id=%s", rc.Method, rc.URL, rc.RequestID)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(WithRequestContext(r.Context(), rc)))
		Info("HTTP", "%s %s %d %dms id=%s", rc.Method, rc.URL, sw.status,
			time.Since(rc.StartTime).Milliseconds(), rc.RequestID)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE handlers keep working.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
