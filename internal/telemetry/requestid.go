// Request/trace id context carriers, adapted from
// messages/internal/observability/middleware/request_ids.go and
// gateway/internal/middleware/context.go.
package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyTraceID   ctxKey = "trace_id"
)

// PropagateRequestID ensures every request carries an X-Request-Id,
// generating one when absent, and echoes it back on the response.
func PropagateRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		ctx = context.WithValue(ctx, ctxKeyTraceID, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id stashed by PropagateRequestID,
// or "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

// TraceIDFromContext returns the trace id stashed by PropagateRequestID,
// or "" if none is present.
func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTraceID).(string)
	return v
}

// WithIDs attaches explicit request/trace ids to ctx, for code that has
// no HTTP request to carry them on. Nothing in the hub calls it; the WS
// connection worker does not attach ids to its context.
func WithIDs(ctx context.Context, requestID, traceID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyRequestID, requestID)
	return context.WithValue(ctx, ctxKeyTraceID, traceID)
}
