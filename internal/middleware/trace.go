package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// TraceHeader is the trace propagation header.
const TraceHeader = "X-Hermes-Trace"

// Trace assigns every request a trace id, honoring one supplied by the
// caller, and echoes it on the response.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = uuid.New().String()
		}
		w.Header().Set(TraceHeader, traceID)
		ctx := context.WithValue(r.Context(), TraceIDContextKey, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceIDFrom retrieves the trace id from the context.
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(TraceIDContextKey).(string)
	return id
}
