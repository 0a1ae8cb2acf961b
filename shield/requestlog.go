package shield

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/extraq/observability"
)

// RequestLog returns middleware that records each request to the
// observability store and emits one structured log line on completion.
func RequestLog(events *observability.EventLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			GetLogger(r.Context()).Info("request completed",
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed_ms", elapsed.Milliseconds(),
			)
			events.LogRequest(r.Context(), r.Method, r.URL.Path, ww.Status(),
				elapsed, ExtractIP(r), r.UserAgent())
		})
	}
}
