// Package middleware holds the HTTP middleware of the admin API.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/scry-ingest/internal/api/shared"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
)

// Trace tags every request with a trace ID, echoes it in the response
// header and stores a logger carrying it for logger.FromContext.
func Trace(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, traceID := shared.WithTraceID(r.Context(), r.Header.Get(shared.TraceHeader))
			log := base.With(slog.String("trace_id", traceID))
			ctx = logger.WithContext(ctx, log)
			w.Header().Set(shared.TraceHeader, traceID)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			log.Debug("request finished",
				slog.String("method", r.Method),
				slog.String("route", chiRoute(r)),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
