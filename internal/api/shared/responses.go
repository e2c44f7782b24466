// Package shared holds the request and response helpers of the admin API.
package shared

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/phrazzld/scry-ingest/internal/platform/logger"
	"github.com/phrazzld/scry-ingest/internal/redact"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// RespondWithJSON encodes data with status. A nil data writes no body.
func RespondWithJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).WarnContext(r.Context(), "response encoding failed", "error", err)
	}
}

// RespondWithError answers with message and the request's trace ID.
func RespondWithError(w http.ResponseWriter, r *http.Request, status int, message string) {
	RespondWithErrorAndLog(w, r, status, message, nil)
}

// RespondWithErrorAndLog answers like RespondWithError and logs cause after
// redaction. Server errors log at ERROR, client errors at DEBUG.
func RespondWithErrorAndLog(w http.ResponseWriter, r *http.Request, status int, message string, cause error) {
	ctx := r.Context()
	traceID := TraceID(ctx)

	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	log := logger.FromContext(ctx).With(
		"status_code", status,
		"method", r.Method,
		"path", r.URL.Path,
	)
	if cause != nil {
		log = log.With("error", redact.Error(cause))
	}
	log.Log(ctx, level, "request rejected", "user_message", message)

	RespondWithJSON(w, r, status, ErrorResponse{Error: message, TraceID: traceID})
}
