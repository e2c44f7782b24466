package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// chiRoute returns the matched route pattern, falling back to the raw path
// for unmatched requests.
func chiRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
