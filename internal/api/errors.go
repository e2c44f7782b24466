package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/scry-ingest/internal/queue"
	"github.com/phrazzld/scry-ingest/internal/store"
	"github.com/phrazzld/scry-ingest/internal/training"
)

// errorRule pairs a sentinel with the status and message clients see.
type errorRule struct {
	target  error
	status  int
	message string
}

// errorRules is checked in order; the first match wins.
var errorRules = []errorRule{
	{store.ErrUnitNotFound, http.StatusNotFound, "Work unit not found"},
	{store.ErrNotFound, http.StatusNotFound, "Not found"},
	{queue.ErrJobNotFound, http.StatusNotFound, "Not found"},
	{store.ErrDuplicate, http.StatusConflict, "Already exists"},
	{training.ErrInvalidRequest, http.StatusBadRequest, "Invalid request"},
	{queue.ErrInvalidArgument, http.StatusBadRequest, "Invalid request"},
	{store.ErrInvalidEntity, http.StatusBadRequest, "Invalid request"},
}

func matchRule(err error) (errorRule, bool) {
	for _, rule := range errorRules {
		if errors.Is(err, rule.target) {
			return rule, true
		}
	}
	return errorRule{}, false
}

// MapErrorToStatusCode maps internal errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	if rule, ok := matchRule(err); ok {
		return rule.status
	}
	return http.StatusInternalServerError
}

// GetSafeErrorMessage returns a message for err that is safe to show
// clients. The error text itself is never exposed.
func GetSafeErrorMessage(err error) string {
	if rule, ok := matchRule(err); ok {
		return rule.message
	}
	return "An unexpected error occurred"
}
