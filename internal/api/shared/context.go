package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

// TraceHeader carries a caller supplied trace ID in and the effective one out.
const TraceHeader = "X-Trace-ID"

type traceKey struct{}

var validTraceID = regexp.MustCompile(`^[0-9a-fA-F-]{8,64}$`)

// WithTraceID returns ctx carrying id. An empty or malformed id is replaced
// by a fresh one; the effective id is returned as well.
func WithTraceID(ctx context.Context, id string) (context.Context, string) {
	if !validTraceID.MatchString(id) {
		id = newTraceID()
	}
	return context.WithValue(ctx, traceKey{}, id), id
}

// TraceID returns the trace ID stored in ctx, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

func newTraceID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		u := uuid.New()
		return hex.EncodeToString(u[:])
	}
	return hex.EncodeToString(b[:])
}
