// Package queue implements a named, durable, at-least-once work queue with
// deduplicated enqueue, per-item delayed scheduling, correlation-based
// cleanup and pull-based workers.
//
// A Queue is a thin policy layer over a Backend. The Backend owns storage and
// the atomic claim; the Queue owns dedup caching, default delays, retry
// classification and cleanup bookkeeping. Two backends ship with the module:
// NewMemoryBackend for tests and single-process use, and the PostgreSQL
// JobStore in internal/platform/postgres.
//
// Failure handling is decided by Classify, a pure function of the error kind,
// the attempts already made and the attempt budget. Errors wrapped with
// Unrecoverable (or matching ErrUnrecoverable) are never retried.
package queue
