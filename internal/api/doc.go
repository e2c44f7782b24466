// Package api is the admin HTTP API of the ingestion service.
//
// It creates parse tasks, wakes the parse runner, reports unit and job
// state, cancels correlated jobs and runs pipeline iterations on demand.
// Handlers depend on small interfaces so tests drive them with the
// in-memory stores. Errors are mapped to status codes by
// MapErrorToStatusCode and never leak their text to clients.
package api
