// Package events decouples producers of ingest notifications (new work units,
// accepted batches) from the components that react to them, such as the
// parse queue kicker.
package events
