// Package training models the dataset ingestion work units and the stores
// that hand them out.
//
// A WorkUnit asks for one collection to be parsed, chunked and pushed to the
// training queue. Units are claimed atomically through a ClaimStore: a claim
// stamps the lock time and spends one unit of the retry budget, so a unit
// that keeps failing eventually stops being handed out. Failed units carry an
// error message and wait out the backoff window before they can be claimed
// again.
package training
