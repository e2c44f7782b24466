// Package pipeline implements the dataset parse worker: claim a work unit,
// check quota, read the source, optionally re-segment it with an LLM, chunk
// it, check the index limit, push the chunks to the training queue and do
// the collection bookkeeping.
//
// Every path ends in exactly one of: the unit deleted (invalid or finished),
// the unit marked failed with a redacted message (locked for the backoff
// window), or the unit left untouched beyond its claim (insufficient quota).
// The quota check always happens before any paid remote call, and no chunk
// of a batch that exceeds the index limit reaches the training queue.
package pipeline
