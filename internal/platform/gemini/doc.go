// Package gemini implements segment.Service on Google's Gemini API.
//
// The Segmenter sends raw document text to a Gemini model with an
// instruction to return the same content as markdown with headings, so the
// chunker can split along them. Transient API failures are retried with
// exponential backoff and jitter; blocked or empty responses are not.
package gemini
