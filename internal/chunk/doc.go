// Package chunk turns raw document text into training chunks.
//
// Split is deterministic: it walks a fixed ladder of separators (custom
// delimiters, markdown headings, code blocks, tables, blank lines, lines and
// sentence punctuation) and only descends a level when a piece is still too
// large. Retried work units therefore produce byte-identical chunks.
package chunk
