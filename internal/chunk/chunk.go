package chunk

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Trigger decides whether text is split at all.
type Trigger string

// Triggers
const (
	// TriggerMinSize keeps text as one chunk until it is longer than
	// Params.TriggerMinSize.
	TriggerMinSize Trigger = "minSize"
	// TriggerMaxSize keeps text as one chunk until it exceeds the model's
	// maximum chunk size.
	TriggerMaxSize Trigger = "maxSize"
	TriggerForce   Trigger = "forceChunk"
)

// ErrBackupFormat is returned when backup text is not valid q,a CSV.
var ErrBackupFormat = errors.New("invalid backup format")

var firstHeadingRe = regexp.MustCompile(`(?m)^#\s+(.+?)\s*$`)

// Chunk is one immutable slice of source text ready for training. Q holds
// the chunk text; A is only set for question/answer data.
type Chunk struct {
	Index   int      `json:"chunk_index"`
	Q       string   `json:"q"`
	A       string   `json:"a,omitempty"`
	Indexes []string `json:"indexes,omitempty"`
}

// Params is the full chunking input of one collection.
type Params struct {
	Options
	Trigger        Trigger
	TriggerMinSize int
	// Backup treats the text as an exported q,a[,index...] CSV.
	Backup bool
}

// FromText converts raw text into chunks. The text is trimmed first; empty
// text gives no chunks.
func FromText(text string, p Params) ([]Chunk, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if p.Backup {
		return parseBackup(text)
	}

	var parts []string
	if shouldSplit(text, p) {
		parts = Split(text, p.Options)
	} else {
		parts = []string{text}
	}

	out := make([]Chunk, 0, len(parts))
	for i, part := range parts {
		out = append(out, Chunk{Index: i, Q: part})
	}
	return out, nil
}

func shouldSplit(text string, p Params) bool {
	n := ValidLength(text)
	switch p.Trigger {
	case TriggerMinSize:
		return n > p.TriggerMinSize
	case TriggerMaxSize:
		limit := p.MaxSize
		if limit <= 0 {
			limit = DefaultMaxSize
		}
		return n > limit
	default:
		return true
	}
}

// parseBackup reads q,a CSV rows. An optional header row starting with "q"
// is skipped; columns after the second are extra index texts.
func parseBackup(text string) ([]Chunk, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var out []Chunk
	for row := 0; ; row++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackupFormat, err)
		}
		if row == 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "q") {
			continue
		}
		q := strings.TrimSpace(rec[0])
		if q == "" {
			continue
		}
		c := Chunk{Index: len(out), Q: q}
		if len(rec) > 1 {
			c.A = strings.TrimSpace(rec[1])
		}
		for _, idx := range rec[min(2, len(rec)):] {
			if idx = strings.TrimSpace(idx); idx != "" {
				c.Indexes = append(c.Indexes, idx)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// Title returns the first level-one heading of text, or "".
func Title(text string) string {
	m := firstHeadingRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// Hash is the content hash stored with raw text and training rows.
func Hash(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(text))
}
