// Package source reads the raw text of a collection from wherever it lives:
// a web page, an uploaded file, a remote API dataset or an external URL.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/phrazzld/scry-ingest/internal/training"
)

// Kind tags a Descriptor.
type Kind string

// Source kinds
const (
	KindLink         Kind = "link"
	KindFileLocal    Kind = "fileLocal"
	KindAPIFile      Kind = "apiFile"
	KindExternalFile Kind = "externalFile"
)

var (
	// ErrUnknownSource means no reader exists for the collection. Units
	// pointing at such collections are dropped, not retried.
	ErrUnknownSource = errors.New("unknown source type")
	// ErrMissingSourceRef means the collection type is known but the field
	// that locates its content is empty.
	ErrMissingSourceRef = errors.New("source reference is missing")
	// ErrSourceTooLarge is returned when a body exceeds the read limit.
	ErrSourceTooLarge = errors.New("source exceeds size limit")
)

// Descriptor locates the content of one collection. Only the fields that
// belong to Kind are set.
type Descriptor struct {
	Kind     Kind
	SourceID string
	TeamID   uuid.UUID
	TmbID    uuid.UUID

	// Selector narrows a link to part of the page.
	Selector string
	// APIServer is the remote dataset server of an apiFile.
	APIServer *training.APIServer
	// ExternalFileID is the caller's id of an externalFile.
	ExternalFileID string
	// CustomPDFParse asks the reader for structured PDF output.
	CustomPDFParse bool
}

// Document is the text read from a source. Title may be empty.
type Document struct {
	Title   string
	RawText string
}

// Reader reads one kind of source.
type Reader interface {
	Read(ctx context.Context, desc Descriptor) (Document, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, desc Descriptor) (Document, error)

// Read implements Reader.
func (f ReaderFunc) Read(ctx context.Context, desc Descriptor) (Document, error) {
	return f(ctx, desc)
}

// DescriptorFor builds the descriptor of a claimed unit. The unit's Dataset
// and Collection must be populated.
func DescriptorFor(unit *training.WorkUnit) (Descriptor, error) {
	c := unit.Collection
	d := Descriptor{
		TeamID:         unit.TeamID,
		TmbID:          unit.TmbID,
		CustomPDFParse: c.CustomPDFParse,
	}

	switch c.Type {
	case training.CollectionLink:
		if c.RawLink == "" {
			return d, fmt.Errorf("%w: raw link", ErrMissingSourceRef)
		}
		d.Kind, d.SourceID, d.Selector = KindLink, c.RawLink, c.WebPageSelector
	case training.CollectionFile:
		if c.FileID == "" {
			return d, fmt.Errorf("%w: file id", ErrMissingSourceRef)
		}
		d.Kind, d.SourceID = KindFileLocal, c.FileID
	case training.CollectionAPIFile:
		if c.APIFileID == "" {
			return d, fmt.Errorf("%w: api file id", ErrMissingSourceRef)
		}
		d.Kind, d.SourceID = KindAPIFile, c.APIFileID
		if unit.Dataset != nil {
			d.APIServer = unit.Dataset.APIServer
		}
	case training.CollectionExternalFile:
		if c.ExternalFileURL == "" {
			return d, fmt.Errorf("%w: external file url", ErrMissingSourceRef)
		}
		d.Kind, d.SourceID, d.ExternalFileID = KindExternalFile, c.ExternalFileURL, c.ExternalFileID
	default:
		return d, fmt.Errorf("%w: collection type %q", ErrUnknownSource, c.Type)
	}
	return d, nil
}
