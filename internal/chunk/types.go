// Package chunk splits documents into the units that are embedded and
// stored in the index. Splitting is a pure function of the document content
// and the chunker options.
package chunk

import (
	"context"
	"errors"

	"github.com/Aman-CERP/amansync/internal/scanner"
)

// Default sizes, in characters.
const (
	DefaultMaxChunkChars = 1500
	DefaultOverlapChars  = 150
)

var errInvalidUTF8 = errors.New("content is not valid UTF-8")

// Chunk is one indexed unit of a document.
type Chunk struct {
	DocumentID string
	// Index is the chunk's position within the document, from 0.
	Index   int
	Content string
	// Metadata carries structure hints such as header_path.
	Metadata map[string]string
}

// Producer splits a document into chunks.
type Producer interface {
	// Split returns the document's chunks in order. Failures are
	// ChunkingErrors and only affect this document.
	Split(ctx context.Context, doc *scanner.Document) ([]*Chunk, error)
}

// Options bounds chunk size.
type Options struct {
	MaxChunkChars int
	OverlapChars  int
}

func (o Options) withDefaults() Options {
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = DefaultMaxChunkChars
	}
	if o.OverlapChars < 0 || o.OverlapChars >= o.MaxChunkChars {
		o.OverlapChars = 0
	}
	return o
}
