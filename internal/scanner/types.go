// Package scanner lists the documents of a source and fingerprints their
// content. Identical content always yields an identical checksum, and
// every Source returns its documents sorted by ID.
package scanner

import (
	"context"
	"sort"
)

// Document is one source document as seen by a scan.
type Document struct {
	// ID is stable across runs: the slash-separated path relative to the
	// source root, or the URL for remote pages.
	ID string

	Content []byte

	// Metadata holds source attributes (path, url, ext, size) that the
	// engine stores but does not interpret.
	Metadata map[string]string

	// Checksum is the hex digest of Content.
	Checksum string
}

// Source produces the current set of documents.
type Source interface {
	// List returns every document, sorted by ID. An unreachable source
	// fails with a ScanError and returns no documents.
	List(ctx context.Context) ([]*Document, error)
}

func sortDocuments(docs []*Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
