// Package store persists amansync state: the document ledger and the job
// table in SQLite, plus the local index backends (HNSW, Bleve) and the
// Weaviate adapter.
package store

import "time"

// DocumentStatus is the per-run classification of a document.
// It is computed by the change classifier and never persisted.
type DocumentStatus string

const (
	StatusNew       DocumentStatus = "new"
	StatusModified  DocumentStatus = "modified"
	StatusUnchanged DocumentStatus = "unchanged"
	StatusDeleted   DocumentStatus = "deleted"
)

// DocumentRecord is the ledger's view of one indexed document.
type DocumentRecord struct {
	ID            string            `json:"id"`
	Checksum      string            `json:"checksum"`
	LastIndexedAt time.Time         `json:"last_indexed_at"`
	ChunkCount    int               `json:"chunk_count"`
	Status        DocumentStatus    `json:"status,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}
