// Package indexer defines the contract between the synchronization engine
// and a vector-search backend.
//
// The engine treats the backend as an opaque store of chunks grouped by
// document id. It never searches; it only replaces, removes and counts a
// document's chunks:
//
//	n, err := idx.Upsert(ctx, "guides/setup.md", chunks)
//	err = idx.Remove(ctx, "guides/old.md")
//	n, err = idx.Count(ctx, "guides/setup.md")
//
// Backends live in internal/store (HNSW, Bleve, Weaviate). MemoryIndex is
// an in-process implementation with failure injection for tests.
package indexer
