package indexer

import "context"

// Chunk is the unit stored in the backend.
type Chunk struct {
	// Index is the chunk's position within its document.
	Index    int
	Content  string
	Metadata map[string]string
}

// Index is a remote index addressed by document id.
//
// Implementations must be safe for concurrent use across different ids.
type Index interface {
	// Upsert replaces every chunk of id with chunks and returns the new
	// chunk count.
	//
	// Behavior:
	//   - Deletes existing chunks first, so a retried Upsert never
	//     double-inserts
	//   - An empty slice leaves id with zero chunks
	Upsert(ctx context.Context, id string, chunks []Chunk) (int, error)

	// Remove deletes every chunk of id. Removing an unknown id is a no-op.
	Remove(ctx context.Context, id string) error

	// Count returns the number of chunks stored for id, 0 if unknown.
	Count(ctx context.Context, id string) (int, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// Lister is implemented by backends that can enumerate their documents.
// The health checker uses it to find orphans.
type Lister interface {
	// DocumentIDs returns every id with at least one chunk, sorted.
	DocumentIDs(ctx context.Context) ([]string, error)
}

// Flusher is implemented by backends that buffer writes in memory.
// Flush makes every completed Upsert and Remove durable; the engine calls
// it before committing a batch to the ledger.
type Flusher interface {
	Flush(ctx context.Context) error
}
