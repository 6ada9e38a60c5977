package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Aman-CERP/amansync/internal/config"
	"github.com/Aman-CERP/amansync/internal/embed"
	"github.com/Aman-CERP/amansync/pkg/indexer"
)

// IndexDirName holds the local backend files under the data directory.
const IndexDirName = "index"

// Backend is an index that owns resources.
type Backend interface {
	indexer.Index
	io.Closer
}

// OpenIndex opens the backend selected by cfg.Backend. Local backends
// keep their files in <dataDir>/index.
func OpenIndex(ctx context.Context, cfg config.IndexConfig, dataDir string, emb embed.Embedder) (Backend, error) {
	dir := filepath.Join(dataDir, IndexDirName)

	switch cfg.Backend {
	case "hnsw", "":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		return NewHNSWIndex(filepath.Join(dir, HNSWFileName), emb)
	case "bleve":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		return NewBleveIndex(filepath.Join(dir, BleveDirName))
	case "weaviate":
		return NewWeaviateIndex(ctx, cfg.Weaviate, emb)
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}
