package embed

import (
	"fmt"

	"github.com/Aman-CERP/amansync/internal/config"
)

// New builds the configured embedder, wrapped in a cache.
func New(cfg config.EmbeddingsConfig) (Embedder, error) {
	var inner Embedder
	switch cfg.Provider {
	case "", "static":
		inner = NewStaticEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
