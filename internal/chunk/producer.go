package chunk

import (
	"context"
	"path"
	"strings"

	"github.com/Aman-CERP/amansync/internal/config"
	"github.com/Aman-CERP/amansync/internal/scanner"
)

var markdownExtensions = map[string]struct{}{
	".md": {}, ".markdown": {}, ".mdx": {},
}

// Router picks a chunker per document by file extension. Documents without
// a known extension (remote pages, plain text) use the TextChunker.
type Router struct {
	markdown *MarkdownChunker
	text     *TextChunker
}

// NewProducer returns the default Producer for cfg.
func NewProducer(cfg config.ChunkingConfig) *Router {
	opts := Options{MaxChunkChars: cfg.MaxChunkChars, OverlapChars: cfg.OverlapChars}
	return &Router{
		markdown: NewMarkdownChunker(opts),
		text:     NewTextChunker(opts),
	}
}

// Split implements Producer.
func (r *Router) Split(ctx context.Context, doc *scanner.Document) ([]*Chunk, error) {
	ext := doc.Metadata["ext"]
	if ext == "" {
		ext = strings.ToLower(path.Ext(doc.ID))
	}
	if _, ok := markdownExtensions[ext]; ok {
		return r.markdown.Split(ctx, doc)
	}
	return r.text.Split(ctx, doc)
}

var (
	_ Producer = (*TextChunker)(nil)
	_ Producer = (*MarkdownChunker)(nil)
	_ Producer = (*Router)(nil)
)
