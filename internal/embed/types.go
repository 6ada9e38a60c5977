// Package embed turns chunk text into vectors for the vector index backends.
package embed

import (
	"context"
	"math"
)

// DefaultDimensions is the static embedder's default vector width.
const DefaultDimensions = 256

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding width.
	Dimensions() int

	// ModelName identifies the model; cached vectors are keyed by it.
	ModelName() string

	Close() error
}

// normalizeVector scales v to unit length in place. Zero vectors are left alone.
func normalizeVector(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := 1 / math.Sqrt(sumSquares)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
