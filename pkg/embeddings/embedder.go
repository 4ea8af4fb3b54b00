// Package embeddings defines the gateway to the external embedding service.
package embeddings

import "context"

// Embedder provides text embedding capabilities.
type Embedder interface {
	// Embed converts text into a vector embedding. Implementations report
	// service outages by wrapping vector.ErrUnavailable so callers can
	// degrade instead of failing ingestion.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Close releases any resources held by the embedder.
	Close() error
}
