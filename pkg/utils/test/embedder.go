package testutils

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"

	"github.com/engramdev/engram/pkg/vector"
)

// MockEmbedder is a test embedder that returns deterministic embeddings.
// Identical texts always embed identically; texts sharing tokens land close
// together, which is enough to exercise similarity thresholds.
type MockEmbedder struct {
	Embeddings map[string][]float32

	// Unavailable makes every call fail with vector.ErrUnavailable,
	// simulating an embedding service outage.
	Unavailable bool

	// Calls counts Embed invocations.
	Calls int
}

func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{
		Embeddings: make(map[string][]float32),
	}
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.Calls++

	if m.Unavailable {
		return nil, vector.ErrUnavailable
	}

	if emb, ok := m.Embeddings[text]; ok {
		return emb, nil
	}

	return tokenHashEmbedding(text), nil
}

func (m *MockEmbedder) Close() error {
	return nil
}

// tokenHashEmbedding projects each token into a fixed 32-dimensional space
// via its hash, then normalizes the sum.
func tokenHashEmbedding(text string) []float32 {
	const dims = 32

	emb := make([]float32, dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(token))
		for i := 0; i < dims; i++ {
			emb[i] += float32(int(sum[i])-128) / 128.0
		}
	}

	var norm float32
	for _, v := range emb {
		norm += v * v
	}
	if norm == 0 {
		emb[0] = 1
		return emb
	}
	scale := 1 / float32(math.Sqrt(float64(norm)))
	for i := range emb {
		emb[i] *= scale
	}
	return emb
}
