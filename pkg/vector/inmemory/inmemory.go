// Package inmemory provides a brute-force cosine-similarity vector driver
// for tests and ephemeral runs.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/engramdev/engram/pkg/vector"
)

// Driver implements vector.Driver with an in-memory map and exhaustive
// cosine scan. Fine for test-sized corpora.
type Driver struct {
	mu   sync.RWMutex
	docs map[string]vector.Document
}

// NewDriver creates a new in-memory vector driver.
func NewDriver() *Driver {
	return &Driver{docs: make(map[string]vector.Document)}
}

// Add stores documents, replacing any existing document with the same ID.
func (d *Driver) Add(_ context.Context, docs []vector.Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, doc := range docs {
		d.docs[doc.ID] = doc
	}
	return nil
}

// Query scans the partition and returns the topK most similar documents.
func (d *Driver) Query(_ context.Context, owner, kind string, embedding []float32, topK int) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var results []vector.QueryResult
	for _, doc := range d.docs {
		if doc.Owner != owner || doc.Kind != kind {
			continue
		}
		results = append(results, vector.QueryResult{
			Document: doc,
			Score:    vector.Cosine(embedding, doc.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes documents by their IDs.
func (d *Driver) Delete(_ context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range ids {
		delete(d.docs, id)
	}
	return nil
}

// Count returns the number of stored documents.
func (d *Driver) Count(_ context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs), nil
}

// Close is a no-op for the in-memory driver.
func (d *Driver) Close() error {
	return nil
}

// Ensure Driver implements vector.Driver
var _ vector.Driver = (*Driver)(nil)
