// Package vector provides interfaces and implementations for the embedding
// index owned by the retrieval engine and fed by the fact-store write path.
package vector

import "context"

// Kind partitions documents within an owner's index.
const (
	// KindFact indexes a persisted relation's source text; the document ID
	// is the edge id.
	KindFact = "fact"

	// KindEntity indexes an entity label for fuzzy entity resolution; the
	// document ID is the entity id.
	KindEntity = "entity"
)

// Document represents a stored item with its embedding and metadata.
type Document struct {
	// ID is the edge or entity id the document corresponds to.
	ID string

	// Owner scopes the document to a user partition.
	Owner string

	// Kind is KindFact or KindEntity.
	Kind string

	// Text is the indexed source text or label.
	Text string

	// Embedding is the vector representation of the text.
	Embedding []float32
}

// QueryResult represents a search result with similarity score.
type QueryResult struct {
	Document

	// Score represents the similarity score (higher = more similar).
	Score float32
}

// Driver handles storage and retrieval of vector embeddings. All queries are
// scoped to one owner partition and document kind.
type Driver interface {
	// Add stores documents with their embeddings. If a document with the
	// same ID already exists, implementers should update the document.
	Add(ctx context.Context, docs []Document) error

	// Query finds the topK most similar documents within the partition.
	Query(ctx context.Context, owner, kind string, embedding []float32, topK int) ([]QueryResult, error)

	// Delete removes documents by their IDs.
	Delete(ctx context.Context, ids []string) error

	// Count returns the total number of stored documents across all
	// partitions. Used to detect an empty index needing a rebuild.
	Count(ctx context.Context) (int, error)

	// Close releases any resources held by the driver.
	Close() error
}
