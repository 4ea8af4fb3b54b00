package graph

import (
	"context"
	"time"
)

// SnapshotItem is one element of a partition snapshot. Exactly one of Entity
// and Relation is non-nil; entities are visited before relations.
type SnapshotItem struct {
	Entity   *Entity
	Relation *Relation
}

// Store is the interface for persisting and querying the temporal graph.
// All operations are scoped by owner; cross-owner edges are disallowed by
// construction. Implementations must serialize writes to the same
// (owner, source, relation type) key so the single-current-edge invariant
// holds under concurrent immediate and deferred writers.
type Store interface {
	// UpsertEntity creates or returns the entity identified by
	// (owner, type, normalized label). Idempotent.
	UpsertEntity(ctx context.Context, owner, entityType, label string) (*Entity, error)

	// GetEntity retrieves an entity by id.
	GetEntity(ctx context.Context, owner, id string) (*Entity, error)

	// FindEntityByLabel resolves an entity by case-insensitive label match.
	// Returns NotFoundError when no entity carries the label.
	FindEntityByLabel(ctx context.Context, owner, label string) (*Entity, error)

	// ListEntities returns all entities in the partition.
	ListEntities(ctx context.Context, owner string) ([]*Entity, error)

	// ListOwners returns every owner with at least one entity or edge.
	// Consumed by the cold-start index rebuild.
	ListOwners(ctx context.Context) ([]string, error)

	// WriteFact inserts rel as the new current edge in a single transaction.
	// If supersedes is non-empty, that edge's validity is closed out
	// (valid_until = now) in the same transaction. Returns ErrConflict if the
	// superseded edge is no longer current, or if another current edge
	// already occupies the same (source, type, target shape) key.
	WriteFact(ctx context.Context, owner string, rel *Relation, supersedes string) (*Relation, error)

	// GetEdge retrieves a relation by id regardless of validity.
	GetEdge(ctx context.Context, owner, id string) (*Relation, error)

	// GetCurrentEdges returns edges with no expiry for the entity. A
	// relationType of "" matches all types. The entity may appear on either
	// side of the edge.
	GetCurrentEdges(ctx context.Context, owner, entityID, relationType string) ([]*Relation, error)

	// GetEdgesBetween returns current edges of the given type from source to
	// target. relationType "" matches all types.
	GetEdgesBetween(ctx context.Context, owner, sourceID, targetShape, relationType string) ([]*Relation, error)

	// GetAsOf returns the edges touching the entity that were valid at ts:
	// valid_from <= ts and (valid_until is null or valid_until > ts).
	GetAsOf(ctx context.Context, owner, entityID string, ts time.Time) ([]*Relation, error)

	// Neighborhood returns the current edges reachable from the entity
	// within hops steps, following edges in both directions.
	Neighborhood(ctx context.Context, owner, entityID string, hops int) ([]*Relation, error)

	// SearchText runs a keyword search over stored source text, returning
	// current edges only, best match first.
	SearchText(ctx context.Context, owner, query string, limit int) ([]*Relation, error)

	// Snapshot streams every entity and relation in the partition through fn,
	// entities first. A non-nil error from fn aborts the iteration. Consumed
	// by external backup tooling and by cold-start index rebuilds.
	Snapshot(ctx context.Context, owner string, fn func(SnapshotItem) error) error

	// Close releases resources held by the store.
	Close() error
}
