// Package inmemory provides a map-backed graph store for tests and
// ephemeral runs.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/pkg/graph"
)

// Store implements graph.Store using in-memory maps.
type Store struct {
	// mu guards the maps; writeLocks serializes WriteFact per
	// (owner, source, type) key on top of it, matching the SQL backends.
	mu         sync.RWMutex
	writeLocks graph.KeyedMutex

	entities map[string]*graph.Entity   // keyed by id
	edges    map[string]*graph.Relation // keyed by id
}

// NewStore creates a new in-memory graph store.
func NewStore() *Store {
	return &Store{
		entities: make(map[string]*graph.Entity),
		edges:    make(map[string]*graph.Relation),
	}
}

// UpsertEntity creates or returns the entity for (owner, type, normalized label).
func (s *Store) UpsertEntity(_ context.Context, owner, entityType, label string) (*graph.Entity, error) {
	if owner == "" || entityType == "" || label == "" {
		return nil, fmt.Errorf("%w: owner, type and label are required", graph.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := graph.NormalizeLabel(label)
	for _, e := range s.entities {
		if e.Owner == owner && e.Type == entityType && graph.NormalizeLabel(e.Label) == normalized {
			return cloneEntity(e), nil
		}
	}

	e := &graph.Entity{
		ID:        uuid.NewString(),
		Owner:     owner,
		Type:      entityType,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	s.entities[e.ID] = e
	return cloneEntity(e), nil
}

// GetEntity retrieves an entity by id.
func (s *Store) GetEntity(_ context.Context, owner, id string) (*graph.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok || e.Owner != owner {
		return nil, graph.NotFoundError{Kind: "entity", ID: id}
	}
	return cloneEntity(e), nil
}

// FindEntityByLabel resolves an entity by case-insensitive label match.
func (s *Store) FindEntityByLabel(_ context.Context, owner, label string) (*graph.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	normalized := graph.NormalizeLabel(label)
	var match *graph.Entity
	for _, e := range s.entities {
		if e.Owner != owner || graph.NormalizeLabel(e.Label) != normalized {
			continue
		}
		if match == nil || e.CreatedAt.Before(match.CreatedAt) {
			match = e
		}
	}

	if match == nil {
		return nil, graph.NotFoundError{Kind: "entity", ID: label}
	}
	return cloneEntity(match), nil
}

// ListEntities returns all entities in the partition, oldest first.
func (s *Store) ListEntities(_ context.Context, owner string) ([]*graph.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entities []*graph.Entity
	for _, e := range s.entities {
		if e.Owner == owner {
			entities = append(entities, cloneEntity(e))
		}
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].CreatedAt.Before(entities[j].CreatedAt)
	})
	return entities, nil
}

// ListOwners returns every owner with at least one entity or edge.
func (s *Store) ListOwners(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range s.entities {
		seen[e.Owner] = struct{}{}
	}
	for _, e := range s.edges {
		seen[e.Owner] = struct{}{}
	}

	owners := make([]string, 0, len(seen))
	for owner := range seen {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

// WriteFact inserts rel as the new current edge, closing out the superseded
// edge first when one is named. Both mutations apply atomically under the
// store lock.
func (s *Store) WriteFact(_ context.Context, owner string, rel *graph.Relation, supersedes string) (*graph.Relation, error) {
	if owner == "" || rel == nil || rel.SourceID == "" || rel.Type == "" {
		return nil, fmt.Errorf("%w: owner, source and type are required", graph.ErrValidation)
	}
	if rel.TargetID == "" && rel.Literal == "" {
		return nil, fmt.Errorf("%w: relation needs a target or a literal", graph.ErrValidation)
	}

	unlock := s.writeLocks.Lock(owner, rel.SourceID, rel.Type)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var old *graph.Relation
	if supersedes != "" {
		existing, ok := s.edges[supersedes]
		if !ok || existing.Owner != owner || !existing.Current() {
			return nil, fmt.Errorf("%w: superseded edge %s is no longer current", graph.ErrConflict, supersedes)
		}
		old = existing
	}

	stored := *rel
	stored.Owner = owner
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.ValidFrom.IsZero() {
		stored.ValidFrom = now
	}
	stored.ValidUntil = nil
	stored.IngestedAt = now

	// Check the single-current-edge invariant before mutating anything, so a
	// conflicting write leaves the superseded edge untouched. The superseded
	// edge itself is exempt: it is about to be closed.
	for _, e := range s.edges {
		if e.ID == supersedes {
			continue
		}
		if e.Owner == owner && e.SourceID == stored.SourceID && e.Type == stored.Type &&
			e.TargetShape() == stored.TargetShape() && e.Current() {
			return nil, fmt.Errorf("%w: edge %s is already current for this key", graph.ErrConflict, e.ID)
		}
	}

	if old != nil {
		closed := now
		old.ValidUntil = &closed
	}

	s.edges[stored.ID] = &stored
	return cloneEdge(&stored), nil
}

// GetEdge retrieves a relation by id regardless of validity.
func (s *Store) GetEdge(_ context.Context, owner, id string) (*graph.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.edges[id]
	if !ok || e.Owner != owner {
		return nil, graph.NotFoundError{Kind: "relation", ID: id}
	}
	return cloneEdge(e), nil
}

// GetCurrentEdges returns unexpired edges touching the entity.
func (s *Store) GetCurrentEdges(_ context.Context, owner, entityID, relationType string) ([]*graph.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var edges []*graph.Relation
	for _, e := range s.edges {
		if e.Owner != owner || !e.Current() {
			continue
		}
		if e.SourceID != entityID && e.TargetID != entityID {
			continue
		}
		if relationType != "" && e.Type != relationType {
			continue
		}
		edges = append(edges, cloneEdge(e))
	}
	sortByValidFromDesc(edges)
	return edges, nil
}

// GetEdgesBetween returns current edges of the given type from source to the
// target shape.
func (s *Store) GetEdgesBetween(_ context.Context, owner, sourceID, targetShape, relationType string) ([]*graph.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var edges []*graph.Relation
	for _, e := range s.edges {
		if e.Owner != owner || !e.Current() || e.SourceID != sourceID {
			continue
		}
		if e.TargetShape() != targetShape {
			continue
		}
		if relationType != "" && e.Type != relationType {
			continue
		}
		edges = append(edges, cloneEdge(e))
	}
	return edges, nil
}

// GetAsOf returns the edges touching the entity that were valid at ts.
func (s *Store) GetAsOf(_ context.Context, owner, entityID string, ts time.Time) ([]*graph.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var edges []*graph.Relation
	for _, e := range s.edges {
		if e.Owner != owner {
			continue
		}
		if e.SourceID != entityID && e.TargetID != entityID {
			continue
		}
		if e.ValidFrom.After(ts) {
			continue
		}
		if e.ValidUntil != nil && !e.ValidUntil.After(ts) {
			continue
		}
		edges = append(edges, cloneEdge(e))
	}
	sortByValidFromDesc(edges)
	return edges, nil
}

// Neighborhood walks current edges outward from the entity up to hops steps.
func (s *Store) Neighborhood(ctx context.Context, owner, entityID string, hops int) ([]*graph.Relation, error) {
	if hops < 1 {
		hops = 1
	}

	seen := make(map[string]*graph.Relation)
	frontier := []string{entityID}
	visited := map[string]bool{entityID: true}

	for step := 0; step < hops && len(frontier) > 0; step++ {
		var next []string
		for _, id := range frontier {
			edges, err := s.GetCurrentEdges(ctx, owner, id, "")
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if _, ok := seen[e.ID]; ok {
					continue
				}
				seen[e.ID] = e

				for _, neighbor := range []string{e.SourceID, e.TargetID} {
					if neighbor != "" && !visited[neighbor] {
						visited[neighbor] = true
						next = append(next, neighbor)
					}
				}
			}
		}
		frontier = next
	}

	result := make([]*graph.Relation, 0, len(seen))
	for _, e := range seen {
		result = append(result, e)
	}
	return result, nil
}

// SearchText scores current edges by term overlap with the query.
func (s *Store) SearchText(_ context.Context, owner, query string, limit int) ([]*graph.Relation, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		edge *graph.Relation
		hits int
	}
	var matches []scored

	for _, e := range s.edges {
		if e.Owner != owner || !e.Current() || e.SourceText == "" {
			continue
		}
		text := strings.ToLower(e.SourceText)
		hits := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{edge: cloneEdge(e), hits: hits})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].hits != matches[j].hits {
			return matches[i].hits > matches[j].hits
		}
		return matches[i].edge.ValidFrom.After(matches[j].edge.ValidFrom)
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}

	edges := make([]*graph.Relation, len(matches))
	for i, m := range matches {
		edges[i] = m.edge
	}
	return edges, nil
}

// Snapshot streams the partition through fn, entities first.
func (s *Store) Snapshot(ctx context.Context, owner string, fn func(graph.SnapshotItem) error) error {
	entities, err := s.ListEntities(ctx, owner)
	if err != nil {
		return err
	}
	for _, e := range entities {
		if err := fn(graph.SnapshotItem{Entity: e}); err != nil {
			return err
		}
	}

	s.mu.RLock()
	var edges []*graph.Relation
	for _, e := range s.edges {
		if e.Owner == owner {
			edges = append(edges, cloneEdge(e))
		}
	}
	s.mu.RUnlock()

	sort.Slice(edges, func(i, j int) bool {
		return edges[i].IngestedAt.Before(edges[j].IngestedAt)
	})
	for _, e := range edges {
		if err := fn(graph.SnapshotItem{Relation: e}); err != nil {
			return err
		}
	}
	return nil
}

// EdgeCount returns the number of edges in the partition, for tests.
func (s *Store) EdgeCount(owner string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.edges {
		if e.Owner == owner {
			count++
		}
	}
	return count
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func cloneEntity(e *graph.Entity) *graph.Entity {
	c := *e
	return &c
}

func cloneEdge(e *graph.Relation) *graph.Relation {
	c := *e
	if e.ValidUntil != nil {
		t := *e.ValidUntil
		c.ValidUntil = &t
	}
	if e.Properties != nil {
		props := make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			props[k] = v
		}
		c.Properties = props
	}
	return &c
}

func sortByValidFromDesc(edges []*graph.Relation) {
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].ValidFrom.After(edges[j].ValidFrom)
	})
}

// Ensure Store implements graph.Store
var _ graph.Store = (*Store)(nil)
