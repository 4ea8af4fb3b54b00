// Package sqlite provides a SQLite-backed graph store. Keyword search is
// served by an FTS5 index over edge source text, maintained in the same
// transaction as the edge writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/graph"
)

// Store implements graph.Store using SQLite via mattn/go-sqlite3.
type Store struct {
	db     *sql.DB
	locks  graph.KeyedMutex
	logger *zap.Logger
}

// NewStore creates a new SQLite-backed graph store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection sidesteps SQLITE_BUSY between the keyed write
	// locks and concurrent readers on in-memory databases.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	logger.Info("sqlite graph store initialized", zap.String("db_path", dbPath))

	return s, nil
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		type TEXT NOT NULL,
		label TEXT NOT NULL,
		normalized_label TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(owner, type, normalized_label)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_owner_label
		ON entities(owner, normalized_label);

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_id TEXT,
		literal TEXT,
		properties TEXT,
		valid_from TIMESTAMP NOT NULL,
		valid_until TIMESTAMP,
		ingested_at TIMESTAMP NOT NULL,
		source_ref TEXT,
		source_text TEXT,
		confidence REAL NOT NULL DEFAULT 1.0
	);

	CREATE INDEX IF NOT EXISTS idx_edges_owner_source ON edges(owner, source_id, type);
	CREATE INDEX IF NOT EXISTS idx_edges_owner_target ON edges(owner, target_id, type);

	-- Database-level backstop for the single-current-edge invariant.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_current_key
		ON edges(owner, source_id, type, COALESCE(target_id, 'lit:' || literal))
		WHERE valid_until IS NULL;

	CREATE VIRTUAL TABLE IF NOT EXISTS edges_fts USING fts5(
		edge_id UNINDEXED,
		owner UNINDEXED,
		source_text
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertEntity creates or returns the entity for (owner, type, normalized label).
func (s *Store) UpsertEntity(ctx context.Context, owner, entityType, label string) (*graph.Entity, error) {
	if owner == "" || entityType == "" || label == "" {
		return nil, fmt.Errorf("%w: owner, type and label are required", graph.ErrValidation)
	}

	normalized := graph.NormalizeLabel(label)
	now := time.Now().UTC()
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, owner, type, label, normalized_label, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, type, normalized_label) DO NOTHING
	`, id, owner, entityType, label, normalized, now)
	if err != nil {
		return nil, fmt.Errorf("upserting entity: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, type, label, created_at FROM entities
		WHERE owner = ? AND type = ? AND normalized_label = ?
	`, owner, entityType, normalized)

	return scanEntity(row)
}

// GetEntity retrieves an entity by id.
func (s *Store) GetEntity(ctx context.Context, owner, id string) (*graph.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, type, label, created_at FROM entities
		WHERE owner = ? AND id = ?
	`, owner, id)

	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, graph.NotFoundError{Kind: "entity", ID: id}
	}
	return e, err
}

// FindEntityByLabel resolves an entity by case-insensitive label match.
// When several types share a label, the oldest entity wins.
func (s *Store) FindEntityByLabel(ctx context.Context, owner, label string) (*graph.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, type, label, created_at FROM entities
		WHERE owner = ? AND normalized_label = ?
		ORDER BY created_at LIMIT 1
	`, owner, graph.NormalizeLabel(label))

	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, graph.NotFoundError{Kind: "entity", ID: label}
	}
	return e, err
}

// ListEntities returns all entities in the partition.
func (s *Store) ListEntities(ctx context.Context, owner string) ([]*graph.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, type, label, created_at FROM entities
		WHERE owner = ? ORDER BY created_at
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []*graph.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// ListOwners returns every owner with at least one entity or edge.
func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner FROM entities
		UNION
		SELECT owner FROM edges
		ORDER BY owner
	`)
	if err != nil {
		return nil, fmt.Errorf("querying owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scanning owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// WriteFact inserts rel as the new current edge in a single transaction,
// closing out the superseded edge first when one is named. Partial
// application is impossible: either both mutations commit or neither does.
func (s *Store) WriteFact(ctx context.Context, owner string, rel *graph.Relation, supersedes string) (*graph.Relation, error) {
	if owner == "" || rel == nil || rel.SourceID == "" || rel.Type == "" {
		return nil, fmt.Errorf("%w: owner, source and type are required", graph.ErrValidation)
	}
	if rel.TargetID == "" && rel.Literal == "" {
		return nil, fmt.Errorf("%w: relation needs a target or a literal", graph.ErrValidation)
	}

	unlock := s.locks.Lock(owner, rel.SourceID, rel.Type)
	defer unlock()

	now := time.Now().UTC()
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if supersedes != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE edges SET valid_until = ?
			WHERE id = ? AND owner = ? AND valid_until IS NULL
		`, now, supersedes, owner)
		if err != nil {
			return nil, fmt.Errorf("closing superseded edge: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking supersession: %w", err)
		}
		if affected == 0 {
			return nil, fmt.Errorf("%w: superseded edge %s is no longer current", graph.ErrConflict, supersedes)
		}
	}

	// Reject a second current edge for the same key before the unique index
	// does, so callers get ErrConflict rather than a driver error.
	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM edges
		WHERE owner = ? AND source_id = ? AND type = ?
			AND COALESCE(target_id, 'lit:' || literal) = ?
			AND valid_until IS NULL
	`, owner, stored.SourceID, stored.Type, stored.TargetShape()).Scan(&existing)
	switch err {
	case sql.ErrNoRows:
	case nil:
		return nil, fmt.Errorf("%w: edge %s is already current for this key", graph.ErrConflict, existing)
	default:
		return nil, fmt.Errorf("checking current edge: %w", err)
	}

	props, err := marshalProperties(stored.Properties)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO edges (id, owner, type, source_id, target_id, literal, properties,
			valid_from, valid_until, ingested_at, source_ref, source_text, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)
	`, stored.ID, owner, stored.Type, stored.SourceID,
		nullable(stored.TargetID), nullable(stored.Literal), props,
		stored.ValidFrom, stored.IngestedAt,
		nullable(stored.SourceRef), nullable(stored.SourceText), stored.Confidence,
	); err != nil {
		return nil, fmt.Errorf("inserting edge: %w", err)
	}

	if stored.SourceText != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edges_fts (edge_id, owner, source_text) VALUES (?, ?, ?)
		`, stored.ID, owner, stored.SourceText); err != nil {
			return nil, fmt.Errorf("indexing edge text: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("fact written",
		zap.String("edge_id", stored.ID),
		zap.String("owner", owner),
		zap.String("type", stored.Type),
		zap.String("supersedes", supersedes),
	)

	return &stored, nil
}

// GetEdge retrieves a relation by id regardless of validity.
func (s *Store) GetEdge(ctx context.Context, owner, id string) (*graph.Relation, error) {
	row := s.db.QueryRowContext(ctx, selectEdges+` WHERE owner = ? AND id = ?`, owner, id)

	rel, err := scanEdge(row)
	if err == sql.ErrNoRows {
		return nil, graph.NotFoundError{Kind: "relation", ID: id}
	}
	return rel, err
}

// GetCurrentEdges returns unexpired edges touching the entity.
func (s *Store) GetCurrentEdges(ctx context.Context, owner, entityID, relationType string) ([]*graph.Relation, error) {
	query := selectEdges + `
		WHERE owner = ? AND (source_id = ? OR target_id = ?) AND valid_until IS NULL`
	args := []any{owner, entityID, entityID}

	if relationType != "" {
		query += ` AND type = ?`
		args = append(args, relationType)
	}
	query += ` ORDER BY valid_from DESC`

	return s.queryEdges(ctx, query, args...)
}

// GetEdgesBetween returns current edges of the given type from source to the
// target shape (entity id or literal).
func (s *Store) GetEdgesBetween(ctx context.Context, owner, sourceID, targetShape, relationType string) ([]*graph.Relation, error) {
	query := selectEdges + `
		WHERE owner = ? AND source_id = ?
			AND COALESCE(target_id, 'lit:' || literal) = ?
			AND valid_until IS NULL`
	args := []any{owner, sourceID, targetShape}

	if relationType != "" {
		query += ` AND type = ?`
		args = append(args, relationType)
	}

	return s.queryEdges(ctx, query, args...)
}

// GetAsOf is the time-travel query: edges touching the entity that were
// valid at ts.
func (s *Store) GetAsOf(ctx context.Context, owner, entityID string, ts time.Time) ([]*graph.Relation, error) {
	query := selectEdges + `
		WHERE owner = ? AND (source_id = ? OR target_id = ?)
			AND valid_from <= ?
			AND (valid_until IS NULL OR valid_until > ?)
		ORDER BY valid_from DESC`

	return s.queryEdges(ctx, query, owner, entityID, entityID, ts.UTC(), ts.UTC())
}

// Neighborhood walks current edges outward from the entity, following both
// directions, up to hops steps.
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

// SearchText runs an FTS5 keyword search over stored source text, returning
// current edges best match first.
func (s *Store) SearchText(ctx context.Context, owner, query string, limit int) ([]*graph.Relation, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := `
		SELECT e.id, e.owner, e.type, e.source_id, e.target_id, e.literal, e.properties,
			e.valid_from, e.valid_until, e.ingested_at, e.source_ref, e.source_text, e.confidence
		FROM edges_fts f
		JOIN edges e ON e.id = f.edge_id
		WHERE edges_fts MATCH ? AND f.owner = ? AND e.valid_until IS NULL
		ORDER BY rank LIMIT ?`

	return s.queryEdges(ctx, sqlQuery, match, owner, limit)
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

	edges, err := s.queryEdges(ctx, selectEdges+` WHERE owner = ? ORDER BY ingested_at`, owner)
	if err != nil {
		return err
	}
	for _, rel := range edges {
		if err := fn(graph.SnapshotItem{Relation: rel}); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectEdges = `
	SELECT id, owner, type, source_id, target_id, literal, properties,
		valid_from, valid_until, ingested_at, source_ref, source_text, confidence
	FROM edges`

func (s *Store) queryEdges(ctx context.Context, query string, args ...any) ([]*graph.Relation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var edges []*graph.Relation
	for rows.Next() {
		rel, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, rel)
	}
	return edges, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*graph.Entity, error) {
	var e graph.Entity
	if err := row.Scan(&e.ID, &e.Owner, &e.Type, &e.Label, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning entity: %w", err)
	}
	return &e, nil
}

func scanEdge(row scanner) (*graph.Relation, error) {
	var rel graph.Relation
	var targetID, literal, sourceRef, sourceText, props sql.NullString
	var validUntil sql.NullTime

	err := row.Scan(&rel.ID, &rel.Owner, &rel.Type, &rel.SourceID, &targetID, &literal,
		&props, &rel.ValidFrom, &validUntil, &rel.IngestedAt, &sourceRef, &sourceText,
		&rel.Confidence)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning edge: %w", err)
	}

	rel.TargetID = targetID.String
	rel.Literal = literal.String
	rel.SourceRef = sourceRef.String
	rel.SourceText = sourceText.String
	if validUntil.Valid {
		t := validUntil.Time
		rel.ValidUntil = &t
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &rel.Properties); err != nil {
			return nil, fmt.Errorf("unmarshaling properties: %w", err)
		}
	}

	return &rel, nil
}

func marshalProperties(props map[string]any) (any, error) {
	if len(props) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshaling properties: %w", err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ftsQuery turns free text into a quoted OR query so user input can't break
// FTS5 syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// Ensure Store implements graph.Store
var _ graph.Store = (*Store)(nil)
