// Package sqlite provides a SQLite-backed durable deferred queue.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/engramdev/engram/pkg/graph"
	"github.com/engramdev/engram/pkg/queue"
)

// Queue implements queue.Queue using a SQLite table. Candidates are stored
// as JSON payloads keyed by their content-derived id.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a new SQLite-backed queue.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewQueue(dbPath string) (*Queue, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	q := &Queue{db: db}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return q, nil
}

func (q *Queue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deferred_queue (
		candidate_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TIMESTAMP NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_queue_owner_time
		ON deferred_queue(owner, enqueued_at);
	`

	_, err := q.db.Exec(schema)
	return err
}

// Enqueue appends the candidate; re-enqueueing an existing id is a no-op.
func (q *Queue) Enqueue(ctx context.Context, cand *graph.CandidateFact) error {
	if cand == nil || cand.ID == "" || cand.Owner == "" {
		return fmt.Errorf("%w: candidate with id and owner required", graph.ErrValidation)
	}

	payload, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("marshaling candidate: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO deferred_queue (candidate_id, owner, payload, enqueued_at)
		VALUES (?, ?, ?, ?)
	`, cand.ID, cand.Owner, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("enqueueing candidate: %w", err)
	}
	return nil
}

// Peek returns up to max items in enqueue order without removing them.
func (q *Queue) Peek(ctx context.Context, owner string, max int) ([]*queue.Item, error) {
	if max <= 0 {
		max = 50
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT payload, enqueued_at, attempts FROM deferred_queue
		WHERE owner = ? ORDER BY enqueued_at, candidate_id LIMIT ?
	`, owner, max)
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	defer rows.Close()

	var items []*queue.Item
	for rows.Next() {
		var payload string
		item := &queue.Item{}
		if err := rows.Scan(&payload, &item.EnqueuedAt, &item.Attempts); err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}

		var cand graph.CandidateFact
		if err := json.Unmarshal([]byte(payload), &cand); err != nil {
			return nil, fmt.Errorf("unmarshaling candidate: %w", err)
		}
		item.Candidate = &cand
		items = append(items, item)
	}
	return items, rows.Err()
}

// Ack removes drained items by candidate id.
func (q *Queue) Ack(ctx context.Context, owner string, candidateIDs []string) error {
	if len(candidateIDs) == 0 {
		return nil
	}

	query, args := inClause(
		`DELETE FROM deferred_queue WHERE owner = ? AND candidate_id IN`, owner, candidateIDs)
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("acking items: %w", err)
	}
	return nil
}

// Nack leaves the items queued and bumps their attempt counters.
func (q *Queue) Nack(ctx context.Context, owner string, candidateIDs []string) error {
	if len(candidateIDs) == 0 {
		return nil
	}

	query, args := inClause(
		`UPDATE deferred_queue SET attempts = attempts + 1 WHERE owner = ? AND candidate_id IN`, owner, candidateIDs)
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("nacking items: %w", err)
	}
	return nil
}

// Len reports the owner's queue depth.
func (q *Queue) Len(ctx context.Context, owner string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deferred_queue WHERE owner = ?`, owner,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}

func inClause(prefix, owner string, ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, owner)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	return prefix + " (" + strings.Join(placeholders, ",") + ")", args
}

// Ensure Queue implements queue.Queue
var _ queue.Queue = (*Queue)(nil)
