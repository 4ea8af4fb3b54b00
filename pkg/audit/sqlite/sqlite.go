// Package sqlite provides a SQLite-backed audit log.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/engramdev/engram/pkg/audit"
)

// Log implements audit.Log using a SQLite table.
type Log struct {
	db *sql.DB
}

// NewLog creates a new SQLite-backed audit log.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewLog(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return l, nil
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		actor TEXT NOT NULL,
		change_type TEXT NOT NULL,
		edge_id TEXT,
		candidate_id TEXT,
		score REAL NOT NULL DEFAULT 0,
		reason TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_owner_time
		ON audit_log(owner, created_at DESC);
	`

	_, err := l.db.Exec(schema)
	return err
}

// Append persists the record, assigning an id and timestamp when unset.
func (l *Log) Append(ctx context.Context, rec *audit.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, owner, actor, change_type, edge_id, candidate_id, score, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Owner, rec.Actor, string(rec.ChangeType),
		rec.EdgeID, rec.CandidateID, rec.Score, rec.Reason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// List returns the owner's records, newest first.
func (l *Log) List(ctx context.Context, owner string, limit int) ([]*audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, owner, actor, change_type, edge_id, candidate_id, score, reason, created_at
		FROM audit_log WHERE owner = ? ORDER BY created_at DESC, id LIMIT ?
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var records []*audit.Record
	for rows.Next() {
		rec := &audit.Record{}
		var changeType string
		var edgeID, candidateID, reason sql.NullString
		err := rows.Scan(&rec.ID, &rec.Owner, &rec.Actor, &changeType,
			&edgeID, &candidateID, &rec.Score, &reason, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		rec.ChangeType = audit.ChangeType(changeType)
		rec.EdgeID = edgeID.String
		rec.CandidateID = candidateID.String
		rec.Reason = reason.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Ensure Log implements audit.Log
var _ audit.Log = (*Log)(nil)
