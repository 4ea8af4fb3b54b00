// Package inmemory provides an in-memory audit log for tests.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/pkg/audit"
)

// Log implements audit.Log in memory.
type Log struct {
	mu      sync.Mutex
	records map[string][]*audit.Record // owner -> records in append order
}

// NewLog creates a new in-memory audit log.
func NewLog() *Log {
	return &Log{records: make(map[string][]*audit.Record)}
}

// Append persists the record, assigning an id and timestamp when unset.
func (l *Log) Append(_ context.Context, rec *audit.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	clone := *rec
	l.records[rec.Owner] = append(l.records[rec.Owner], &clone)
	return nil
}

// List returns the owner's records, newest first.
func (l *Log) List(_ context.Context, owner string, limit int) ([]*audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored := l.records[owner]
	var records []*audit.Record
	for i := len(stored) - 1; i >= 0 && len(records) < limit; i-- {
		clone := *stored[i]
		records = append(records, &clone)
	}
	return records, nil
}

// Close is a no-op for the in-memory log.
func (l *Log) Close() error {
	return nil
}

// Ensure Log implements audit.Log
var _ audit.Log = (*Log)(nil)
