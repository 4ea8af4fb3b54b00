// Package audit defines the append-only decision trail. Every candidate
// fact leaves a record here regardless of disposition, including discards.
package audit

import (
	"context"
	"time"
)

// ChangeType tags what happened to the graph (or didn't).
type ChangeType string

const (
	// ChangeCreate records a new edge written with no predecessor.
	ChangeCreate ChangeType = "create"

	// ChangeUpdate records a new edge written while superseding another.
	ChangeUpdate ChangeType = "update"

	// ChangeExpire records the close-out of a superseded edge.
	ChangeExpire ChangeType = "expire"

	// ChangeDiscard records a candidate dropped as pure repetition.
	ChangeDiscard ChangeType = "discard"

	// ChangeEnqueue records a candidate routed to the deferred queue.
	ChangeEnqueue ChangeType = "enqueue"

	// ChangeDowngrade records an immediate write that exhausted its retries
	// and fell back to the deferred queue.
	ChangeDowngrade ChangeType = "downgrade"

	// ChangeDrain records a queued candidate resolved during a drain pass.
	ChangeDrain ChangeType = "drain"
)

// Record is one immutable audit entry.
type Record struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Actor       string     `json:"actor"`
	ChangeType  ChangeType `json:"change_type"`
	EdgeID      string     `json:"edge_id,omitempty"`
	CandidateID string     `json:"candidate_id,omitempty"`
	Score       float64    `json:"score"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Log is the append-only audit store. Records are never updated or deleted.
type Log interface {
	// Append persists the record. A zero ID and CreatedAt are filled in.
	Append(ctx context.Context, rec *Record) error

	// List returns the owner's records, newest first, up to limit.
	List(ctx context.Context, owner string, limit int) ([]*Record, error)

	// Close releases resources held by the log.
	Close() error
}

// Publisher fans audit records out to external consumers. Publishing is
// best-effort: a failed publish never fails the write that produced it.
type Publisher interface {
	Publish(ctx context.Context, rec *Record) error
	Close() error
}

// NopPublisher discards all records. Used when no broker is configured.
type NopPublisher struct{}

// Publish discards the record.
func (NopPublisher) Publish(context.Context, *Record) error { return nil }

// Close is a no-op.
func (NopPublisher) Close() error { return nil }

// Ensure NopPublisher implements Publisher
var _ Publisher = NopPublisher{}
