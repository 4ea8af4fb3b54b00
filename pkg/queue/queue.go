// Package queue defines the durable per-owner deferred queue feeding the
// update scheduler's batch path.
package queue

import (
	"context"
	"time"

	"github.com/engramdev/engram/pkg/graph"
)

// Item is one queued candidate fact.
type Item struct {
	// Candidate is the queued fact. Its ID is the queue key: enqueueing the
	// same candidate twice is a no-op.
	Candidate *graph.CandidateFact

	// EnqueuedAt orders drain processing.
	EnqueuedAt time.Time

	// Attempts counts drain attempts that left the item queued.
	Attempts int
}

// Queue is a durable FIFO of deferred candidates, partitioned by owner.
// Implementations must survive process restart (the in-memory variant is for
// tests only).
type Queue interface {
	// Enqueue appends the candidate to the owner's queue. Enqueueing an
	// already-queued candidate id is a no-op.
	Enqueue(ctx context.Context, cand *graph.CandidateFact) error

	// Peek returns up to max items in enqueue order without removing them.
	Peek(ctx context.Context, owner string, max int) ([]*Item, error)

	// Ack removes drained items by candidate id.
	Ack(ctx context.Context, owner string, candidateIDs []string) error

	// Nack leaves the items queued and bumps their attempt counters.
	Nack(ctx context.Context, owner string, candidateIDs []string) error

	// Len reports the owner's queue depth.
	Len(ctx context.Context, owner string) (int, error)

	// Close releases resources held by the queue.
	Close() error
}
