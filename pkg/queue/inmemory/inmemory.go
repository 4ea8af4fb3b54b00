// Package inmemory provides a map-backed queue for tests. It does not
// survive restarts; production uses the sqlite queue.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/engramdev/engram/pkg/graph"
	"github.com/engramdev/engram/pkg/queue"
)

// Queue implements queue.Queue in memory.
type Queue struct {
	mu    sync.Mutex
	items map[string]map[string]*queue.Item // owner -> candidate id -> item
}

// NewQueue creates a new in-memory queue.
func NewQueue() *Queue {
	return &Queue{items: make(map[string]map[string]*queue.Item)}
}

// Enqueue appends the candidate; re-enqueueing an existing id is a no-op.
func (q *Queue) Enqueue(_ context.Context, cand *graph.CandidateFact) error {
	if cand == nil || cand.ID == "" || cand.Owner == "" {
		return fmt.Errorf("%w: candidate with id and owner required", graph.ErrValidation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	owned, ok := q.items[cand.Owner]
	if !ok {
		owned = make(map[string]*queue.Item)
		q.items[cand.Owner] = owned
	}
	if _, ok := owned[cand.ID]; ok {
		return nil
	}

	owned[cand.ID] = &queue.Item{
		Candidate:  cand,
		EnqueuedAt: time.Now().UTC(),
	}
	return nil
}

// Peek returns up to max items in enqueue order without removing them.
func (q *Queue) Peek(_ context.Context, owner string, max int) ([]*queue.Item, error) {
	if max <= 0 {
		max = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var items []*queue.Item
	for _, item := range q.items[owner] {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
		}
		return items[i].Candidate.ID < items[j].Candidate.ID
	})
	if len(items) > max {
		items = items[:max]
	}
	return items, nil
}

// Ack removes drained items by candidate id.
func (q *Queue) Ack(_ context.Context, owner string, candidateIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range candidateIDs {
		delete(q.items[owner], id)
	}
	return nil
}

// Nack leaves the items queued and bumps their attempt counters.
func (q *Queue) Nack(_ context.Context, owner string, candidateIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range candidateIDs {
		if item, ok := q.items[owner][id]; ok {
			item.Attempts++
		}
	}
	return nil
}

// Len reports the owner's queue depth.
func (q *Queue) Len(_ context.Context, owner string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[owner]), nil
}

// Close is a no-op for the in-memory queue.
func (q *Queue) Close() error {
	return nil
}

// Ensure Queue implements queue.Queue
var _ queue.Queue = (*Queue)(nil)
