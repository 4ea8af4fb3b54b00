package graph

import (
	"hash/fnv"
	"sync"
)

// writeLockStripes bounds memory for the keyed write locks. Contention only
// occurs for writers hashing to the same stripe, which is acceptable given
// writes are already rare relative to reads.
const writeLockStripes = 64

// KeyedMutex serializes writers per (owner, source, relation type) key using
// striped locks. Store backends take the key lock for the duration of a
// WriteFact transaction; reads never acquire it.
type KeyedMutex struct {
	stripes [writeLockStripes]sync.Mutex
}

// Lock acquires the stripe for the key and returns its unlock func.
func (m *KeyedMutex) Lock(owner, sourceID, relationType string) func() {
	h := fnv.New32a()
	h.Write([]byte(owner))
	h.Write([]byte{0})
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(relationType))

	stripe := &m.stripes[h.Sum32()%writeLockStripes]
	stripe.Lock()
	return stripe.Unlock
}
