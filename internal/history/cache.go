package history

import (
	"sync"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/crdt"
	"github.com/example/scene-sync-engine/internal/types"
)

// cacheEntry is one materialized document state pinned to a WAL position.
type cacheEntry struct {
	LSN         int64
	LastOp      types.OperationID
	VectorClock clock.VectorClock
	Nodes       []crdt.NodeState
}

// stateCache keeps recently materialized states so nearby history queries
// replay from the closest prior position instead of from the snapshot. The
// capacity is small, so eviction is a linear scan for the least recently
// used slot rather than a linked list.
type stateCache struct {
	mu       sync.Mutex
	capacity int
	tick     uint64
	slots    []cacheSlot
}

type cacheSlot struct {
	doc      types.DocumentID
	entry    cacheEntry
	lastUsed uint64
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{capacity: capacity, slots: make([]cacheSlot, 0, capacity)}
}

// Get returns the cached state with the highest LSN not exceeding targetLSN
// for the document. Nodes and clock are cloned so the caller can mutate them.
func (c *stateCache) Get(docID types.DocumentID, targetLSN int64) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	for i := range c.slots {
		s := &c.slots[i]
		if s.doc != docID || s.entry.LSN > targetLSN {
			continue
		}
		if best < 0 || s.entry.LSN > c.slots[best].entry.LSN {
			best = i
		}
	}
	if best < 0 {
		return cacheEntry{}, false
	}

	c.tick++
	c.slots[best].lastUsed = c.tick

	entry := c.slots[best].entry
	entry.Nodes = append([]crdt.NodeState(nil), entry.Nodes...)
	entry.VectorClock = entry.VectorClock.Clone()
	return entry, true
}

// Put stores the entry, replacing an existing one at the same position or
// evicting the least recently used slot when full.
func (c *stateCache) Put(docID types.DocumentID, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	for i := range c.slots {
		if c.slots[i].doc == docID && c.slots[i].entry.LSN == entry.LSN {
			c.slots[i].entry = entry
			c.slots[i].lastUsed = c.tick
			return
		}
	}

	slot := cacheSlot{doc: docID, entry: entry, lastUsed: c.tick}
	if len(c.slots) < c.capacity {
		c.slots = append(c.slots, slot)
		return
	}

	oldest := 0
	for i := range c.slots {
		if c.slots[i].lastUsed < c.slots[oldest].lastUsed {
			oldest = i
		}
	}
	c.slots[oldest] = slot
}
