// Package syncstate tracks per-document logical clocks and defers
// operations whose causal predecessors have not arrived yet.
package syncstate

import (
	"sync"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/types"
)

// VectorClockTracker maintains per-document vector clocks. Local operations
// call BumpLocal before emission; remote operations fold their clock in via
// MergeRemote.
type VectorClockTracker struct {
	mu     sync.RWMutex
	clocks map[types.DocumentID]clock.VectorClock
}

// NewVectorClockTracker constructs an empty tracker.
func NewVectorClockTracker() *VectorClockTracker {
	return &VectorClockTracker{clocks: make(map[types.DocumentID]clock.VectorClock)}
}

// BumpLocal increments the clock entry for the client on the given document
// and returns a snapshot suitable for attaching to a new outbound operation.
func (t *VectorClockTracker) BumpLocal(docID types.DocumentID, client types.ClientID) clock.VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()

	vc := t.ensure(docID)
	vc.Increment(string(client))
	return vc.Clone()
}

// MergeRemote merges a remote vector clock into the document clock and
// returns the updated snapshot.
func (t *VectorClockTracker) MergeRemote(docID types.DocumentID, other clock.VectorClock) clock.VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()

	vc := t.ensure(docID)
	vc.Merge(other)
	return vc.Clone()
}

// Snapshot returns a copy of the current clock for the document.
func (t *VectorClockTracker) Snapshot(docID types.DocumentID) clock.VectorClock {
	t.mu.RLock()
	defer t.mu.RUnlock()

	vc := t.clocks[docID]
	if vc == nil {
		return clock.NewVectorClock()
	}
	return vc.Clone()
}

// Dominates reports whether the document clock covers the provided clock,
// meaning every causal predecessor it references has been observed.
func (t *VectorClockTracker) Dominates(docID types.DocumentID, other clock.VectorClock) bool {
	t.mu.RLock()
	vc := t.clocks[docID]
	t.mu.RUnlock()

	if vc == nil {
		// An untracked document dominates exactly the clocks with no
		// positive entries.
		return clock.NewVectorClock().Dominates(other)
	}
	return vc.Dominates(other)
}

func (t *VectorClockTracker) ensure(docID types.DocumentID) clock.VectorClock {
	vc := t.clocks[docID]
	if vc == nil {
		vc = clock.NewVectorClock()
		t.clocks[docID] = vc
	}
	return vc
}
