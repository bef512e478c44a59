package crdt

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/types"
)

// MergeResult reports the outcome of evaluating one operation. A rejection
// is a normal outcome, not an error; Reason is human-readable and safe to
// log or drop.
type MergeResult struct {
	Apply     bool
	Reason    string
	Operation Operation
}

func accepted(op Operation) MergeResult {
	return MergeResult{Apply: true, Operation: op}
}

func rejected(op Operation, reason string) MergeResult {
	return MergeResult{Apply: false, Reason: reason, Operation: op}
}

// Engine evaluates operations against per-document State and decides
// accept/reject with kind-specific conflict policy. It also tracks applied
// WAL positions and vector clocks so the snapshot and history services can
// reason about replica progress.
type Engine struct {
	mu      sync.RWMutex
	siteID  string
	indexes *IndexGenerator
	states  map[types.DocumentID]*State
	clocks  map[types.DocumentID]clock.VectorClock
	lastOp  map[types.DocumentID]types.OperationID
	lastLSN map[types.DocumentID]int64
	logger  zerolog.Logger
}

// NewEngine constructs an Engine with the provided site identifier and logger.
func NewEngine(siteID string, logger zerolog.Logger) *Engine {
	return &Engine{
		siteID:  siteID,
		indexes: NewIndexGenerator(siteID),
		states:  make(map[types.DocumentID]*State),
		clocks:  make(map[types.DocumentID]clock.VectorClock),
		lastOp:  make(map[types.DocumentID]types.OperationID),
		lastLSN: make(map[types.DocumentID]int64),
		logger:  logger,
	}
}

// State returns the CRDT state for a document, creating it if necessary.
func (e *Engine) State(docID types.DocumentID) *State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[docID]
	if ok {
		return st
	}
	st = NewState()
	e.states[docID] = st
	documentCount.Set(float64(len(e.states)))
	return st
}

// AppendIndex mints a fractional index that sorts after every live child of
// parent in the document. Used to place nodes whose insert arrived without a
// position of its own.
func (e *Engine) AppendIndex(docID types.DocumentID, parentID string) string {
	last := e.State(docID).LastChildIndex(parentID)
	return e.indexes.Between(last, "")
}

// Merge evaluates a single operation against the document's state. The merge
// path is total: unknown kinds reject, nothing panics.
func (e *Engine) Merge(docID types.DocumentID, op Operation) MergeResult {
	result := e.evaluate(e.State(docID), op)
	outcome := "accepted"
	if !result.Apply {
		outcome = "rejected"
		e.logger.Debug().
			Str("document", string(docID)).
			Str("operation", op.ID).
			Str("kind", string(op.Kind)).
			Str("reason", result.Reason).
			Msg("operation rejected")
	}
	mergeResults.WithLabelValues(string(docID), string(op.Kind), outcome).Inc()
	return result
}

// MergeAll sorts the operations by timestamp and merges each in order,
// returning results in that same order. Sorting first is what makes the
// final state independent of physical arrival order.
func (e *Engine) MergeAll(docID types.DocumentID, ops []Operation) []MergeResult {
	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	SortOperations(sorted)

	results := make([]MergeResult, 0, len(sorted))
	for _, op := range sorted {
		results = append(results, e.Merge(docID, op))
	}
	return results
}

func (e *Engine) evaluate(st *State, op Operation) MergeResult {
	switch op.Kind {
	case KindInsertNode:
		if existing, ok := st.NodeState(op.NodeID); ok {
			if existing.Deleted {
				return rejected(op, "node is deleted")
			}
			return rejected(op, "node already exists")
		}
		if parent, ok := st.NodeState(op.ParentID); ok && parent.Deleted {
			return rejected(op, "parent is deleted")
		}
		st.InsertNode(op.NodeID, op.ParentID, op.FractionalIndex)
		return accepted(op)

	case KindDeleteNode:
		if existing, ok := st.NodeState(op.NodeID); ok && existing.Deleted {
			if existing.DeleteTimestamp != nil && op.Timestamp.Compare(*existing.DeleteTimestamp) <= 0 {
				return rejected(op, "node already deleted")
			}
		}
		st.DeleteNode(op.NodeID, op.Timestamp)
		return accepted(op)

	case KindSetProperty:
		if st.IsDeleted(op.NodeID) {
			return rejected(op, "node is deleted")
		}
		if stored, ok := st.PropertyTimestamp(op.NodeID, op.PathKey()); ok {
			if op.Timestamp.Compare(stored) <= 0 {
				return rejected(op, "stale property update")
			}
		}
		st.UpdateProperty(op.NodeID, op.PathKey(), op.Timestamp)
		return accepted(op)

	case KindMoveNode:
		if st.IsDeleted(op.NodeID) {
			return rejected(op, "node is deleted")
		}
		if parent, ok := st.NodeState(op.NewParentID); ok && parent.Deleted {
			return rejected(op, "new parent is deleted")
		}
		if st.WouldCycle(op.NodeID, op.NewParentID) {
			return rejected(op, "move would create a cycle")
		}
		st.MoveNode(op.NodeID, op.NewParentID, op.FractionalIndex)
		return accepted(op)

	case KindReorderNode:
		if st.IsDeleted(op.NodeID) {
			return rejected(op, "node is deleted")
		}
		st.Reorder(op.NodeID, op.FractionalIndex)
		return accepted(op)
	}

	return rejected(op, "unknown operation type")
}

// ApplyWAL replays a WAL record: the vector clock is folded in and the
// payload, when present, is merged as an operation.
func (e *Engine) ApplyWAL(record types.WALRecord) error {
	e.mu.Lock()
	vc := e.clocks[record.Document]
	if vc == nil {
		vc = clock.NewVectorClock()
	}
	vc.Merge(record.VectorClock)
	e.clocks[record.Document] = vc
	e.lastLSN[record.Document] = record.LSN
	e.lastOp[record.Document] = record.Operation
	e.mu.Unlock()

	if len(record.Payload) == 0 {
		return nil
	}

	var op Operation
	if err := json.Unmarshal(record.Payload, &op); err != nil {
		e.logger.Error().Err(err).Str("document", string(record.Document)).Msg("failed to decode WAL payload")
		return err
	}

	e.Merge(record.Document, op)
	return nil
}

// Restore primes a document from a snapshot: node states, vector clock, and
// the WAL position the snapshot covers.
func (e *Engine) Restore(docID types.DocumentID, nodes []NodeState, vc clock.VectorClock, lastOp types.OperationID, lastLSN int64) {
	e.State(docID).Restore(nodes)

	e.mu.Lock()
	defer e.mu.Unlock()
	if vc == nil {
		vc = clock.NewVectorClock()
	}
	e.clocks[docID] = vc
	e.lastOp[docID] = lastOp
	e.lastLSN[docID] = lastLSN
}

// VectorClock returns a copy of the current logical clock for a document.
func (e *Engine) VectorClock(docID types.DocumentID) clock.VectorClock {
	e.mu.RLock()
	defer e.mu.RUnlock()

	vc := e.clocks[docID]
	if vc == nil {
		return clock.NewVectorClock()
	}
	return vc.Clone()
}

// LastOperation returns the id of the most recently applied WAL operation.
func (e *Engine) LastOperation(docID types.DocumentID) types.OperationID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastOp[docID]
}

// LastLSN returns the highest applied WAL position for the document.
func (e *Engine) LastLSN(docID types.DocumentID) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastLSN[docID]
}

// Documents returns the list of documents currently loaded in memory.
func (e *Engine) Documents() []types.DocumentID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	docs := make([]types.DocumentID, 0, len(e.states))
	for docID := range e.states {
		docs = append(docs, docID)
	}
	return docs
}
