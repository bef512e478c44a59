package crdt

import (
	"sort"
	"strings"

	"github.com/example/scene-sync-engine/internal/clock"
)

// Kind discriminates the operation variants carried on the wire.
type Kind string

const (
	KindInsertNode  Kind = "INSERT_NODE"
	KindDeleteNode  Kind = "DELETE_NODE"
	KindSetProperty Kind = "SET_PROPERTY"
	KindMoveNode    Kind = "MOVE_NODE"
	KindReorderNode Kind = "REORDER_NODE"
)

// Operation is an immutable edit record. Every variant carries the id and
// timestamp; the remaining fields are populated per kind. Identity is the ID
// field, ordering is always by Timestamp.
type Operation struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"type"`
	Timestamp clock.Timestamp `json:"timestamp"`

	NodeID string `json:"nodeId"`

	// INSERT_NODE
	NodeType string         `json:"nodeType,omitempty"`
	Data     map[string]any `json:"data,omitempty"`

	// INSERT_NODE / REORDER_NODE
	ParentID string `json:"parentId,omitempty"`

	// INSERT_NODE / MOVE_NODE / REORDER_NODE
	FractionalIndex string `json:"fractionalIndex,omitempty"`

	// SET_PROPERTY
	Path     []string `json:"path,omitempty"`
	OldValue any      `json:"oldValue,omitempty"`
	NewValue any      `json:"newValue,omitempty"`

	// MOVE_NODE
	OldParentID string `json:"oldParentId,omitempty"`
	NewParentID string `json:"newParentId,omitempty"`
}

// PathKey returns the canonical dot-joined property path used for
// last-writer-wins bookkeeping.
func (op Operation) PathKey() string {
	return strings.Join(op.Path, ".")
}

// Compare orders operations by timestamp.
func (op Operation) Compare(other Operation) int {
	return op.Timestamp.Compare(other.Timestamp)
}

// SortOperations orders the slice ascending by timestamp in place. The order
// is total, so every replica sorts an identical multiset identically.
func SortOperations(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Timestamp.Compare(ops[j].Timestamp) < 0
	})
}

// NewInsertNode builds an INSERT_NODE operation.
func NewInsertNode(ts clock.Timestamp, nodeID, nodeType, parentID, fractionalIndex string, data map[string]any) Operation {
	return Operation{
		ID:              clock.NewOperationID(ts.ClientID),
		Kind:            KindInsertNode,
		Timestamp:       ts,
		NodeID:          nodeID,
		NodeType:        nodeType,
		ParentID:        parentID,
		FractionalIndex: fractionalIndex,
		Data:            data,
	}
}

// NewDeleteNode builds a DELETE_NODE operation.
func NewDeleteNode(ts clock.Timestamp, nodeID string) Operation {
	return Operation{
		ID:        clock.NewOperationID(ts.ClientID),
		Kind:      KindDeleteNode,
		Timestamp: ts,
		NodeID:    nodeID,
	}
}

// NewSetProperty builds a SET_PROPERTY operation.
func NewSetProperty(ts clock.Timestamp, nodeID string, path []string, oldValue, newValue any) Operation {
	return Operation{
		ID:        clock.NewOperationID(ts.ClientID),
		Kind:      KindSetProperty,
		Timestamp: ts,
		NodeID:    nodeID,
		Path:      path,
		OldValue:  oldValue,
		NewValue:  newValue,
	}
}

// NewMoveNode builds a MOVE_NODE operation.
func NewMoveNode(ts clock.Timestamp, nodeID, oldParentID, newParentID, fractionalIndex string) Operation {
	return Operation{
		ID:              clock.NewOperationID(ts.ClientID),
		Kind:            KindMoveNode,
		Timestamp:       ts,
		NodeID:          nodeID,
		OldParentID:     oldParentID,
		NewParentID:     newParentID,
		FractionalIndex: fractionalIndex,
	}
}

// NewReorderNode builds a REORDER_NODE operation.
func NewReorderNode(ts clock.Timestamp, nodeID, parentID, fractionalIndex string) Operation {
	return Operation{
		ID:              clock.NewOperationID(ts.ClientID),
		Kind:            KindReorderNode,
		Timestamp:       ts,
		NodeID:          nodeID,
		ParentID:        parentID,
		FractionalIndex: fractionalIndex,
	}
}
