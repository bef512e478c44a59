package crdt

import (
	"sort"
	"sync"

	"github.com/example/scene-sync-engine/internal/clock"
)

// NodeState is the merge-relevant shadow of one tree node: tombstone status,
// per-property last-write timestamps, and placement. Values are immutable;
// every mutator on State installs a fresh copy.
type NodeState struct {
	ID                 string                     `json:"id"`
	Deleted            bool                       `json:"deleted"`
	DeleteTimestamp    *clock.Timestamp           `json:"deleteTimestamp,omitempty"`
	LastPropertyUpdate map[string]clock.Timestamp `json:"lastPropertyUpdate,omitempty"`
	ParentID           string                     `json:"parentId,omitempty"`
	FractionalIndex    string                     `json:"fractionalIndex,omitempty"`
}

func (n NodeState) clone() NodeState {
	out := n
	if n.DeleteTimestamp != nil {
		ts := *n.DeleteTimestamp
		out.DeleteTimestamp = &ts
	}
	if n.LastPropertyUpdate != nil {
		props := make(map[string]clock.Timestamp, len(n.LastPropertyUpdate))
		for k, v := range n.LastPropertyUpdate {
			props[k] = v
		}
		out.LastPropertyUpdate = props
	}
	return out
}

// State is the arena of NodeStates for a single document. It holds no
// conflict policy; the Engine queries and updates it. Nodes are never
// physically removed, tombstones persist for the lifetime of the state.
type State struct {
	mu    sync.RWMutex
	nodes map[string]NodeState
}

// NewState constructs an empty arena.
func NewState() *State {
	return &State{nodes: make(map[string]NodeState)}
}

// NodeState returns a copy of the state for the node, if ever seen.
func (s *State) NodeState(nodeID string) (NodeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return NodeState{}, false
	}
	return n.clone(), true
}

// IsDeleted reports whether the node is tombstoned. Unknown nodes are not
// deleted.
func (s *State) IsDeleted(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[nodeID].Deleted
}

// PropertyTimestamp returns the recorded last-write timestamp for a property
// path on a node.
func (s *State) PropertyTimestamp(nodeID, pathKey string) (clock.Timestamp, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok || n.LastPropertyUpdate == nil {
		return clock.Timestamp{}, false
	}
	ts, ok := n.LastPropertyUpdate[pathKey]
	return ts, ok
}

// LastChildIndex returns the highest fractional index among the live
// children of parent, or "" when parent has none.
func (s *State) LastChildIndex(parentID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := ""
	for _, n := range s.nodes {
		if n.Deleted || n.ParentID != parentID {
			continue
		}
		if n.FractionalIndex > last {
			last = n.FractionalIndex
		}
	}
	return last
}

// InsertNode records a node's existence and placement. Calling it twice with
// the same arguments is a no-op.
func (s *State) InsertNode(nodeID, parentID, fractionalIndex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[nodeID].clone()
	n.ID = nodeID
	n.ParentID = parentID
	n.FractionalIndex = fractionalIndex
	s.nodes[nodeID] = n
}

// DeleteNode tombstones the node, synthesizing the entry when the node has
// never been seen. The tombstone is permanent.
func (s *State) DeleteNode(nodeID string, ts clock.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[nodeID].clone()
	n.ID = nodeID
	n.Deleted = true
	n.DeleteTimestamp = &ts
	s.nodes[nodeID] = n
}

// UpdateProperty records a property write timestamp, synthesizing the node
// entry when needed.
func (s *State) UpdateProperty(nodeID, pathKey string, ts clock.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[nodeID].clone()
	n.ID = nodeID
	if n.LastPropertyUpdate == nil {
		n.LastPropertyUpdate = make(map[string]clock.Timestamp)
	}
	n.LastPropertyUpdate[pathKey] = ts
	s.nodes[nodeID] = n
}

// MoveNode updates a node's parent and sibling position.
func (s *State) MoveNode(nodeID, parentID, fractionalIndex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[nodeID].clone()
	n.ID = nodeID
	n.ParentID = parentID
	n.FractionalIndex = fractionalIndex
	s.nodes[nodeID] = n
}

// Reorder updates only the sibling position.
func (s *State) Reorder(nodeID, fractionalIndex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[nodeID].clone()
	n.ID = nodeID
	n.FractionalIndex = fractionalIndex
	s.nodes[nodeID] = n
}

// WouldCycle reports whether reparenting nodeID under newParentID would place
// the node beneath its own descendant, by walking newParentID's ancestor
// chain through the shadow tree.
func (s *State) WouldCycle(nodeID, newParentID string) bool {
	if nodeID == "" || newParentID == "" {
		return false
	}
	if nodeID == newParentID {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for cursor := newParentID; cursor != ""; {
		if cursor == nodeID {
			return true
		}
		if _, dup := seen[cursor]; dup {
			return false
		}
		seen[cursor] = struct{}{}
		n, ok := s.nodes[cursor]
		if !ok {
			return false
		}
		cursor = n.ParentID
	}
	return false
}

// Len returns the number of tracked nodes, tombstones included.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Clear drops all node state.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]NodeState)
}

// Snapshot returns the node states sorted by id for deterministic
// persistence.
func (s *State) Snapshot() []NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]NodeState, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the arena with the provided node states.
func (s *State) Restore(nodes []NodeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]NodeState, len(nodes))
	for _, n := range nodes {
		s.nodes[n.ID] = n.clone()
	}
}
