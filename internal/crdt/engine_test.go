package crdt

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/types"
)

const doc = types.DocumentID("doc-1")

func newTestEngine() *Engine {
	return NewEngine("test", zerolog.New(io.Discard))
}

func ts(counter uint64, client string) clock.Timestamp {
	return clock.New(counter, client)
}

func TestInsertThenDuplicateInsert(t *testing.T) {
	e := newTestEngine()

	first := NewInsertNode(ts(1, "alice"), "n1", "FRAME", "root", "V", nil)
	if res := e.Merge(doc, first); !res.Apply {
		t.Fatalf("first insert rejected: %s", res.Reason)
	}

	dup := NewInsertNode(ts(2, "bob"), "n1", "FRAME", "root", "W", nil)
	if res := e.Merge(doc, dup); res.Apply {
		t.Fatalf("duplicate insert must be rejected")
	}
}

func TestTombstonePermanence(t *testing.T) {
	e := newTestEngine()

	e.Merge(doc, NewInsertNode(ts(1, "alice"), "n1", "FRAME", "root", "V", nil))
	if res := e.Merge(doc, NewDeleteNode(ts(2, "alice"), "n1")); !res.Apply {
		t.Fatalf("delete rejected: %s", res.Reason)
	}

	// no later insert or property write may resurrect the node
	if res := e.Merge(doc, NewInsertNode(ts(100, "bob"), "n1", "FRAME", "root", "V", nil)); res.Apply {
		t.Fatalf("insert after delete must be rejected")
	}
	if res := e.Merge(doc, NewSetProperty(ts(101, "bob"), "n1", []string{"fill"}, nil, "red")); res.Apply {
		t.Fatalf("property write on tombstoned node must be rejected")
	}
	if !e.State(doc).IsDeleted("n1") {
		t.Fatalf("tombstone lost")
	}
}

func TestDeleteBeforeInsert(t *testing.T) {
	e := newTestEngine()

	if res := e.Merge(doc, NewDeleteNode(ts(5, "alice"), "ghost")); !res.Apply {
		t.Fatalf("delete of unknown node should synthesize a tombstone: %s", res.Reason)
	}
	if res := e.Merge(doc, NewInsertNode(ts(3, "bob"), "ghost", "TEXT", "root", "V", nil)); res.Apply {
		t.Fatalf("racing insert must lose to the tombstone")
	}
}

func TestDeleteTimestampOnlyAdvances(t *testing.T) {
	e := newTestEngine()

	e.Merge(doc, NewDeleteNode(ts(5, "alice"), "n1"))
	if res := e.Merge(doc, NewDeleteNode(ts(3, "bob"), "n1")); res.Apply {
		t.Fatalf("older delete must not rewind the delete timestamp")
	}
	if res := e.Merge(doc, NewDeleteNode(ts(8, "bob"), "n1")); !res.Apply {
		t.Fatalf("newer delete should advance the tombstone")
	}

	st, _ := e.State(doc).NodeState("n1")
	if st.DeleteTimestamp == nil || st.DeleteTimestamp.Counter != 8 {
		t.Fatalf("delete timestamp not advanced: %+v", st.DeleteTimestamp)
	}
}

func TestInsertUnderDeletedParent(t *testing.T) {
	e := newTestEngine()

	e.Merge(doc, NewInsertNode(ts(1, "alice"), "parent", "FRAME", "root", "V", nil))
	e.Merge(doc, NewDeleteNode(ts(2, "alice"), "parent"))

	if res := e.Merge(doc, NewInsertNode(ts(3, "bob"), "child", "TEXT", "parent", "V", nil)); res.Apply {
		t.Fatalf("insert under tombstoned parent must be rejected")
	}
}

func TestPropertyLastWriterWins(t *testing.T) {
	forward := []Operation{
		NewInsertNode(ts(1, "alice"), "n1", "TEXT", "root", "V", nil),
		NewSetProperty(ts(2, "alice"), "n1", []string{"style", "fill"}, nil, float64(1)),
		NewSetProperty(ts(3, "bob"), "n1", []string{"style", "fill"}, float64(1), float64(2)),
	}
	reverse := []Operation{forward[2], forward[1], forward[0]}

	for _, ops := range [][]Operation{forward, reverse} {
		e := newTestEngine()
		e.MergeAll(doc, ops)

		got, ok := e.State(doc).PropertyTimestamp("n1", "style.fill")
		if !ok {
			t.Fatalf("property timestamp missing")
		}
		if got.Counter != 3 || got.ClientID != "bob" {
			t.Fatalf("expected winner 3@bob, got %v", got)
		}
	}
}

func TestStalePropertyUpdateRejected(t *testing.T) {
	e := newTestEngine()

	e.Merge(doc, NewInsertNode(ts(1, "alice"), "n1", "TEXT", "root", "V", nil))
	e.Merge(doc, NewSetProperty(ts(5, "alice"), "n1", []string{"x"}, nil, float64(10)))

	if res := e.Merge(doc, NewSetProperty(ts(5, "alice"), "n1", []string{"x"}, nil, float64(11))); res.Apply {
		t.Fatalf("equal timestamp must lose (strict LWW)")
	}
	if res := e.Merge(doc, NewSetProperty(ts(4, "bob"), "n1", []string{"x"}, nil, float64(12))); res.Apply {
		t.Fatalf("older timestamp must lose")
	}
}

func TestConcurrentReorderConverges(t *testing.T) {
	insert := NewInsertNode(ts(1, "alice"), "n1", "TEXT", "root", "V", nil)
	reorderA := NewReorderNode(ts(2, "alice"), "n1", "root", "B")
	reorderB := NewReorderNode(ts(2, "bob"), "n1", "root", "Q")

	replicaOne := newTestEngine()
	replicaOne.MergeAll(doc, []Operation{insert, reorderA, reorderB})

	replicaTwo := newTestEngine()
	replicaTwo.MergeAll(doc, []Operation{reorderB, insert, reorderA})

	one, _ := replicaOne.State(doc).NodeState("n1")
	two, _ := replicaTwo.State(doc).NodeState("n1")
	if one.FractionalIndex != two.FractionalIndex {
		t.Fatalf("replicas diverged: %q vs %q", one.FractionalIndex, two.FractionalIndex)
	}
	// bob ties on counter but wins the client id tie-break
	if one.FractionalIndex != "Q" {
		t.Fatalf("higher timestamp should win, got %q", one.FractionalIndex)
	}
}

func TestMoveCycleRejected(t *testing.T) {
	e := newTestEngine()

	e.Merge(doc, NewInsertNode(ts(1, "alice"), "a", "FRAME", "root", "V", nil))
	e.Merge(doc, NewInsertNode(ts(2, "alice"), "b", "FRAME", "a", "V", nil))
	e.Merge(doc, NewInsertNode(ts(3, "alice"), "c", "FRAME", "b", "V", nil))

	if res := e.Merge(doc, NewMoveNode(ts(4, "alice"), "a", "root", "c", "V")); res.Apply {
		t.Fatalf("moving a node under its own descendant must be rejected")
	}
	if res := e.Merge(doc, NewMoveNode(ts(5, "alice"), "c", "b", "root", "W")); !res.Apply {
		t.Fatalf("legal move rejected: %s", res.Reason)
	}
}

func TestMoveToDeletedParentRejected(t *testing.T) {
	e := newTestEngine()

	e.Merge(doc, NewInsertNode(ts(1, "alice"), "a", "FRAME", "root", "V", nil))
	e.Merge(doc, NewInsertNode(ts(2, "alice"), "b", "FRAME", "root", "W", nil))
	e.Merge(doc, NewDeleteNode(ts(3, "alice"), "b"))

	if res := e.Merge(doc, NewMoveNode(ts(4, "bob"), "a", "root", "b", "V")); res.Apply {
		t.Fatalf("move under tombstoned parent must be rejected")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	e := newTestEngine()

	op := Operation{ID: "x", Kind: Kind("SPARKLE_NODE"), Timestamp: ts(1, "alice"), NodeID: "n1"}
	res := e.Merge(doc, op)
	if res.Apply {
		t.Fatalf("unknown kinds must be rejected")
	}
	if res.Reason != "unknown operation type" {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestMergeAllConfluence(t *testing.T) {
	ops := []Operation{
		NewInsertNode(ts(1, "alice"), "n1", "FRAME", "root", "V", nil),
		NewSetProperty(ts(2, "bob"), "n1", []string{"w"}, nil, float64(100)),
		NewInsertNode(ts(3, "bob"), "n2", "TEXT", "n1", "V", nil),
		NewMoveNode(ts(4, "alice"), "n2", "n1", "root", "W"),
		NewSetProperty(ts(5, "alice"), "n1", []string{"w"}, float64(100), float64(200)),
		NewDeleteNode(ts(6, "bob"), "n2"),
	}

	// three arrival orders, same sorted merge, same final state
	orders := [][]int{
		{0, 1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1, 0},
		{2, 0, 5, 1, 3, 4},
	}

	var snapshots [][]NodeState
	for _, order := range orders {
		arrival := make([]Operation, 0, len(ops))
		for _, i := range order {
			arrival = append(arrival, ops[i])
		}
		e := newTestEngine()
		e.MergeAll(doc, arrival)
		snapshots = append(snapshots, e.State(doc).Snapshot())
	}

	for i := 1; i < len(snapshots); i++ {
		if len(snapshots[i]) != len(snapshots[0]) {
			t.Fatalf("replica %d node count differs", i)
		}
		for j := range snapshots[0] {
			a, b := snapshots[0][j], snapshots[i][j]
			if a.ID != b.ID || a.Deleted != b.Deleted || a.ParentID != b.ParentID || a.FractionalIndex != b.FractionalIndex {
				t.Fatalf("replica %d diverged at %s: %+v vs %+v", i, a.ID, a, b)
			}
		}
	}
}
