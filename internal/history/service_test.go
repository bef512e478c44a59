package history

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/crdt"
	"github.com/example/scene-sync-engine/internal/snapshot"
	"github.com/example/scene-sync-engine/internal/storage"
	"github.com/example/scene-sync-engine/internal/types"
)

type fakeLog struct {
	ops       []types.WALRecord
	snapshots map[int64]storage.SnapshotRef
	replays   int
}

func (f *fakeLog) LSNForOperation(_ context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error) {
	for _, op := range f.ops {
		if op.Document == docID && op.Operation == opID {
			return op.LSN, op.CreatedAt, nil
		}
	}
	return 0, time.Time{}, errors.New("operation not found")
}

func (f *fakeLog) LSNForTime(_ context.Context, docID types.DocumentID, ts time.Time) (int64, error) {
	var lsn int64
	for _, op := range f.ops {
		if op.Document != docID || op.CreatedAt.After(ts) {
			continue
		}
		if op.LSN > lsn {
			lsn = op.LSN
		}
	}
	return lsn, nil
}

func (f *fakeLog) SnapshotBeforeLSN(_ context.Context, docID types.DocumentID, lsn int64) (storage.SnapshotRef, error) {
	var best storage.SnapshotRef
	for _, ref := range f.snapshots {
		if ref.Document != docID || ref.LastLSN > lsn {
			continue
		}
		if ref.LastLSN > best.LastLSN {
			best = ref
		}
	}
	return best, nil
}

func (f *fakeLog) ReplayDocument(_ context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error {
	f.replays++
	for _, op := range f.ops {
		if op.Document != docID || op.LSN <= fromLSN {
			continue
		}
		if err := handler(op); err != nil {
			return err
		}
	}
	return nil
}

func TestStateAtDeterministicForOverlappingTimes(t *testing.T) {
	docID := types.DocumentID("doc-1")
	base := time.Now()

	log := &fakeLog{
		ops: []types.WALRecord{
			walRecord(1, "op-1", docID, "alice", base, crdt.NewInsertNode(clock.Timestamp{Counter: 1, ClientID: "alice"}, "n1", "group", "root", "V", nil)),
			walRecord(2, "op-2", docID, "bob", base.Add(1*time.Minute), crdt.NewInsertNode(clock.Timestamp{Counter: 2, ClientID: "bob"}, "n2", "shape", "root", "h", nil)),
			walRecord(3, "op-3", docID, "alice", base.Add(2*time.Minute), crdt.NewDeleteNode(clock.Timestamp{Counter: 3, ClientID: "alice"}, "n1")),
		},
		snapshots: map[int64]storage.SnapshotRef{},
	}

	svc := NewService(log, "", MemoryLoader{}, zeroLogger(), ServiceConfig{CacheSize: 4})

	early := base.Add(90 * time.Second)  // after op-2 but before op-3
	later := base.Add(150 * time.Second) // after delete op-3

	resp1, err := svc.StateAt(context.Background(), Request{Document: docID, AtTime: &early})
	if err != nil {
		t.Fatalf("first lookup err: %v", err)
	}

	resp2, err := svc.StateAt(context.Background(), Request{Document: docID, AtTime: &later})
	if err != nil {
		t.Fatalf("second lookup err: %v", err)
	}

	if deleted := findNode(t, resp1.Nodes, "n1").Deleted; deleted {
		t.Fatalf("expected n1 alive before the delete, got tombstone")
	}
	if len(resp1.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(resp1.Nodes))
	}
	if deleted := findNode(t, resp2.Nodes, "n1").Deleted; !deleted {
		t.Fatalf("expected n1 tombstoned after the delete")
	}
	if deleted := findNode(t, resp2.Nodes, "n2").Deleted; deleted {
		t.Fatalf("expected n2 untouched by the delete")
	}

	if log.replays > 2 {
		t.Fatalf("expected at most 2 replays, got %d", log.replays)
	}
}

func TestStateAtUsesSnapshotsAndCache(t *testing.T) {
	docID := types.DocumentID("doc-2")
	base := time.Now()

	snapPayload := snapshot.Payload{
		Document:    docID,
		LastOpID:    types.OperationID("op-snap"),
		VectorClock: clock.VectorClock{"alice": 1},
		Nodes: []crdt.NodeState{{
			ID:              "n1",
			ParentID:        "root",
			FractionalIndex: "V",
		}},
	}
	snapBytes, err := json.Marshal(snapPayload)
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}

	log := &fakeLog{
		ops: []types.WALRecord{
			walRecord(3, "op-4", docID, "bob", base.Add(30*time.Second), crdt.NewInsertNode(clock.Timestamp{Counter: 2, ClientID: "bob"}, "n2", "shape", "n1", "h", nil)),
		},
		snapshots: map[int64]storage.SnapshotRef{
			2: {Document: docID, OperationID: "op-snap", ObjectPath: "snap.json", LastLSN: 2},
		},
	}

	loader := MemoryLoader{Objects: map[string][]byte{"snap.json": snapBytes}}
	svc := NewService(log, "bucket", loader, zeroLogger(), ServiceConfig{CacheSize: 2})

	resp, err := svc.StateAt(context.Background(), Request{Document: docID, OperationID: "op-4"})
	if err != nil {
		t.Fatalf("lookup err: %v", err)
	}

	if len(resp.Nodes) != 2 {
		t.Fatalf("expected snapshot node plus replayed insert, got %d nodes", len(resp.Nodes))
	}
	if got := findNode(t, resp.Nodes, "n2").ParentID; got != "n1" {
		t.Fatalf("expected n2 under n1, got parent %q", got)
	}

	// Replaying the same target should leverage the cache and avoid another full WAL scan.
	_, err = svc.StateAt(context.Background(), Request{Document: docID, OperationID: "op-4"})
	if err != nil {
		t.Fatalf("second lookup err: %v", err)
	}

	if log.replays > 2 {
		t.Fatalf("expected cache to cap replays, got %d", log.replays)
	}
}

func walRecord(lsn int64, opID string, docID types.DocumentID, client string, ts time.Time, op crdt.Operation) types.WALRecord {
	payload, _ := json.Marshal(op)
	return types.WALRecord{
		LSN:         lsn,
		Operation:   types.OperationID(opID),
		Document:    docID,
		Client:      types.ClientID(client),
		Payload:     payload,
		VectorClock: clock.VectorClock{client: uint64(lsn)},
		CreatedAt:   ts,
	}
}

func findNode(t *testing.T, nodes []crdt.NodeState, id string) crdt.NodeState {
	t.Helper()
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %s not found", id)
	return crdt.NodeState{}
}

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
