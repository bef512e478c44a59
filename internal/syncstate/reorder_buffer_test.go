package syncstate

import (
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/types"
)

func record(doc types.DocumentID, client types.ClientID, op string, vc clock.VectorClock) types.WALRecord {
	return types.WALRecord{
		Operation:   types.OperationID(op),
		Document:    doc,
		Client:      client,
		VectorClock: vc,
	}
}

func TestInOrderDeliveryApplies(t *testing.T) {
	tracker := NewVectorClockTracker()
	buffer := NewReorderBuffer(tracker, zerolog.New(io.Discard))

	var applied []string
	apply := func(r types.WALRecord) error {
		applied = append(applied, string(r.Operation))
		return nil
	}

	doc := types.DocumentID("doc-1")
	if err := buffer.Handle(record(doc, "alice", "op-1", clock.VectorClock{"alice": 1}), apply); err != nil {
		t.Fatalf("first op: %v", err)
	}
	if err := buffer.Handle(record(doc, "alice", "op-2", clock.VectorClock{"alice": 2}), apply); err != nil {
		t.Fatalf("second op: %v", err)
	}

	if len(applied) != 2 || applied[0] != "op-1" || applied[1] != "op-2" {
		t.Fatalf("unexpected apply order: %v", applied)
	}
}

func TestGapDefersUntilPredecessorArrives(t *testing.T) {
	tracker := NewVectorClockTracker()
	buffer := NewReorderBuffer(tracker, zerolog.New(io.Discard))

	var applied []string
	apply := func(r types.WALRecord) error {
		applied = append(applied, string(r.Operation))
		return nil
	}

	doc := types.DocumentID("doc-1")

	// op-2 depends on op-1 which has not arrived yet
	err := buffer.Handle(record(doc, "alice", "op-2", clock.VectorClock{"alice": 2}), apply)
	if !errors.Is(err, ErrCausalityGap) {
		t.Fatalf("expected causality gap, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("nothing should have applied yet: %v", applied)
	}
	if buffer.PendingCount(doc) != 1 {
		t.Fatalf("expected 1 pending record")
	}

	// the predecessor unblocks the queued record
	if err := buffer.Handle(record(doc, "alice", "op-1", clock.VectorClock{"alice": 1}), apply); err != nil {
		t.Fatalf("predecessor: %v", err)
	}
	if len(applied) != 2 || applied[0] != "op-1" || applied[1] != "op-2" {
		t.Fatalf("unexpected apply order: %v", applied)
	}
	if buffer.PendingCount(doc) != 0 {
		t.Fatalf("queue should be drained")
	}
}

func TestCrossClientDependency(t *testing.T) {
	tracker := NewVectorClockTracker()
	buffer := NewReorderBuffer(tracker, zerolog.New(io.Discard))

	var applied []string
	apply := func(r types.WALRecord) error {
		applied = append(applied, string(r.Operation))
		return nil
	}

	doc := types.DocumentID("doc-1")

	// bob's op was issued after observing alice's first op
	err := buffer.Handle(record(doc, "bob", "bob-1", clock.VectorClock{"alice": 1, "bob": 1}), apply)
	if !errors.Is(err, ErrCausalityGap) {
		t.Fatalf("expected causality gap, got %v", err)
	}

	if err := buffer.Handle(record(doc, "alice", "alice-1", clock.VectorClock{"alice": 1}), apply); err != nil {
		t.Fatalf("alice-1: %v", err)
	}

	if len(applied) != 2 || applied[0] != "alice-1" || applied[1] != "bob-1" {
		t.Fatalf("unexpected apply order: %v", applied)
	}
}

func TestUntrackedDocumentDominatesEmptyDependencies(t *testing.T) {
	tracker := NewVectorClockTracker()
	doc := types.DocumentID("doc-cold")

	if !tracker.Dominates(doc, clock.NewVectorClock()) {
		t.Fatalf("fresh document should dominate the empty clock")
	}
	if !tracker.Dominates(doc, clock.VectorClock{"alice": 0}) {
		t.Fatalf("zero-valued entries carry no dependency")
	}
	if tracker.Dominates(doc, clock.VectorClock{"alice": 1}) {
		t.Fatalf("fresh document cannot dominate a positive entry")
	}
}

func TestFirstRecordDependsOnNothing(t *testing.T) {
	rec := record("doc-1", "alice", "op-1", clock.VectorClock{"alice": 1})
	if prior := priorClock(rec); len(prior) != 0 {
		t.Fatalf("first operation should have no dependencies, got %v", prior)
	}
}

func TestTrackerSnapshotsAreIsolated(t *testing.T) {
	tracker := NewVectorClockTracker()
	doc := types.DocumentID("doc-1")

	snap := tracker.BumpLocal(doc, "alice")
	snap.Increment("alice")

	if tracker.Snapshot(doc).Get("alice") != 1 {
		t.Fatalf("snapshot mutation leaked into tracker")
	}
}
