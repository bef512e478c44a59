package compress

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/crdt"
	"github.com/example/scene-sync-engine/internal/types"
)

func ts(counter uint64, client string) clock.Timestamp {
	return clock.New(counter, client)
}

func TestCompressCoalescesPropertyChain(t *testing.T) {
	ops := []crdt.Operation{
		crdt.NewSetProperty(ts(1, "alice"), "n1", []string{"x"}, float64(0), float64(50)),
		crdt.NewSetProperty(ts(2, "alice"), "n1", []string{"x"}, float64(50), float64(100)),
		crdt.NewSetProperty(ts(3, "alice"), "n1", []string{"x"}, float64(100), float64(150)),
	}

	result := Compress(ops, DefaultConfig())
	if len(result.Operations) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(result.Operations))
	}
	if result.Stats.CompressedCount != 2 {
		t.Fatalf("expected compressedCount 2, got %d", result.Stats.CompressedCount)
	}

	got := result.Operations[0]
	if got.OldValue != float64(0) || got.NewValue != float64(150) {
		t.Fatalf("expected 0 -> 150, got %v -> %v", got.OldValue, got.NewValue)
	}
	if got.Timestamp.Counter != 3 {
		t.Fatalf("expected latest timestamp, got %v", got.Timestamp)
	}
}

func TestCompressionPreservesFinalState(t *testing.T) {
	docID := types.DocumentID("doc-1")
	ops := []crdt.Operation{
		crdt.NewInsertNode(ts(1, "alice"), "n1", "TEXT", "root", "V", nil),
		crdt.NewSetProperty(ts(2, "alice"), "n1", []string{"x"}, float64(0), float64(50)),
		crdt.NewSetProperty(ts(3, "alice"), "n1", []string{"x"}, float64(50), float64(100)),
		crdt.NewSetProperty(ts(4, "alice"), "n1", []string{"x"}, float64(100), float64(150)),
	}

	plain := crdt.NewEngine("plain", zerolog.New(io.Discard))
	plain.MergeAll(docID, ops)

	compact := crdt.NewEngine("compact", zerolog.New(io.Discard))
	compact.MergeAll(docID, Compress(ops, DefaultConfig()).Operations)

	wantTS, _ := plain.State(docID).PropertyTimestamp("n1", "x")
	gotTS, ok := compact.State(docID).PropertyTimestamp("n1", "x")
	if !ok || gotTS != wantTS {
		t.Fatalf("compressed replay diverged: %v vs %v", gotTS, wantTS)
	}
}

func TestCompressPrunesDeletedNodes(t *testing.T) {
	ops := []crdt.Operation{
		crdt.NewInsertNode(ts(1, "alice"), "n1", "TEXT", "root", "V", nil),
		crdt.NewSetProperty(ts(2, "alice"), "n1", []string{"x"}, nil, float64(100)),
		crdt.NewSetProperty(ts(3, "alice"), "n1", []string{"y"}, nil, float64(200)),
		crdt.NewDeleteNode(ts(4, "alice"), "n1"),
	}

	result := Compress(ops, DefaultConfig())
	if result.Stats.PrunedCount != 2 {
		t.Fatalf("expected prunedCount 2, got %d", result.Stats.PrunedCount)
	}
	if len(result.Operations) != 2 {
		t.Fatalf("expected insert+delete only, got %d ops", len(result.Operations))
	}
	if result.Operations[0].Kind != crdt.KindInsertNode || result.Operations[1].Kind != crdt.KindDeleteNode {
		t.Fatalf("unexpected survivors: %v, %v", result.Operations[0].Kind, result.Operations[1].Kind)
	}
}

func TestCompressKeepsCrossClientWritesApart(t *testing.T) {
	ops := []crdt.Operation{
		crdt.NewSetProperty(ts(1, "alice"), "n1", []string{"x"}, nil, float64(1)),
		crdt.NewSetProperty(ts(2, "bob"), "n1", []string{"x"}, nil, float64(2)),
	}

	result := Compress(ops, DefaultConfig())
	if len(result.Operations) != 2 {
		t.Fatalf("cross-client writes must not merge, got %d ops", len(result.Operations))
	}
}

func TestCompressEmptyInput(t *testing.T) {
	result := Compress(nil, DefaultConfig())
	if len(result.Operations) != 0 || result.Stats.CompressionRatio != 1 {
		t.Fatalf("unexpected empty result: %+v", result.Stats)
	}
}

func TestStreamingCoalesce(t *testing.T) {
	c := NewCompressor(DefaultConfig())

	if evicted := c.Add(crdt.NewSetProperty(ts(1, "alice"), "n1", []string{"x"}, float64(0), float64(1))); len(evicted) != 0 {
		t.Fatalf("unexpected eviction")
	}
	c.Add(crdt.NewSetProperty(ts(2, "alice"), "n1", []string{"x"}, float64(1), float64(2)))
	c.Add(crdt.NewMoveNode(ts(3, "alice"), "n2", "p1", "p2", "V"))
	c.Add(crdt.NewMoveNode(ts(4, "alice"), "n2", "p2", "p3", "W"))

	if c.Len() != 2 {
		t.Fatalf("expected 2 buffered ops, got %d", c.Len())
	}

	out := c.Flush()
	if len(out) != 2 {
		t.Fatalf("flush returned %d ops", len(out))
	}
	if out[0].Kind != crdt.KindSetProperty || out[0].NewValue != float64(2) || out[0].OldValue != float64(0) {
		t.Fatalf("property coalescing wrong: %+v", out[0])
	}
	if out[1].Kind != crdt.KindMoveNode || out[1].OldParentID != "p1" || out[1].NewParentID != "p3" {
		t.Fatalf("move coalescing wrong: %+v", out[1])
	}
	if c.HasBufferedOperations() {
		t.Fatalf("flush must clear the buffer")
	}
}

func TestStructuralEditPreservesOrdering(t *testing.T) {
	c := NewCompressor(DefaultConfig())

	c.Add(crdt.NewSetProperty(ts(1, "alice"), "n1", []string{"x"}, nil, float64(1)))
	c.Add(crdt.NewInsertNode(ts(2, "alice"), "n2", "TEXT", "root", "V", nil))
	c.Add(crdt.NewSetProperty(ts(3, "alice"), "n2", []string{"y"}, nil, float64(2)))

	out := c.Flush()
	if len(out) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(out))
	}
	// the first property write was spilled ahead of the insert; the later
	// write flushes from the property buffer first
	if out[0].NodeID != "n2" || out[0].Kind != crdt.KindSetProperty {
		t.Fatalf("unexpected first op: %+v", out[0])
	}
	if out[1].NodeID != "n1" || out[2].Kind != crdt.KindInsertNode {
		t.Fatalf("structural ordering lost: %+v / %+v", out[1], out[2])
	}
}

func TestBufferLimitForcesFlush(t *testing.T) {
	c := NewCompressor(Config{MaxBufferSize: 2, PruneDeletedNodes: true})

	c.Add(crdt.NewInsertNode(ts(1, "alice"), "n1", "TEXT", "root", "V", nil))
	c.Add(crdt.NewInsertNode(ts(2, "alice"), "n2", "TEXT", "root", "W", nil))

	evicted := c.Add(crdt.NewInsertNode(ts(3, "alice"), "n3", "TEXT", "root", "X", nil))
	if len(evicted) != 2 {
		t.Fatalf("expected the full buffer to evict, got %d ops", len(evicted))
	}
	if c.Len() != 1 {
		t.Fatalf("new op should remain buffered, len=%d", c.Len())
	}
}

func TestBatchIntegrity(t *testing.T) {
	ops := []crdt.Operation{
		crdt.NewInsertNode(ts(2, "bob"), "n2", "TEXT", "root", "W", nil),
		crdt.NewInsertNode(ts(1, "alice"), "n1", "TEXT", "root", "V", nil),
	}

	batch, err := NewBatch(ops)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if batch.BaseTimestamp.Counter != 1 || batch.BaseTimestamp.ClientID != "alice" {
		t.Fatalf("base timestamp should be the minimum, got %v", batch.BaseTimestamp)
	}
	if !VerifyBatch(batch) {
		t.Fatalf("fresh batch must verify")
	}

	tampered := batch
	tampered.Operations = append(append([]crdt.Operation{}, batch.Operations...),
		crdt.NewDeleteNode(ts(9, "mallory"), "n1"))
	if VerifyBatch(tampered) {
		t.Fatalf("appended operation must break verification")
	}

	reordered := batch
	reordered.Operations = []crdt.Operation{batch.Operations[1], batch.Operations[0]}
	if VerifyBatch(reordered) {
		t.Fatalf("reordered operations must break verification")
	}
}

func TestEmptyBatch(t *testing.T) {
	batch, err := NewBatch(nil)
	if err != nil {
		t.Fatalf("create empty batch: %v", err)
	}
	if batch.Checksum != "" {
		t.Fatalf("empty batch checksum must be empty, got %q", batch.Checksum)
	}
	if !batch.BaseTimestamp.IsZero() {
		t.Fatalf("empty batch base timestamp must be the zero sentinel")
	}
	if !VerifyBatch(batch) {
		t.Fatalf("empty batch must verify")
	}
}

func TestEstimateSizeIsMonotonic(t *testing.T) {
	small := []crdt.Operation{crdt.NewDeleteNode(ts(1, "alice"), "n1")}
	large := append(append([]crdt.Operation{}, small...),
		crdt.NewInsertNode(ts(2, "alice"), "n2", "TEXT", "root", "V", map[string]any{"text": "hello world"}))

	if EstimateSize(small) >= EstimateSize(large) {
		t.Fatalf("size estimate must grow with payload")
	}
	if EstimateSize(nil) <= 0 {
		t.Fatalf("empty estimate should still count the envelope")
	}
}
