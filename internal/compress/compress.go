package compress

import (
	"github.com/example/scene-sync-engine/internal/crdt"
)

// Stats summarizes one batch compression pass.
type Stats struct {
	InputCount       int     `json:"inputCount"`
	OutputCount      int     `json:"outputCount"`
	CompressedCount  int     `json:"compressedCount"`
	PrunedCount      int     `json:"prunedCount"`
	CompressionRatio float64 `json:"compressionRatio"`
}

// Result is the compacted operation stream plus its statistics.
type Result struct {
	Operations []crdt.Operation `json:"operations"`
	Stats      Stats            `json:"stats"`
}

// Compress sorts the operations by timestamp, prunes edits made irrelevant
// by a later delete of their node, and coalesces consecutive redundant edits
// with the same rules as the streaming buffer. Inserts and deletes always
// pass through untouched.
func Compress(ops []crdt.Operation, cfg Config) Result {
	stats := Stats{InputCount: len(ops)}

	sorted := make([]crdt.Operation, len(ops))
	copy(sorted, ops)
	crdt.SortOperations(sorted)

	if cfg.PruneDeletedNodes {
		sorted = prune(sorted, &stats)
	}
	out := coalesce(sorted, &stats)

	stats.OutputCount = len(out)
	if stats.InputCount > 0 {
		stats.CompressionRatio = float64(stats.OutputCount) / float64(stats.InputCount)
	} else {
		stats.CompressionRatio = 1
	}

	compressedOps.Add(float64(stats.CompressedCount))
	prunedOps.Add(float64(stats.PrunedCount))

	return Result{Operations: out, Stats: stats}
}

// prune drops property, move, and reorder edits whose node carries a later
// delete in the same batch: their effect is unobservable once the node is
// gone.
func prune(sorted []crdt.Operation, stats *Stats) []crdt.Operation {
	lastDelete := make(map[string]int) // nodeID -> index of its last delete
	for i, op := range sorted {
		if op.Kind == crdt.KindDeleteNode {
			lastDelete[op.NodeID] = i
		}
	}
	if len(lastDelete) == 0 {
		return sorted
	}

	out := sorted[:0]
	for i, op := range sorted {
		switch op.Kind {
		case crdt.KindSetProperty, crdt.KindMoveNode, crdt.KindReorderNode:
			if deleteIdx, ok := lastDelete[op.NodeID]; ok && deleteIdx > i {
				stats.PrunedCount++
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

// coalesce merges runs of consecutive operations that share a compression
// key: property writes per (node, path, client), moves and reorders per
// node.
func coalesce(sorted []crdt.Operation, stats *Stats) []crdt.Operation {
	out := make([]crdt.Operation, 0, len(sorted))
	for _, op := range sorted {
		if len(out) > 0 {
			last := out[len(out)-1]
			if combined, ok := combine(last, op); ok {
				out[len(out)-1] = combined
				stats.CompressedCount++
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

func combine(last, op crdt.Operation) (crdt.Operation, bool) {
	if last.Kind != op.Kind {
		return crdt.Operation{}, false
	}
	switch op.Kind {
	case crdt.KindSetProperty:
		if propKey(last) == propKey(op) {
			return combineSetProperty(last, op), true
		}
	case crdt.KindMoveNode:
		if last.NodeID == op.NodeID {
			return combineMove(last, op), true
		}
	case crdt.KindReorderNode:
		if last.NodeID == op.NodeID {
			return combineReorder(last, op), true
		}
	}
	return crdt.Operation{}, false
}
