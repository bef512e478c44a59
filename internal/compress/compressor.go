// Package compress collapses redundant edit streams before they leave a
// client: chains of writes with the same observable end effect become one
// operation, edits to provably deleted nodes are dropped, and flushed
// streams are packaged into checksummed batches.
package compress

import (
	"fmt"

	"github.com/example/scene-sync-engine/internal/crdt"
)

// Config controls buffering and batch compression behaviour.
type Config struct {
	// MaxBufferSize bounds the number of buffered operations; reaching it
	// forces a flush instead of unbounded growth.
	MaxBufferSize int
	// PruneDeletedNodes drops property/move/reorder edits whose node is
	// deleted later in the same batch.
	PruneDeletedNodes bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxBufferSize: 256, PruneDeletedNodes: true}
}

// Compressor buffers an outgoing operation stream and coalesces redundant
// edits as they arrive. Property writes coalesce per (node, path, client);
// moves and reorders coalesce per node; structural inserts and deletes are
// never compressed.
type Compressor struct {
	cfg Config

	// pending SET_PROPERTY ops, coalesced per key, in insertion order
	propKeys []string
	props    map[string]crdt.Operation

	// inserts, deletes, and coalesced moves/reorders in insertion order
	structural []crdt.Operation
	moveIdx    map[string]int
	reorderIdx map[string]int
}

// NewCompressor constructs a streaming compressor.
func NewCompressor(cfg Config) *Compressor {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultConfig().MaxBufferSize
	}
	c := &Compressor{cfg: cfg}
	c.reset()
	return c
}

func (c *Compressor) reset() {
	c.propKeys = nil
	c.props = make(map[string]crdt.Operation)
	c.structural = nil
	c.moveIdx = make(map[string]int)
	c.reorderIdx = make(map[string]int)
}

func propKey(op crdt.Operation) string {
	return fmt.Sprintf("%s|%s|%s", op.NodeID, op.PathKey(), op.Timestamp.ClientID)
}

// Add buffers one operation and returns any operations evicted as a side
// effect. A full buffer is flushed wholesale before the new operation is
// buffered, so callers must forward the returned slice downstream.
func (c *Compressor) Add(op crdt.Operation) []crdt.Operation {
	var evicted []crdt.Operation
	if c.Len() >= c.cfg.MaxBufferSize {
		evicted = c.Flush()
	}

	switch op.Kind {
	case crdt.KindSetProperty:
		key := propKey(op)
		if buffered, ok := c.props[key]; ok {
			c.props[key] = combineSetProperty(buffered, op)
			compressedOps.Inc()
			return evicted
		}
		c.props[key] = op
		c.propKeys = append(c.propKeys, key)

	case crdt.KindMoveNode:
		if idx, ok := c.moveIdx[op.NodeID]; ok {
			c.structural[idx] = combineMove(c.structural[idx], op)
			compressedOps.Inc()
			return evicted
		}
		c.moveIdx[op.NodeID] = len(c.structural)
		c.structural = append(c.structural, op)

	case crdt.KindReorderNode:
		if idx, ok := c.reorderIdx[op.NodeID]; ok {
			c.structural[idx] = combineReorder(c.structural[idx], op)
			compressedOps.Inc()
			return evicted
		}
		c.reorderIdx[op.NodeID] = len(c.structural)
		c.structural = append(c.structural, op)

	default:
		// structural edits close over any pending property writes so the
		// relative order of property and structural edits survives
		c.spillProperties()
		c.structural = append(c.structural, op)
	}

	return evicted
}

// AddAll buffers a slice of operations, collecting every eviction.
func (c *Compressor) AddAll(ops []crdt.Operation) []crdt.Operation {
	var evicted []crdt.Operation
	for _, op := range ops {
		evicted = append(evicted, c.Add(op)...)
	}
	return evicted
}

// spillProperties moves the pending property buffer into the structural
// buffer in insertion order.
func (c *Compressor) spillProperties() {
	for _, key := range c.propKeys {
		c.structural = append(c.structural, c.props[key])
	}
	c.propKeys = nil
	c.props = make(map[string]crdt.Operation)
}

// Flush returns all buffered operations, property buffer first and then the
// structural buffer, each in insertion order, and clears the compressor.
func (c *Compressor) Flush() []crdt.Operation {
	out := make([]crdt.Operation, 0, c.Len())
	for _, key := range c.propKeys {
		out = append(out, c.props[key])
	}
	out = append(out, c.structural...)
	c.reset()
	return out
}

// Clear discards all buffered operations without returning them.
func (c *Compressor) Clear() {
	c.reset()
}

// HasBufferedOperations reports whether anything is waiting to be flushed.
func (c *Compressor) HasBufferedOperations() bool {
	return c.Len() > 0
}

// Len returns the number of buffered operations after coalescing.
func (c *Compressor) Len() int {
	return len(c.propKeys) + len(c.structural)
}

// combineSetProperty keeps the earliest old value and the latest new
// value/timestamp of two writes to the same property.
func combineSetProperty(a, b crdt.Operation) crdt.Operation {
	earliest, latest := ordered(a, b)
	out := latest
	out.OldValue = earliest.OldValue
	return out
}

// combineMove keeps the earliest origin parent and the latest destination.
func combineMove(a, b crdt.Operation) crdt.Operation {
	earliest, latest := ordered(a, b)
	out := latest
	out.OldParentID = earliest.OldParentID
	return out
}

// combineReorder keeps the latest position outright.
func combineReorder(a, b crdt.Operation) crdt.Operation {
	_, latest := ordered(a, b)
	return latest
}

func ordered(a, b crdt.Operation) (earliest, latest crdt.Operation) {
	if a.Timestamp.Compare(b.Timestamp) <= 0 {
		return a, b
	}
	return b, a
}
