package syncstate

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/types"
)

// ErrCausalityGap is returned when a record is queued because the local
// replica has not yet observed one of its causal predecessors.
var ErrCausalityGap = errors.New("operation delayed: causal gap detected")

// RecordApplier is invoked when a record is ready to be executed.
type RecordApplier func(types.WALRecord) error

// ReorderBuffer holds records that cannot be applied yet because the local
// vector clock lags behind the record's clock.
type ReorderBuffer struct {
	mu       sync.Mutex
	tracker  *VectorClockTracker
	pending  map[types.DocumentID][]types.WALRecord
	logger   zerolog.Logger
	reorders *prometheus.CounterVec
}

// NewReorderBuffer constructs a buffer with the provided clock tracker.
func NewReorderBuffer(tracker *VectorClockTracker, logger zerolog.Logger) *ReorderBuffer {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "vector_clock",
		Name:      "operations_reordered_total",
		Help:      "Operations applied after waiting for causal predecessors.",
	}, []string{"document_id"})

	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &ReorderBuffer{
		tracker:  tracker,
		pending:  make(map[types.DocumentID][]types.WALRecord),
		logger:   logger,
		reorders: counter,
	}
}

// Handle applies the record immediately when its causal predecessors have
// arrived, otherwise queues it and reports ErrCausalityGap. Applying a
// record can unblock queued ones, which are drained in turn.
func (b *ReorderBuffer) Handle(record types.WALRecord, apply RecordApplier) error {
	if record.VectorClock == nil {
		record.VectorClock = clock.NewVectorClock()
	}

	if !b.tracker.Dominates(record.Document, priorClock(record)) {
		b.enqueue(record)
		b.logger.Info().
			Str("document", string(record.Document)).
			Str("operation", string(record.Operation)).
			Str("client", string(record.Client)).
			Msg("queued operation pending causal predecessors")
		return ErrCausalityGap
	}

	if err := apply(record); err != nil {
		return err
	}
	b.tracker.MergeRemote(record.Document, record.VectorClock)

	return b.drain(record.Document, apply)
}

// priorClock is the record's causal dependency set: its clock minus the
// issuing client's own increment. Entries that decrement to zero are
// removed so a client's first operation depends on nothing.
func priorClock(record types.WALRecord) clock.VectorClock {
	prior := record.VectorClock.Clone()
	client := string(record.Client)
	switch counter := prior.Get(client); counter {
	case 0:
	case 1:
		delete(prior, client)
	default:
		prior.Set(client, counter-1)
	}
	return prior
}

func (b *ReorderBuffer) drain(docID types.DocumentID, apply RecordApplier) error {
	for {
		record, ok := b.dequeueReady(docID)
		if !ok {
			return nil
		}

		b.logger.Info().
			Str("document", string(docID)).
			Str("operation", string(record.Operation)).
			Str("client", string(record.Client)).
			Msg("applying previously queued operation")
		b.reorders.WithLabelValues(string(docID)).Inc()

		if err := apply(record); err != nil {
			return err
		}
		b.tracker.MergeRemote(docID, record.VectorClock)
	}
}

func (b *ReorderBuffer) enqueue(record types.WALRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[record.Document] = append(b.pending[record.Document], record)
}

func (b *ReorderBuffer) dequeueReady(docID types.DocumentID) (types.WALRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.pending[docID]
	if len(queue) == 0 {
		return types.WALRecord{}, false
	}

	vc := b.tracker.Snapshot(docID)
	for i, record := range queue {
		if vc.Dominates(priorClock(record)) {
			b.pending[docID] = append(queue[:i], queue[i+1:]...)
			return record, true
		}
	}

	return types.WALRecord{}, false
}

// PendingCount returns the number of queued records for a document.
func (b *ReorderBuffer) PendingCount(docID types.DocumentID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[docID])
}
