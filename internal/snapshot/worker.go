package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/crdt"
	"github.com/example/scene-sync-engine/internal/storage"
	"github.com/example/scene-sync-engine/internal/types"
)

// Payload captures the document state and metadata persisted inside an
// object storage snapshot.
type Payload struct {
	Document    types.DocumentID  `json:"document_id"`
	LastOpID    types.OperationID `json:"last_op_id"`
	VectorClock clock.VectorClock `json:"vector_clock"`
	Nodes       []crdt.NodeState  `json:"nodes"`
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// Thresholds decide when a document has accumulated enough churn to be worth
// snapshotting. Either trigger alone suffices.
type Thresholds struct {
	Interval   time.Duration
	WALBacklog int64
	ArenaSize  int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.Interval == 0 {
		t.Interval = 15 * time.Second
	}
	if t.WALBacklog == 0 {
		t.WALBacklog = 500
	}
	if t.ArenaSize == 0 {
		t.ArenaSize = 256
	}
	return t
}

// Worker sweeps loaded documents on a timer and writes a state snapshot to
// object storage whenever the WAL backlog since the previous snapshot or the
// node arena crosses its threshold.
type Worker struct {
	wal        *storage.WAL
	engine     *crdt.Engine
	object     *minio.Client
	bucket     string
	thresholds Thresholds
	logger     zerolog.Logger
}

// NewWorker constructs a snapshot worker with default thresholds.
func NewWorker(wal *storage.WAL, engine *crdt.Engine, object *minio.Client, bucket string, logger zerolog.Logger) *Worker {
	return &Worker{
		wal:        wal,
		engine:     engine,
		object:     object,
		bucket:     bucket,
		thresholds: Thresholds{}.withDefaults(),
		logger:     logger,
	}
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.thresholds.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Worker) sweep(ctx context.Context) {
	for _, docID := range w.engine.Documents() {
		due, err := w.due(ctx, docID)
		if err == nil && due {
			err = w.emit(ctx, docID)
		}
		if err != nil {
			w.logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot emission failed")
		}
	}
}

// due reports whether the document's churn since its last snapshot crosses a
// threshold.
func (w *Worker) due(ctx context.Context, docID types.DocumentID) (bool, error) {
	latest, err := w.wal.LatestSnapshot(ctx, docID)
	if err != nil {
		return false, fmt.Errorf("lookup latest snapshot: %w", err)
	}
	backlog, err := w.wal.OperationCountAfterLSN(ctx, docID, latest.LastLSN)
	if err != nil {
		return false, fmt.Errorf("count operations: %w", err)
	}
	return backlog >= w.thresholds.WALBacklog || w.engine.State(docID).Len() >= w.thresholds.ArenaSize, nil
}

// emit uploads the current state to object storage and records the reference
// in the WAL's snapshot table.
func (w *Worker) emit(ctx context.Context, docID types.DocumentID) error {
	if w.object == nil {
		return fmt.Errorf("object storage client not configured")
	}
	lastOp := w.engine.LastOperation(docID)
	if lastOp == "" {
		return nil
	}

	payload := Payload{
		Document:    docID,
		LastOpID:    lastOp,
		VectorClock: w.engine.VectorClock(docID),
		Nodes:       w.engine.State(docID).Snapshot(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s/%s.json", docID, lastOp)
	_, err = w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Document:    docID,
		OperationID: lastOp,
		VectorClock: payload.VectorClock.Clone(),
		ObjectPath:  objectPath,
		LastLSN:     w.engine.LastLSN(docID),
		CreatedAt:   time.Now().UTC(),
	}
	if err := w.wal.RecordSnapshot(ctx, ref); err != nil {
		return fmt.Errorf("persist snapshot ref: %w", err)
	}

	w.logger.Info().Str("document", string(docID)).Str("op_id", string(lastOp)).Msg("snapshot created")
	return nil
}
