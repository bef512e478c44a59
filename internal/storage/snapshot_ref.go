package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/types"
)

// SnapshotRef points at a CRDT state snapshot stored in object storage and
// the WAL position it covers.
type SnapshotRef struct {
	Document    types.DocumentID  `json:"document_id"`
	OperationID types.OperationID `json:"operation_id"`
	VectorClock clock.VectorClock `json:"vector_clock"`
	ObjectPath  string            `json:"object_path"`
	LastLSN     int64             `json:"last_lsn"`
	CreatedAt   time.Time         `json:"created_at"`
}

// RecordSnapshot persists a snapshot reference.
func (w *WAL) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	vectorBytes, err := json.Marshal(ref.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}

	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, `
                        INSERT INTO document_snapshots (document_id, op_id, vector_clock, object_path, last_lsn, created_at)
                        VALUES ($1, $2, $3, $4, $5, $6)
                `, ref.Document, ref.OperationID, vectorBytes, ref.ObjectPath, ref.LastLSN, ref.CreatedAt)
		return err
	})
}

// LatestSnapshot returns the most recent snapshot reference for a document.
// A zero-valued ref with no object path means no snapshot exists yet.
func (w *WAL) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	return w.snapshotQuery(ctx, `
                SELECT document_id, op_id, vector_clock, object_path, last_lsn, created_at
                FROM document_snapshots
                WHERE document_id = $1
                ORDER BY last_lsn DESC
                LIMIT 1`, docID)
}

// SnapshotBeforeLSN returns the newest snapshot covering at most the given
// WAL position.
func (w *WAL) SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error) {
	return w.snapshotQuery(ctx, `
                SELECT document_id, op_id, vector_clock, object_path, last_lsn, created_at
                FROM document_snapshots
                WHERE document_id = $1 AND last_lsn <= $2
                ORDER BY last_lsn DESC
                LIMIT 1`, docID, lsn)
}

func (w *WAL) snapshotQuery(ctx context.Context, query string, args ...any) (SnapshotRef, error) {
	var (
		ref         SnapshotRef
		vectorBytes []byte
	)
	err := w.pool.QueryRow(ctx, query, args...).Scan(
		&ref.Document, &ref.OperationID, &vectorBytes, &ref.ObjectPath, &ref.LastLSN, &ref.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	if len(vectorBytes) > 0 {
		if err := json.Unmarshal(vectorBytes, &ref.VectorClock); err != nil {
			return SnapshotRef{}, fmt.Errorf("decode vector clock: %w", err)
		}
	}
	return ref, nil
}
