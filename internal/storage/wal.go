// Package storage persists the per-document operation log in Postgres.
// The log is the durable source for replica recovery, sync responses, and
// point-in-time history.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/crdt"
	"github.com/example/scene-sync-engine/internal/types"
)

// WAL provides persistence for operations and recovery helpers.
type WAL struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// WALOption configures the WAL store.
type WALOption func(*WAL)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) WALOption {
	return func(w *WAL) {
		w.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) WALOption {
	return func(w *WAL) {
		w.retryDelay = d
	}
}

// NewWAL constructs a WAL helper using the provided Postgres pool.
func NewWAL(pool *pgxpool.Pool, opts ...WALOption) *WAL {
	w := &WAL{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AppendOperation durably stores an operation record for the document. The
// insert runs in a transaction and transient failures are retried.
func (w *WAL) AppendOperation(ctx context.Context, docID types.DocumentID, record types.WALRecord) (int64, error) {
	ctx, span := walTracer.Start(ctx, "wal.append")
	defer span.End()

	record.Document = docID
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	var lsn int64
	err := w.retry(ctx, func(ctx context.Context) error {
		tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		vectorBytes, err := json.Marshal(record.VectorClock)
		if err != nil {
			return fmt.Errorf("marshal vector clock: %w", err)
		}

		row := tx.QueryRow(ctx, `
INSERT INTO document_operations (document_id, op_id, client_id, vector_clock, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING lsn`,
			record.Document, record.Operation, record.Client, vectorBytes, record.Payload, record.CreatedAt,
		)
		if err := row.Scan(&lsn); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})

	if err != nil {
		return 0, err
	}

	walAppendLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	return lsn, nil
}

// AppendCRDTOperation serializes a logical operation into a WAL record and
// persists it alongside the issuing client's vector clock.
func (w *WAL) AppendCRDTOperation(ctx context.Context, docID types.DocumentID, op crdt.Operation, vc clock.VectorClock) (int64, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("marshal operation: %w", err)
	}
	record := types.WALRecord{
		Operation:   types.OperationID(op.ID),
		Document:    docID,
		Client:      types.ClientID(op.Timestamp.ClientID),
		Payload:     payload,
		VectorClock: vc,
	}
	return w.AppendOperation(ctx, docID, record)
}

// ActiveDocuments returns the set of documents that currently have WAL entries.
func (w *WAL) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := w.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_operations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentID
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentID(doc))
	}
	return docs, rows.Err()
}

// ReplayDocument scans operations for a document in WAL order, invoking the
// handler for each record after fromLSN.
func (w *WAL) ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.WALRecord) error) error {
	ctx, span := walTracer.Start(ctx, "wal.replay")
	defer span.End()

	start := time.Now()
	rows, err := w.pool.Query(ctx, `
                SELECT lsn, document_id, op_id, client_id, vector_clock, payload, created_at
                FROM document_operations
                WHERE document_id = $1 AND lsn > $2
                ORDER BY lsn`, docID, fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := handler(record); err != nil {
			return err
		}
	}

	walReplayLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	return rows.Err()
}

// OperationsSince returns the records carrying timestamps strictly newer
// than since, in timestamp order. A zero since returns the full log; this
// backs SYNC_REQUEST answering.
func (w *WAL) OperationsSince(ctx context.Context, docID types.DocumentID, since clock.Timestamp) ([]types.WALRecord, error) {
	var out []types.WALRecord
	err := w.ReplayDocument(ctx, docID, 0, func(record types.WALRecord) error {
		var op crdt.Operation
		if err := json.Unmarshal(record.Payload, &op); err != nil {
			return fmt.Errorf("decode operation %s: %w", record.Operation, err)
		}
		if since.IsZero() || since.Before(op.Timestamp) {
			out = append(out, record)
		}
		return nil
	})
	return out, err
}

// LSNForOperation resolves an operation id to its WAL position and creation
// time.
func (w *WAL) LSNForOperation(ctx context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error) {
	var (
		lsn       int64
		createdAt time.Time
	)
	err := w.pool.QueryRow(ctx, `
                SELECT lsn, created_at FROM document_operations
                WHERE document_id = $1 AND op_id = $2`, docID, opID).Scan(&lsn, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, fmt.Errorf("operation %s not found", opID)
	}
	return lsn, createdAt, err
}

// LSNForTime returns the highest WAL position at or before the given time.
func (w *WAL) LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error) {
	var lsn int64
	err := w.pool.QueryRow(ctx, `
                SELECT COALESCE(MAX(lsn), 0) FROM document_operations
                WHERE document_id = $1 AND created_at <= $2`, docID, ts).Scan(&lsn)
	return lsn, err
}

// OperationCountAfterLSN counts log entries beyond a WAL position.
func (w *WAL) OperationCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error) {
	var count int64
	err := w.pool.QueryRow(ctx, `
                SELECT COUNT(*) FROM document_operations
                WHERE document_id = $1 AND lsn > $2`, docID, lsn).Scan(&count)
	return count, err
}

// LastCheckpoint returns the most recent persisted LSN for a document.
func (w *WAL) LastCheckpoint(ctx context.Context, docID types.DocumentID) (int64, error) {
	var lsn int64
	err := w.pool.QueryRow(ctx, `
                SELECT last_lsn FROM document_checkpoints WHERE document_id = $1
        `, docID).Scan(&lsn)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return lsn, err
}

// RecordCheckpoint upserts the current LSN for a document.
func (w *WAL) RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error {
	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, `
                        INSERT INTO document_checkpoints (document_id, last_lsn)
                        VALUES ($1, $2)
                        ON CONFLICT (document_id)
                        DO UPDATE SET last_lsn = EXCLUDED.last_lsn, checkpointed_at = now()
                `, docID, lsn)
		return err
	})
}

// RecordBacklogMetric publishes the WAL backlog gauge for a document.
func (w *WAL) RecordBacklogMetric(docID types.DocumentID, backlog int64) {
	walBacklog.WithLabelValues(string(docID)).Set(float64(backlog))
}

func scanRecord(rows pgx.Rows) (types.WALRecord, error) {
	var (
		lsn         int64
		documentID  string
		opID        string
		clientID    string
		vectorClock []byte
		payload     []byte
		createdAt   time.Time
	)
	if err := rows.Scan(&lsn, &documentID, &opID, &clientID, &vectorClock, &payload, &createdAt); err != nil {
		return types.WALRecord{}, err
	}

	var vc clock.VectorClock
	if len(vectorClock) > 0 {
		if err := json.Unmarshal(vectorClock, &vc); err != nil {
			return types.WALRecord{}, fmt.Errorf("decode vector clock: %w", err)
		}
	}

	return types.WALRecord{
		LSN:         lsn,
		Operation:   types.OperationID(opID),
		Document:    types.DocumentID(documentID),
		Client:      types.ClientID(clientID),
		Payload:     payload,
		VectorClock: vc,
		CreatedAt:   createdAt,
	}, nil
}

func (w *WAL) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := w.retryDelay
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == w.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
