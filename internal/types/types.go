package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/scene-sync-engine/internal/clock"
)

// DocumentID identifies a collaborative document.
type DocumentID string

// ClientID represents a connected client.
type ClientID string

// OperationID is a globally unique identifier for an operation.
type OperationID string

// WALRecord stores a durable representation of an operation. Payload holds
// the serialized operation exactly as it arrived so replay reconstructs the
// original edit.
type WALRecord struct {
	LSN         int64             `json:"lsn,omitempty"`
	Operation   OperationID       `json:"operation_id"`
	Document    DocumentID        `json:"document_id"`
	Client      ClientID          `json:"client_id"`
	Payload     []byte            `json:"payload"`
	VectorClock clock.VectorClock `json:"vector_clock"`
	CreatedAt   time.Time         `json:"created_at"`
}

type walRecordJSON struct {
	LSN         int64             `json:"lsn,omitempty"`
	Operation   OperationID       `json:"operation_id"`
	Document    DocumentID        `json:"document_id"`
	Client      ClientID          `json:"client_id"`
	Payload     string            `json:"payload"`
	VectorClock clock.VectorClock `json:"vector_clock"`
	CreatedAt   time.Time         `json:"created_at"`
}

// MarshalBinary serializes a WALRecord to JSON for storage in a byte-oriented
// WAL.
func (r WALRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	payload := walRecordJSON{
		LSN:         r.LSN,
		Operation:   r.Operation,
		Document:    r.Document,
		Client:      r.Client,
		Payload:     string(r.Payload),
		VectorClock: r.VectorClock,
		CreatedAt:   r.CreatedAt,
	}
	return json.Marshal(payload)
}

// UnmarshalBinary deserializes a WALRecord from the JSON representation.
func (r *WALRecord) UnmarshalBinary(data []byte) error {
	var payload walRecordJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode wal record: %w", err)
	}
	r.LSN = payload.LSN
	r.Operation = payload.Operation
	r.Document = payload.Document
	r.Client = payload.Client
	r.Payload = []byte(payload.Payload)
	r.VectorClock = payload.VectorClock
	r.CreatedAt = payload.CreatedAt
	return nil
}
