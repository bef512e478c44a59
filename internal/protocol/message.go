// Package protocol defines the typed wire messages exchanged between peers.
// Every message is a JSON object discriminated by its "type" field; the
// field names are the wire contract and round-trip byte-for-byte.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/crdt"
)

// MessageType discriminates the wire message variants.
type MessageType string

const (
	TypeHello       MessageType = "HELLO"
	TypeOperation   MessageType = "OPERATION"
	TypePresence    MessageType = "PRESENCE"
	TypeSyncRequest MessageType = "SYNC_REQUEST"
	TypeError       MessageType = "ERROR"
)

// ErrorCode enumerates the protocol-level error conditions.
type ErrorCode string

const (
	ErrInvalidMessage   ErrorCode = "INVALID_MESSAGE"
	ErrDocumentNotFound ErrorCode = "DOCUMENT_NOT_FOUND"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrInternal         ErrorCode = "INTERNAL_ERROR"
)

// DefaultHelloVersion is applied when a handshake omits its protocol version.
const DefaultHelloVersion = "1.0.0"

// Message is implemented by every wire message variant.
type Message interface {
	MessageType() MessageType
}

// HelloMessage opens a session.
type HelloMessage struct {
	Type       MessageType `json:"type"`
	ClientID   string      `json:"clientId"`
	DocumentID string      `json:"documentId"`
	UserName   string      `json:"userName"`
	Version    string      `json:"version"`
}

func (m HelloMessage) MessageType() MessageType { return TypeHello }

// OperationMessage carries a single edit.
type OperationMessage struct {
	Type      MessageType    `json:"type"`
	Operation crdt.Operation `json:"operation"`
}

func (m OperationMessage) MessageType() MessageType { return TypeOperation }

// PresenceState is the ephemeral, merge-irrelevant session state relayed
// between peers. The wire form is an open object: cursor and isActive are
// the understood fields, any other top-level keys are preserved in Extra so
// richer peers survive a relay through this server.
type PresenceState struct {
	Cursor   map[string]any
	IsActive bool
	Extra    map[string]any
}

// MarshalJSON flattens Extra back to top-level keys alongside cursor and
// isActive.
func (p PresenceState) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		obj[k] = v
	}
	if p.Cursor != nil {
		obj["cursor"] = p.Cursor
	}
	obj["isActive"] = p.IsActive
	return json.Marshal(obj)
}

// UnmarshalJSON folds unrecognized top-level keys into Extra.
func (p *PresenceState) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*p = PresenceState{}
	if raw, ok := obj["cursor"]; ok {
		if err := json.Unmarshal(raw, &p.Cursor); err != nil {
			return err
		}
		delete(obj, "cursor")
	}
	if raw, ok := obj["isActive"]; ok {
		if err := json.Unmarshal(raw, &p.IsActive); err != nil {
			return err
		}
		delete(obj, "isActive")
	}
	if len(obj) == 0 {
		return nil
	}
	p.Extra = make(map[string]any, len(obj))
	for k, raw := range obj {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		p.Extra[k] = v
	}
	return nil
}

// PresenceMessage relays cursor and activity state.
type PresenceMessage struct {
	Type     MessageType   `json:"type"`
	ClientID string        `json:"clientId"`
	Presence PresenceState `json:"presence"`
}

func (m PresenceMessage) MessageType() MessageType { return TypePresence }

// SyncRequestMessage asks a peer for operations newer than Since. A nil
// Since requests a full resync from the beginning.
type SyncRequestMessage struct {
	Type  MessageType      `json:"type"`
	Since *clock.Timestamp `json:"since"`
}

func (m SyncRequestMessage) MessageType() MessageType { return TypeSyncRequest }

// ErrorMessage reports a protocol-level failure to the peer.
type ErrorMessage struct {
	Type    MessageType    `json:"type"`
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (m ErrorMessage) MessageType() MessageType { return TypeError }

// NewHelloMessage builds a handshake, defaulting the version when empty.
func NewHelloMessage(clientID, documentID, userName, version string) HelloMessage {
	if version == "" {
		version = DefaultHelloVersion
	}
	return HelloMessage{Type: TypeHello, ClientID: clientID, DocumentID: documentID, UserName: userName, Version: version}
}

// NewOperationMessage wraps one operation for transmission.
func NewOperationMessage(op crdt.Operation) OperationMessage {
	return OperationMessage{Type: TypeOperation, Operation: op}
}

// NewPresenceMessage wraps a presence update.
func NewPresenceMessage(clientID string, presence PresenceState) PresenceMessage {
	return PresenceMessage{Type: TypePresence, ClientID: clientID, Presence: presence}
}

// NewSyncRequestMessage asks for everything after since; pass nil for a full
// resync.
func NewSyncRequestMessage(since *clock.Timestamp) SyncRequestMessage {
	return SyncRequestMessage{Type: TypeSyncRequest, Since: since}
}

// NewErrorMessage builds an error report.
func NewErrorMessage(code ErrorCode, message string, details map[string]any) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message, Details: details}
}

// Serialize encodes a message for the wire.
func Serialize(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil message")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize %s message: %w", m.MessageType(), err)
	}
	return data, nil
}

// Deserialize decodes a wire payload into its concrete message type. It
// fails with a parse error on malformed input or an unknown discriminator;
// callers convert the failure into an ERROR message rather than crashing the
// session.
func Deserialize(data []byte) (Message, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	switch probe.Type {
	case TypeHello:
		var m HelloMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse HELLO: %w", err)
		}
		return m, nil
	case TypeOperation:
		var m OperationMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse OPERATION: %w", err)
		}
		return m, nil
	case TypePresence:
		var m PresenceMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse PRESENCE: %w", err)
		}
		return m, nil
	case TypeSyncRequest:
		var m SyncRequestMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse SYNC_REQUEST: %w", err)
		}
		return m, nil
	case TypeError:
		var m ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse ERROR: %w", err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown message type %q", probe.Type)
}
