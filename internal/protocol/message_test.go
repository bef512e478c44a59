package protocol

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/crdt"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	data, err := Serialize(m)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	decoded, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	return decoded
}

func TestHelloRoundTripAndDefaults(t *testing.T) {
	m := NewHelloMessage("alice", "doc-1", "Alice", "")
	if m.Version != DefaultHelloVersion {
		t.Fatalf("version default not applied: %q", m.Version)
	}

	decoded := roundTrip(t, m)
	if !reflect.DeepEqual(decoded, m) {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, m)
	}
}

func TestOperationRoundTripPreservesPayload(t *testing.T) {
	op := crdt.Operation{
		ID:        "alice-op-1",
		Kind:      crdt.KindSetProperty,
		Timestamp: clock.New(7, "alice"),
		NodeID:    "n1",
		Path:      []string{"style", "fill"},
		OldValue:  "red",
		NewValue:  "blue",
	}
	m := NewOperationMessage(op)

	decoded := roundTrip(t, m).(OperationMessage)
	if !reflect.DeepEqual(decoded.Operation, op) {
		t.Fatalf("operation payload lost: %+v vs %+v", decoded.Operation, op)
	}
}

func TestWireFieldNames(t *testing.T) {
	data, err := Serialize(NewOperationMessage(crdt.NewInsertNode(clock.New(1, "alice"), "n1", "FRAME", "root", "V", nil)))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["type"] != "OPERATION" {
		t.Fatalf("type discriminator wrong: %v", raw["type"])
	}
	op, ok := raw["operation"].(map[string]any)
	if !ok {
		t.Fatalf("operation field missing")
	}
	for _, field := range []string{"id", "type", "timestamp", "nodeId", "nodeType", "parentId", "fractionalIndex"} {
		if _, ok := op[field]; !ok {
			t.Fatalf("operation field %q missing from wire form: %v", field, op)
		}
	}
	tsField := op["timestamp"].(map[string]any)
	if _, ok := tsField["clientId"]; !ok {
		t.Fatalf("timestamp clientId missing: %v", tsField)
	}
}

func TestPresenceRoundTrip(t *testing.T) {
	m := NewPresenceMessage("bob", PresenceState{
		Cursor:   map[string]any{"x": float64(10), "y": float64(20)},
		IsActive: true,
	})
	decoded := roundTrip(t, m).(PresenceMessage)
	if !reflect.DeepEqual(decoded, m) {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, m)
	}
}

func TestPresencePreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"PRESENCE","clientId":"bob","presence":{"cursor":{"x":1},"isActive":true,"selection":["n1","n2"],"viewport":{"zoom":1.5}}}`)

	decoded, err := Deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	m := decoded.(PresenceMessage)
	if !reflect.DeepEqual(m.Presence.Extra["selection"], []any{"n1", "n2"}) {
		t.Fatalf("unknown field dropped: %+v", m.Presence.Extra)
	}

	reencoded, err := Serialize(m)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(reencoded, &obj); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	presence := obj["presence"].(map[string]any)
	for _, field := range []string{"cursor", "isActive", "selection", "viewport"} {
		if _, ok := presence[field]; !ok {
			t.Fatalf("field %q lost on relay: %v", field, presence)
		}
	}
	if _, ok := presence["extra"]; ok {
		t.Fatalf("extra fields must stay top-level, not nested: %v", presence)
	}
}

func TestSyncRequestNullSince(t *testing.T) {
	data, err := Serialize(NewSyncRequestMessage(nil))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if since, present := raw["since"]; !present || since != nil {
		t.Fatalf("null since must serialize explicitly, got %v (present=%v)", since, present)
	}

	decoded, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if decoded.(SyncRequestMessage).Since != nil {
		t.Fatalf("nil since lost in round trip")
	}

	ts := clock.New(4, "alice")
	withSince := roundTrip(t, NewSyncRequestMessage(&ts)).(SyncRequestMessage)
	if withSince.Since == nil || *withSince.Since != ts {
		t.Fatalf("since value lost: %v", withSince.Since)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	m := NewErrorMessage(ErrRateLimited, "slow down", map[string]any{"retryAfterMs": float64(250)})
	decoded := roundTrip(t, m).(ErrorMessage)
	if !reflect.DeepEqual(decoded, m) {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, m)
	}
}

func TestDeserializeRejectsMalformedInput(t *testing.T) {
	cases := [][]byte{
		[]byte("not json"),
		[]byte(`{"type":"TELEPORT"}`),
		[]byte(`{"type":"OPERATION","operation":"not an object"}`),
		[]byte(``),
	}
	for _, data := range cases {
		if _, err := Deserialize(data); err == nil {
			t.Fatalf("expected parse error for %q", data)
		}
	}
}
