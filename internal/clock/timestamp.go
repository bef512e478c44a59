package clock

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Timestamp is a Lamport timestamp: a monotonically increasing counter owned
// by a client. The pair gives a total order over operations from all clients
// without synchronized wall clocks.
type Timestamp struct {
	Counter  uint64 `json:"counter"`
	ClientID string `json:"clientId"`
}

// New constructs a timestamp value.
func New(counter uint64, clientID string) Timestamp {
	return Timestamp{Counter: counter, ClientID: clientID}
}

// Next returns a copy with the counter advanced by one. The receiver is not
// modified.
func (t Timestamp) Next() Timestamp {
	return Timestamp{Counter: t.Counter + 1, ClientID: t.ClientID}
}

// Merge advances the local clock past an observed remote timestamp, following
// the Lamport rule: the new counter is one past the maximum of both counters
// and ownership stays with the local client.
func (t Timestamp) Merge(remote Timestamp) Timestamp {
	counter := t.Counter
	if remote.Counter > counter {
		counter = remote.Counter
	}
	return Timestamp{Counter: counter + 1, ClientID: t.ClientID}
}

// Compare returns a negative value when t orders before other, positive when
// after, and zero only for identical timestamps. Counters compare first;
// equal counters are tie-broken by client id so the order is total across
// all clients.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	}
	return strings.Compare(t.ClientID, other.ClientID)
}

// Before reports whether t orders strictly before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t.Compare(other) < 0
}

// IsZero reports whether the timestamp is the zero sentinel.
func (t Timestamp) IsZero() bool {
	return t.Counter == 0 && t.ClientID == ""
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d@%s", t.Counter, t.ClientID)
}

// NewOperationID produces a globally unique operation identifier embedding
// the issuing client. The id is identity only; ordering always comes from
// the timestamp.
func NewOperationID(clientID string) string {
	return fmt.Sprintf("%s-%s", clientID, uuid.NewString())
}
