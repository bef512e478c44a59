package ws

import (
	"sync"

	"github.com/example/scene-sync-engine/internal/protocol"
)

// ConnectionRegistry tracks active WebSocket connections keyed by document ID
// so downstream services can broadcast efficiently.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	documents map[string]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{documents: make(map[string]map[*Connection]struct{})}
}

// Register associates the connection with a document.
func (r *ConnectionRegistry) Register(documentID string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documents[documentID] == nil {
		r.documents[documentID] = make(map[*Connection]struct{})
	}
	r.documents[documentID][c] = struct{}{}
	gatewayConnections.WithLabelValues(documentID).Set(float64(len(r.documents[documentID])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(documentID string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.documents[documentID]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.documents, documentID)
	}
	gatewayConnections.WithLabelValues(documentID).Set(float64(len(conns)))
}

// fanout snapshots the document's connections under the read lock, then sends
// outside it so a slow client cannot stall registration. Returns the number
// of successful sends.
func (r *ConnectionRegistry) fanout(documentID string, payload []byte, keep func(*Connection) bool) int {
	r.mu.RLock()
	conns := r.documents[documentID]
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		if keep == nil || keep(c) {
			recipients = append(recipients, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range recipients {
		if err := c.SendText(payload); err == nil {
			sent++
		}
	}
	return sent
}

// BroadcastMessage serializes a protocol message and delivers it to every
// connection on the document except skip.
func (r *ConnectionRegistry) BroadcastMessage(documentID string, msg protocol.Message, skip *Connection) int {
	payload, err := protocol.Serialize(msg)
	if err != nil {
		return 0
	}
	return r.fanout(documentID, payload, func(c *Connection) bool { return c != skip })
}

// BroadcastTextByClientID delivers the payload to every connection on the
// document, skipping a matching client identifier when provided. Used when
// relaying pub/sub traffic where the originating connection may live on a
// different instance.
func (r *ConnectionRegistry) BroadcastTextByClientID(documentID string, payload []byte, skipClientID string) int {
	return r.fanout(documentID, payload, func(c *Connection) bool {
		return skipClientID == "" || c.ClientID() != skipClientID
	})
}
