package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/protocol"
	"github.com/example/scene-sync-engine/internal/ws"
)

const (
	entryTTL      = 45 * time.Second
	keyPrefix     = "presence:doc:"
	scanBatchSize = 100
)

// Entry is the durable form of a presence update, keyed by document and
// client. Disconnected entries tell peers to drop the client from their
// rosters.
type Entry struct {
	DocumentID   string                 `json:"documentId"`
	ClientID     string                 `json:"clientId"`
	UserName     string                 `json:"userName,omitempty"`
	State        protocol.PresenceState `json:"presence"`
	Disconnected bool                   `json:"disconnected,omitempty"`
	UpdatedAt    int64                  `json:"updatedAt"`
}

func removal(documentID, clientID string) Entry {
	return Entry{
		DocumentID:   documentID,
		ClientID:     clientID,
		Disconnected: true,
		UpdatedAt:    time.Now().UTC().UnixNano(),
	}
}

// Service keeps presence records in Redis under TTL keys, mirrors them into
// an in-memory roster, and relays changes to websocket clients both locally
// and across instances over pub/sub.
type Service struct {
	client   *redis.Client
	registry *ws.ConnectionRegistry
	logger   zerolog.Logger
	ttl      time.Duration

	mu     sync.RWMutex
	roster map[string]map[string]Entry
}

// NewService constructs a presence service backed by Redis.
func NewService(client *redis.Client, registry *ws.ConnectionRegistry, logger zerolog.Logger) *Service {
	return &Service{
		client:   client,
		registry: registry,
		logger:   logger,
		ttl:      entryTTL,
		roster:   make(map[string]map[string]Entry),
	}
}

// Start launches the pub/sub listener and the TTL sweep.
func (s *Service) Start(ctx context.Context) {
	go s.listen(ctx)
	go s.sweepLoop(ctx)
}

// HandleUpdate persists and broadcasts an updated presence record.
func (s *Service) HandleUpdate(ctx context.Context, conn *ws.Connection, msg protocol.PresenceMessage) error {
	entry := Entry{
		DocumentID: conn.DocumentID(),
		ClientID:   msg.ClientID,
		UserName:   conn.UserName(),
		State:      msg.Presence,
		UpdatedAt:  time.Now().UTC().UnixNano(),
	}
	if entry.ClientID == "" {
		entry.ClientID = conn.ClientID()
	}
	if entry.DocumentID == "" || entry.ClientID == "" {
		return errors.New("presence update missing identifiers")
	}

	if err := s.persist(ctx, entry); err != nil {
		return err
	}
	s.apply(entry, conn)
	if err := s.publish(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence update")
	}
	return nil
}

// Clear removes any cached presence for the document/client pair and
// notifies peers.
func (s *Service) Clear(ctx context.Context, documentID, clientID string) {
	if documentID == "" || clientID == "" {
		return
	}
	key := entryKey(documentID, clientID)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}

	gone := removal(documentID, clientID)
	s.apply(gone, nil)
	if err := s.publish(ctx, gone); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence removal")
	}
}

// SendRoster streams the current roster to a freshly connected client,
// excluding the client's own entry.
func (s *Service) SendRoster(ctx context.Context, conn *ws.Connection) error {
	entries, err := s.Roster(ctx, conn.DocumentID())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.ClientID == conn.ClientID() {
			continue
		}
		if err := conn.SendMessage(protocol.NewPresenceMessage(entry.ClientID, entry.State)); err != nil {
			return fmt.Errorf("send roster entry: %w", err)
		}
	}
	return nil
}

// Roster loads the live presence entries for a document from Redis and
// refreshes the in-memory mirror with what it finds.
func (s *Service) Roster(ctx context.Context, documentID string) ([]Entry, error) {
	iter := s.client.Scan(ctx, 0, entryKey(documentID, "*"), scanBatchSize).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		s.mu.Lock()
		delete(s.roster, documentID)
		s.mu.Unlock()
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}
	entries := s.decodeAll(values)

	s.mu.Lock()
	for _, entry := range entries {
		s.upsertLocked(entry)
	}
	s.mu.Unlock()
	return entries, nil
}

func (s *Service) decodeAll(values []interface{}) []Entry {
	entries := make([]Entry, 0, len(values))
	for _, raw := range values {
		text, ok := raw.(string)
		if !ok || text == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweepExpired finds roster entries whose Redis key has lapsed and announces
// their departure. The key's TTL is the liveness signal; the mirror only
// tells us which keys to probe.
func (s *Service) sweepExpired(ctx context.Context) {
	s.mu.RLock()
	probes := make([]Entry, 0)
	for doc, clients := range s.roster {
		for client := range clients {
			probes = append(probes, Entry{DocumentID: doc, ClientID: client})
		}
	}
	s.mu.RUnlock()

	for _, probe := range probes {
		exists, err := s.client.Exists(ctx, entryKey(probe.DocumentID, probe.ClientID)).Result()
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to check presence ttl")
			continue
		}
		if exists > 0 {
			continue
		}
		s.logger.Debug().Str("document", probe.DocumentID).Str("client", probe.ClientID).Msg("presence expired")
		gone := removal(probe.DocumentID, probe.ClientID)
		s.apply(gone, nil)
		if err := s.publish(ctx, gone); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish presence expiration")
		}
	}
}

// listen consumes presence traffic from other instances, resubscribing with
// a flat delay on channel loss.
func (s *Service) listen(ctx context.Context) {
	if s.client == nil {
		return
	}
	for ctx.Err() == nil {
		pubsub := s.client.PSubscribe(ctx, keyPrefix+"*")
		s.consume(ctx, pubsub)
		pubsub.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Service) consume(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var entry Entry
			if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
				s.logger.Warn().Err(err).Msg("failed to decode presence broadcast")
				continue
			}
			s.apply(entry, nil)
		case <-ctx.Done():
			return
		}
	}
}

// apply updates the local mirror and fans the change out to local clients.
// Departures are rendered as an inactive state so clients need no extra
// message kind.
func (s *Service) apply(entry Entry, skip *ws.Connection) {
	s.mu.Lock()
	s.upsertLocked(entry)
	s.mu.Unlock()

	state := entry.State
	if entry.Disconnected {
		state = protocol.PresenceState{IsActive: false}
	}
	s.registry.BroadcastMessage(entry.DocumentID, protocol.NewPresenceMessage(entry.ClientID, state), skip)
}

func (s *Service) upsertLocked(entry Entry) {
	clients, ok := s.roster[entry.DocumentID]
	if !ok {
		if entry.Disconnected {
			return
		}
		clients = make(map[string]Entry)
		s.roster[entry.DocumentID] = clients
	}
	if entry.Disconnected {
		delete(clients, entry.ClientID)
		if len(clients) == 0 {
			delete(s.roster, entry.DocumentID)
		}
		return
	}
	clients[entry.ClientID] = entry
}

func (s *Service) persist(ctx context.Context, entry Entry) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	key := entryKey(entry.DocumentID, entry.ClientID)
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, entry Entry) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	return s.client.Publish(ctx, keyPrefix+entry.DocumentID, payload).Err()
}

func entryKey(documentID, clientID string) string {
	return fmt.Sprintf("%s%s:client:%s", keyPrefix, documentID, clientID)
}

// WrapHooks installs presence handlers into the provided hook set, preserving
// any existing callbacks for composition.
func (s *Service) WrapHooks(base ws.Hooks) ws.Hooks {
	basePresence := base.OnPresence
	base.OnPresence = func(ctx context.Context, conn *ws.Connection, msg protocol.PresenceMessage) error {
		if basePresence != nil {
			if err := basePresence(ctx, conn, msg); err != nil {
				return err
			}
		}
		return s.HandleUpdate(ctx, conn, msg)
	}

	baseConnect := base.OnConnect
	base.OnConnect = func(ctx context.Context, conn *ws.Connection) error {
		if baseConnect != nil {
			if err := baseConnect(ctx, conn); err != nil {
				return err
			}
		}
		return s.SendRoster(ctx, conn)
	}

	baseDisconnect := base.OnDisconnect
	base.OnDisconnect = func(conn *ws.Connection) {
		if baseDisconnect != nil {
			baseDisconnect(conn)
		}
		s.Clear(context.Background(), conn.DocumentID(), conn.ClientID())
	}

	return base
}
