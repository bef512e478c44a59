package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/protocol"
	"github.com/example/scene-sync-engine/internal/types"
	"github.com/example/scene-sync-engine/internal/ws"
)

const (
	topicPrefix     = "doc:"
	dedupeWindowTTL = 2 * time.Minute
	initialBackoff  = time.Second
	maxBackoff      = 30 * time.Second
)

// wireEnvelope wraps a serialized operation message for transit between
// instances. Origin carries the sending client so the owning instance can
// skip echoing the operation back to it.
type wireEnvelope struct {
	Doc    string `json:"doc"`
	Op     string `json:"op"`
	Origin string `json:"origin,omitempty"`
	Body   []byte `json:"body"`
	SentAt int64  `json:"sent_at"`
}

// Relay moves merged operations between instances over Redis Pub/Sub: Publish
// pushes to the per-document topic, the consume loop fans incoming envelopes
// out to locally connected clients.
type Relay struct {
	client   *redis.Client
	registry *ws.ConnectionRegistry
	logger   zerolog.Logger
	seen     dedupeWindow
	latency  *prometheus.HistogramVec
}

// NewRelay constructs a relay backed by Redis Pub/Sub.
func NewRelay(client *redis.Client, registry *ws.ConnectionRegistry, logger zerolog.Logger) *Relay {
	return &Relay{
		client:   client,
		registry: registry,
		logger:   logger,
		seen:     dedupeWindow{entries: make(map[string]time.Time), ttl: dedupeWindowTTL},
		latency:  latencyHistogram(),
	}
}

func latencyHistogram() *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between enqueue and delivery to websocket clients.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"document_id"})
	if err := prometheus.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return h
}

// Publish serializes the operation message and pushes it to the document
// topic, retrying transient failures with exponential backoff until the
// context ends.
func (r *Relay) Publish(ctx context.Context, docID types.DocumentID, opID types.OperationID, origin types.ClientID, msg protocol.OperationMessage) error {
	if r == nil || r.client == nil {
		return errors.New("nil relay")
	}

	body, err := protocol.Serialize(msg)
	if err != nil {
		return fmt.Errorf("serialize operation message: %w", err)
	}
	encoded, err := json.Marshal(wireEnvelope{
		Doc:    string(docID),
		Op:     string(opID),
		Origin: string(origin),
		Body:   body,
		SentAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return r.publishRetrying(ctx, topicPrefix+string(docID), encoded)
}

func (r *Relay) publishRetrying(ctx context.Context, topic string, encoded []byte) error {
	for backoff := initialBackoff; ; backoff = min(backoff*2, maxBackoff) {
		err := r.client.Publish(ctx, topic, encoded).Err()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		r.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start launches the consume loop. Subscription failures resubscribe with
// backoff until the context ends.
func (r *Relay) Start(ctx context.Context) {
	go func() {
		backoff := initialBackoff
		for ctx.Err() == nil {
			pubsub := r.client.PSubscribe(ctx, topicPrefix+"*")
			if err := r.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			}
		}
	}()
}

func (r *Relay) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := r.deliver(msg); err != nil {
				r.logger.Warn().Err(err).Msg("dropping broadcast message")
			}
		}
	}
}

func (r *Relay) deliver(msg *redis.Message) error {
	var env wireEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Doc == "" || env.Op == "" {
		return errors.New("incomplete envelope")
	}
	if !r.seen.firstSighting(env.Doc + ":" + env.Op) {
		return nil
	}

	if env.SentAt > 0 {
		r.latency.WithLabelValues(env.Doc).Observe(time.Since(time.Unix(0, env.SentAt)).Seconds())
	}
	r.registry.BroadcastTextByClientID(env.Doc, env.Body, env.Origin)
	return nil
}

// dedupeWindow remembers recently delivered (document, operation) keys so an
// envelope arriving on more than one subscription is fanned out once.
type dedupeWindow struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

// firstSighting records the key and reports whether it was unseen within the
// window. Expired entries are swept on each call.
func (d *dedupeWindow) firstSighting(key string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	seenAt, dup := d.entries[key]
	d.entries[key] = now

	cutoff := now.Add(-d.ttl)
	for k, ts := range d.entries {
		if ts.Before(cutoff) {
			delete(d.entries, k)
		}
	}
	return !dup || seenAt.Before(cutoff)
}
