package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Authenticator verifies the inbound HTTP request before the connection is
// upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) {
	return f(r)
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
// Zero values take defaults.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTolerance == 0 {
		c.HeartbeatTolerance = 2
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Gateway upgrades HTTP requests into WebSocket connections, validates
// authentication, and wires them into the ConnectionRegistry.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
}

// NewGateway creates a Gateway. The authenticator and registry are required.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	return &Gateway{auth: auth, registry: registry, logger: logger, hooks: hooks, cfg: cfg.withDefaults()}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "ws.upgrade")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.auth.Authenticate(r)
	if err != nil || identity.ClientID == "" {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	documentID := identity.DocumentID
	if documentID == "" {
		documentID = queryParam(r, "documentId", "document_id")
	}
	if documentID == "" {
		http.Error(w, "missing documentId", http.StatusBadRequest)
		return
	}

	start := time.Now()
	if err := g.upgrade(w, r, identity, documentID); err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.WithLabelValues(documentID).Observe(time.Since(start).Seconds())
}

func (g *Gateway) upgrade(w http.ResponseWriter, r *http.Request, identity ClientIdentity, documentID string) error {
	key, err := validateUpgradeHeaders(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return err
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return errors.New("hijacking not supported")
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return fmt.Errorf("hijack: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\nConnection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n")
	if sub := firstSubprotocol(r.Header); sub != "" {
		sb.WriteString("Sec-WebSocket-Protocol: " + sub + "\r\n")
	}
	sb.WriteString("\r\n")
	if _, err := buf.WriteString(sb.String()); err != nil {
		conn.Close()
		return fmt.Errorf("write handshake response: %w", err)
	}
	if err := buf.Flush(); err != nil {
		conn.Close()
		return fmt.Errorf("flush handshake: %w", err)
	}

	childLogger := g.logger.With().Str("document", documentID).Str("client", identity.ClientID).Logger()
	var connection *Connection
	connection = newConnection(conn, identity, documentID, g.registry, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, func() {
		g.registry.Unregister(documentID, connection)
		if g.hooks.OnDisconnect != nil {
			g.hooks.OnDisconnect(connection)
		}
	})

	g.registry.Register(documentID, connection)
	childLogger.Info().Msg("websocket connection established")

	if g.hooks.OnConnect != nil {
		if err := g.hooks.OnConnect(connection.Context(), connection); err != nil {
			childLogger.Warn().Err(err).Msg("connect hook failed")
			connection.Close()
			return nil
		}
	}

	go connection.Run(g.hooks)
	return nil
}

// validateUpgradeHeaders checks the RFC 6455 opening handshake and returns
// the client's Sec-WebSocket-Key.
func validateUpgradeHeaders(r *http.Request) (string, error) {
	if !tokenListContains(r.Header.Get("Connection"), "Upgrade") {
		return "", errors.New("missing upgrade headers")
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return "", errors.New("missing upgrade headers")
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return "", errors.New("unsupported websocket version")
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return "", errors.New("missing websocket key")
	}
	return key, nil
}

func acceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// firstSubprotocol echoes the first offered subprotocol token, if any.
func firstSubprotocol(h http.Header) string {
	value := h.Get("Sec-WebSocket-Protocol")
	if value == "" {
		return ""
	}
	token, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(token)
}

func tokenListContains(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func queryParam(r *http.Request, names ...string) string {
	q := r.URL.Query()
	for _, name := range names {
		if v := q.Get(name); v != "" {
			return v
		}
	}
	return ""
}
