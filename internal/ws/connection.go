package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/scene-sync-engine/internal/protocol"
)

const (
	opcodeContinuation = 0x0
	opcodeText         = 0x1
	opcodeBinary       = 0x2
	opcodeClose        = 0x8
	opcodePing         = 0x9
	opcodePong         = 0xA

	closeNormalClosure       = 1000
	closeGoingAway           = 1001
	closeUnsupportedData     = 1003
	closePolicyViolation     = 1008
	closeInternalServerError = 1011
	closeTryAgainLater       = 1013
)

var (
	errSendBufferFull = errors.New("send buffer full")
)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// Connection represents an upgraded WebSocket session bound to a single
// document.
type Connection struct {
	conn      net.Conn
	identity  ClientIdentity
	document  string
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	send      chan outFrame
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts connectionOptions

	lastPong atomic.Int64
	greeted  atomic.Bool
	onClose  func()
}

type outFrame struct {
	opcode  byte
	payload []byte
}

func newConnection(netConn net.Conn, id ClientIdentity, documentID string, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     netConn,
		identity: id,
		document: documentID,
		registry: registry,
		logger:   logger,
		send:     make(chan outFrame, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// DocumentID returns the bound document identifier.
func (c *Connection) DocumentID() string { return c.document }

// ClientID returns the authenticated client identifier.
func (c *Connection) ClientID() string { return c.identity.ClientID }

// UserName returns the display name exchanged during the hello handshake,
// if any.
func (c *Connection) UserName() string { return c.identity.UserName }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry returns the shared connection registry so hooks can publish events.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// Greeted reports whether the client has completed the hello handshake.
func (c *Connection) Greeted() bool { return c.greeted.Load() }

// SendMessage serializes a protocol message and enqueues it for delivery.
func (c *Connection) SendMessage(msg protocol.Message) error {
	data, err := protocol.Serialize(msg)
	if err != nil {
		return err
	}
	return c.SendText(data)
}

// SendText enqueues a JSON payload for the writer goroutine.
func (c *Connection) SendText(payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	msg := outFrame{opcode: opcodeText, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Str("document", c.document).Str("client", c.identity.ClientID).Msg("send buffer full; closing connection")
		c.sendClose(closeTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run starts the read/write pumps until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		opcode, payload, err := readFrame(c.conn)
		if err != nil {
			return err
		}

		switch opcode {
		case opcodeText:
			if err := c.handleText(payload, hooks); err != nil {
				c.sendClose(closePolicyViolation, err.Error())
				return err
			}
		case opcodeBinary:
			c.sendClose(closeUnsupportedData, "binary frames not supported")
			return fmt.Errorf("binary frames unsupported")
		case opcodeClose:
			c.sendClose(closeNormalClosure, "bye")
			return nil
		case opcodePing:
			_ = c.enqueue(opcodePong, payload)
		case opcodePong:
			c.lastPong.Store(time.Now().UnixNano())
		case opcodeContinuation:
			return fmt.Errorf("fragmented frames not supported")
		default:
			return fmt.Errorf("unsupported opcode %d", opcode)
		}
	}
}

func (c *Connection) handleText(payload []byte, hooks Hooks) error {
	msg, err := protocol.Deserialize(payload)
	if err != nil {
		_ = c.SendMessage(protocol.NewErrorMessage(protocol.ErrInvalidMessage, "malformed message", map[string]any{"error": err.Error()}))
		messagesRejected.WithLabelValues(c.document).Inc()
		return fmt.Errorf("decode message: %w", err)
	}

	switch m := msg.(type) {
	case protocol.HelloMessage:
		if m.ClientID != "" {
			c.identity.ClientID = m.ClientID
		}
		if m.UserName != "" {
			c.identity.UserName = m.UserName
		}
		c.greeted.Store(true)
		if hooks.OnHello != nil {
			return hooks.OnHello(c.ctx, c, m)
		}
		return nil
	case protocol.OperationMessage:
		if hooks.OnOperation != nil {
			return hooks.OnOperation(c.ctx, c, m)
		}
		return nil
	case protocol.PresenceMessage:
		if m.ClientID == "" {
			m.ClientID = c.identity.ClientID
		}
		if hooks.OnPresence != nil {
			return hooks.OnPresence(c.ctx, c, m)
		}
		return nil
	case protocol.SyncRequestMessage:
		if hooks.OnSyncRequest != nil {
			return hooks.OnSyncRequest(c.ctx, c, m)
		}
		return nil
	case protocol.ErrorMessage:
		// Clients may echo errors back; log and carry on.
		c.logger.Debug().Str("code", string(m.Code)).Str("message", m.Message).Msg("client reported error")
		return nil
	default:
		return fmt.Errorf("unhandled message type %T", msg)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := writeFrame(c.conn, msg.opcode, msg.payload, c.opts.writeTimeout); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.sendClose(closeInternalServerError, "write error")
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if reason := c.heartbeat(); reason != "" {
				c.logger.Debug().Str("reason", reason).Msg("heartbeat failed")
				c.sendClose(closeGoingAway, reason)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// heartbeat sends one ping and checks the pong deadline. A non-empty return
// is the close reason.
func (c *Connection) heartbeat() string {
	if err := c.enqueue(opcodePing, nil); err != nil {
		return "ping failed"
	}
	if c.opts.heartbeatTolerance > 0 {
		deadline := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
		if time.Since(time.Unix(0, c.lastPong.Load())) > deadline {
			return "missed heartbeats"
		}
	}
	return ""
}

func (c *Connection) sendClose(code int, reason string) {
	payload := encodeClosePayload(code, reason)
	_ = c.enqueue(opcodeClose, payload)
}

func (c *Connection) enqueue(opcode byte, payload []byte) error {
	msg := outFrame{opcode: opcode, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return errSendBufferFull
	}
}

type Hooks struct {
	OnHello       HelloHook
	OnOperation   OperationHook
	OnPresence    PresenceHook
	OnSyncRequest SyncRequestHook
	OnConnect     ConnectHook
	OnDisconnect  DisconnectHook
}

type HelloHook func(ctx context.Context, conn *Connection, msg protocol.HelloMessage) error
type OperationHook func(ctx context.Context, conn *Connection, msg protocol.OperationMessage) error
type PresenceHook func(ctx context.Context, conn *Connection, msg protocol.PresenceMessage) error
type SyncRequestHook func(ctx context.Context, conn *Connection, msg protocol.SyncRequestMessage) error
type ConnectHook func(ctx context.Context, conn *Connection) error
type DisconnectHook func(conn *Connection)

type ClientIdentity struct {
	ClientID   string
	DocumentID string
	UserName   string
	Metadata   map[string]string
}

func encodeClosePayload(code int, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], []byte(reason))
	return payload
}
