package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/brewva/brewva/pkg/protocol"
)

// sendQueueSize bounds how many outbound frames a client's write pump can
// buffer before a slow reader starts dropping events.
const sendQueueSize = 256

// Client wraps one WebSocket connection: a send queue, the connect
// handshake state, and per-session subscriptions with their own monotonic
// seq counters. No Client type exists in the retrieved pack; it is rebuilt
// here from its usage contract in the teacher's internal/gateway/server.go
// (NewClient, client.Run, client.SendEvent, client.Close).
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan []byte

	mu             sync.Mutex
	authenticated  bool
	challengeNonce string
	challengeAt    int64
	subs           map[string]int64 // sessionId -> last seq sent

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps conn for server.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendQueueSize),
		subs:   make(map[string]int64),
		closed: make(chan struct{}),
	}
}

// ID returns the client's connection id.
func (c *Client) ID() string { return c.id }

// Run drives the handshake and then the request/response loop until the
// connection closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	go c.writePump()

	if err := c.sendChallenge(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}

		var req protocol.ReqFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.writeFrame(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "malformed frame"))
			continue
		}

		if !c.authenticated {
			c.handleConnect(req)
			continue
		}

		c.server.handleRequest(ctx, c, req)
	}
}

func (c *Client) sendChallenge() error {
	c.mu.Lock()
	c.challengeNonce = newChallengeNonce()
	c.challengeAt = time.Now().UnixMilli()
	nonce, ts := c.challengeNonce, c.challengeAt
	c.mu.Unlock()

	ev := protocol.NewEvent(protocol.EventConnectChallenge, challengePayload{Nonce: nonce, Ts: ts})
	return c.writeFrame(ev)
}

func (c *Client) handleConnect(req protocol.ReqFrame) {
	if req.Method != protocol.MethodConnect {
		c.writeFrame(protocol.NewErrorResponse(req.ID, protocol.ErrBadState, "connect required first"))
		return
	}

	c.mu.Lock()
	nonce, issuedAt := c.challengeNonce, c.challengeAt
	c.mu.Unlock()

	params, err := validateConnect(req.Params, c.server.currentToken(), nonce, issuedAt, time.Now().UnixMilli())
	if err != nil {
		c.writeFrame(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, err.Error()))
		return
	}
	_ = params

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	hello := HelloOk{
		Protocol: protocol.ProtocolVersion,
		Server:   ServerInfo{Name: "runtime-orchestrator", Version: "0.1.0"},
		Features: Features{Methods: c.server.router.Methods(), Events: supportedEvents},
		Policy: Policy{
			MaxPayloadBytes: c.server.cfg.MaxPayloadBytes,
			TickIntervalMs:  c.server.cfg.TickIntervalMs,
		},
	}
	c.writeFrame(protocol.NewOKResponse(req.ID, hello))
}

var supportedEvents = []string{
	protocol.EventConnectChallenge,
	protocol.EventTick,
	protocol.EventSessionTurnStart,
	protocol.EventSessionTurnChunk,
	protocol.EventSessionTurnError,
	protocol.EventSessionTurnEnd,
	protocol.EventHeartbeatFired,
	protocol.EventShutdown,
}

// SendEvent pushes a raw event frame (no subscription seq bookkeeping),
// used for connection-scoped events like connect.challenge and shutdown.
func (c *Client) SendEvent(ev *protocol.EventFrame) {
	c.writeFrame(ev)
}

// SendSessionEvent pushes ev to c tagged with the next seq for sessionID.
func (c *Client) SendSessionEvent(sessionID string, ev *protocol.EventFrame) {
	c.mu.Lock()
	c.subs[sessionID]++
	ev.Seq = c.subs[sessionID]
	c.mu.Unlock()
	c.writeFrame(ev)
}

// Subscribe registers sessionID for event fan-out, resetting its seq.
func (c *Client) Subscribe(sessionID string) {
	c.mu.Lock()
	c.subs[sessionID] = 0
	c.mu.Unlock()
}

// Unsubscribe drops sessionID from this client's fan-out set.
func (c *Client) Unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.subs, sessionID)
	c.mu.Unlock()
}

// Subscribed reports whether sessionID is registered on this client.
func (c *Client) Subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

func (c *Client) writeFrame(frame any) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("gateway: marshal frame: %w", err)
	}
	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return fmt.Errorf("gateway: client %s closed", c.id)
	default:
		slog.Warn("gateway client send queue full, dropping frame", "client", c.id)
		return fmt.Errorf("gateway: client %s send queue full", c.id)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close tears down the connection and stops the write pump.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
