// Package gateway implements the loopback-only WebSocket RPC surface
// described by spec.md §4.10/§6: a req/res/event frame protocol, a
// connect challenge/response handshake, method dispatch with per-client
// rate limiting, and per-session event subscription fan-out with
// monotonic seq numbers. Grounded on the teacher's
// internal/gateway/server.go; Client and RateLimiter had no definitions
// in the retrieved pack and are rebuilt here from their usage contracts.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brewva/brewva/pkg/protocol"
)

// Server is the gateway's WebSocket/HTTP listener.
type Server struct {
	cfg     Config
	token   string
	backend SessionBackend

	router      *MethodRouter
	rateLimiter *RateLimiter

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	clients     map[string]*Client
	subscribers map[string]map[string]*Client // sessionId -> clientId -> client

	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer builds a gateway server bound to cfg, resolving or generating
// its bearer token. backend may be nil in tests that only exercise
// connection-level behavior (handshake, rate limiting, subscriptions).
func NewServer(cfg Config, backend SessionBackend) (*Server, error) {
	cfg = cfg.withDefaults()

	token := cfg.Token
	if token == "" {
		if cfg.TokenFilePath == "" {
			return nil, fmt.Errorf("gateway: Config.Token or Config.TokenFilePath is required")
		}
		t, err := LoadOrCreateToken(cfg.TokenFilePath)
		if err != nil {
			return nil, err
		}
		token = t
	}

	if !isLoopbackHost(cfg.Host) {
		return nil, fmt.Errorf("gateway: host %q is not loopback; refusing to bind", cfg.Host)
	}

	s := &Server{
		cfg:         cfg,
		token:       token,
		backend:     backend,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]map[string]*Client),
		rateLimiter: NewRateLimiter(cfg.RateLimitRPM, 5),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.buildRouter()
	return s, nil
}

func isLoopbackHost(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// checkOrigin allows non-browser clients (empty Origin) unconditionally
// and checks browser clients against the configured allow-list.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("gateway: rejected origin", "origin", origin)
	return false
}

// BuildMux creates (once) and returns the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start binds to cfg.Host:cfg.Port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	return nil
}

// StartOnListener serves on an already-bound listener, for tests that
// need a random loopback port.
func (s *Server) StartOnListener(ctx context.Context, ln net.Listener) error {
	mux := s.BuildMux()
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	if err := client.Run(r.Context()); err != nil {
		slog.Debug("gateway: client closed", "client", client.id, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	for sessionID, set := range s.subscribers {
		delete(set, c.id)
		if len(set) == 0 {
			delete(s.subscribers, sessionID)
		}
	}
	s.rateLimiter.Forget(c.id)
}

// handleRequest enforces rate limiting and dispatches req to the router,
// writing its response frame back to c.
func (s *Server) handleRequest(ctx context.Context, c *Client, req protocol.ReqFrame) {
	if !s.rateLimiter.Allow(c.id) {
		c.writeFrame(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "rate limit exceeded"))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	payload, err := s.router.Dispatch(reqCtx, c, req.Method, req.Params)
	if err != nil {
		if reqCtx.Err() != nil {
			c.writeFrame(protocol.NewErrorResponse(req.ID, protocol.ErrTimeout, "request timed out"))
			return
		}
		if _, ok := err.(*ErrMethodNotFound); ok {
			c.writeFrame(protocol.NewErrorResponse(req.ID, protocol.ErrMethodNotFound, err.Error()))
			return
		}
		c.writeFrame(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	c.writeFrame(protocol.NewOKResponse(req.ID, payload))
}

// BroadcastToSession fans ev out to every client subscribed to sessionID,
// stamping each with that client's own monotonic seq for the session.
func (s *Server) BroadcastToSession(sessionID string, ev *protocol.EventFrame) {
	s.mu.RLock()
	set := s.subscribers[sessionID]
	clients := make([]*Client, 0, len(set))
	for _, c := range set {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		cp := *ev
		c.SendSessionEvent(sessionID, &cp)
	}
}

// BroadcastAll sends ev to every connected client regardless of subscription,
// used for connection-scoped pushes like shutdown and tick.
func (s *Server) BroadcastAll(ev *protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		cp := *ev
		c.SendEvent(&cp)
	}
}

func (s *Server) subscribe(c *Client, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[sessionID]
	if !ok {
		set = make(map[string]*Client)
		s.subscribers[sessionID] = set
	}
	set[c.id] = c
	c.Subscribe(sessionID)
}

func (s *Server) unsubscribe(c *Client, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subscribers[sessionID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(s.subscribers, sessionID)
		}
	}
	c.Unsubscribe(sessionID)
}

// currentToken reads the active bearer token under lock, since RotateToken
// may swap it concurrently with an in-flight handshake.
func (s *Server) currentToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// RotateToken generates a fresh token, persists it (if backed by a file),
// and returns it. In-flight clients keep their already-authenticated
// connections; new connections must present the new token.
func (s *Server) RotateToken() (string, error) {
	tok, err := generateToken()
	if err != nil {
		return "", err
	}
	if s.cfg.TokenFilePath != "" {
		if err := writeToken(s.cfg.TokenFilePath, tok); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return tok, nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *MethodRouter {
	r := NewMethodRouter()

	r.Register(protocol.MethodHealth, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		return map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion}, nil
	})

	r.Register(protocol.MethodStatusDeep, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		if s.backend == nil {
			return nil, fmt.Errorf("status.deep: no backend configured")
		}
		return s.backend.StatusDeep(ctx)
	})

	r.Register(protocol.MethodSessionsOpen, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		if s.backend == nil {
			return nil, fmt.Errorf("sessions.open: no backend configured")
		}
		var p OpenSessionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("sessions.open: %w", err)
		}
		return s.backend.OpenSession(ctx, p)
	})

	r.Register(protocol.MethodSessionsSubscribe, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("sessions.subscribe: %w", err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("sessions.subscribe: sessionId is required")
		}
		s.subscribe(c, p.SessionID)
		return map[string]any{"subscribed": p.SessionID}, nil
	})

	r.Register(protocol.MethodSessionsUnsubscribe, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("sessions.unsubscribe: %w", err)
		}
		s.unsubscribe(c, p.SessionID)
		return map[string]any{"unsubscribed": p.SessionID}, nil
	})

	r.Register(protocol.MethodSessionsSend, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		if s.backend == nil {
			return nil, fmt.Errorf("sessions.send: no backend configured")
		}
		var p SendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("sessions.send: %w", err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("sessions.send: sessionId is required")
		}
		return nil, s.backend.SendTurn(ctx, p)
	})

	r.Register(protocol.MethodSessionsAbort, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		if s.backend == nil {
			return nil, fmt.Errorf("sessions.abort: no backend configured")
		}
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("sessions.abort: %w", err)
		}
		return nil, s.backend.AbortSession(ctx, p.SessionID)
	})

	r.Register(protocol.MethodSessionsClose, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		if s.backend == nil {
			return nil, fmt.Errorf("sessions.close: no backend configured")
		}
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("sessions.close: %w", err)
		}
		s.unsubscribeAll(p.SessionID)
		return nil, s.backend.CloseSession(ctx, p.SessionID)
	})

	r.Register(protocol.MethodHeartbeatReload, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		if s.backend == nil {
			return nil, fmt.Errorf("heartbeat.reload: no backend configured")
		}
		return nil, s.backend.ReloadHeartbeat(ctx)
	})

	r.Register(protocol.MethodGatewayRotateToken, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		tok, err := s.RotateToken()
		if err != nil {
			return nil, err
		}
		return map[string]any{"token": tok}, nil
	})

	r.Register(protocol.MethodGatewayStop, func(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
		ev := protocol.NewEvent(protocol.EventShutdown, nil)
		s.BroadcastAll(ev)
		go func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Stop(stopCtx)
		}()
		return map[string]any{"stopping": true}, nil
	})

	return r
}

func (s *Server) unsubscribeAll(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[sessionID]
	if !ok {
		return
	}
	for _, c := range set {
		c.Unsubscribe(sessionID)
	}
	delete(s.subscribers, sessionID)
}

func writeToken(path, token string) error {
	return os.WriteFile(path, []byte(token+"\n"), 0o600)
}
