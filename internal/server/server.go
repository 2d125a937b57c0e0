package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/agentport/host/internal/auth"
	"github.com/agentport/host/internal/config"
	"github.com/agentport/host/internal/cryptoutil"
	"github.com/agentport/host/internal/dispatch"
	"github.com/agentport/host/internal/eventbus"
	"github.com/agentport/host/internal/handlers"
	"github.com/agentport/host/internal/logger"
	"github.com/agentport/host/internal/pairing"
	"github.com/agentport/host/internal/pipeline"
	"github.com/agentport/host/internal/protocol"
	"github.com/agentport/host/internal/registry"
	"github.com/agentport/host/internal/securemem"
)

// methodAuthenticate is handled directly by the server, bypassing the
// pipeline: it is the one method that must run before any gate exists.
const methodAuthenticate = "auth.authenticate"

// preAuthMethods may pass the auth gate without a session.
var preAuthMethods = []string{"pair.initiate"}

// Server accepts WebSocket connections, runs the auth handshake, and
// feeds every inbound frame through the middleware pipeline.
type Server struct {
	cfg        *config.Config
	bus        *eventbus.Bus
	registry   *registry.Registry
	auth       *auth.Service
	pairing    *pairing.Service
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	connMu        sync.RWMutex
	clients       map[string]*Client
	connIDCounter int

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	stopOnce  sync.Once
}

// New wires the full control plane: event bus, registry, auth, pairing,
// dispatcher, and the default pipeline. Nothing listens until Start.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		bus:      eventbus.New(),
		registry: registry.New(),
		clients:  make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The host binds to loopback; browser-style origin
			// checks do not apply to automation clients.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	// Static token: configured, or generated and logged once.
	token := cfg.StaticToken()
	if token == "" {
		generated, err := cryptoutil.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate auth token: %w", err)
		}
		token = generated
		logger.Info("No auth token configured; generated token: %s", token)
	}

	if cfg.Pairing.Enabled {
		store, err := pairing.NewStore(cfg.Pairing.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open device store: %w", err)
		}
		s.pairing = pairing.NewService(store, s.bus)
		if err := s.registry.RegisterInstance("pairing", s.pairing); err != nil {
			return nil, err
		}
	}

	var devices auth.DeviceValidator
	if s.pairing != nil {
		devices = s.pairing
	}
	s.auth = auth.NewService(cfg, securemem.NewString(token), devices)

	s.dispatcher = dispatch.New(s.registry)
	if err := s.registerHandlers(); err != nil {
		return nil, err
	}
	s.buildPipeline()

	// Host events reach clients through the bus, never through direct
	// service-to-server calls.
	s.BridgeEvent(pairing.EventAwaitingApproval)
	s.BridgeEvent(handlers.EventDeviceRemoved)

	return s, nil
}

func (s *Server) registerHandlers() error {
	var devices handlers.DeviceManager
	if s.pairing != nil {
		devices = s.pairing
	}
	if err := s.dispatcher.RegisterHandler("state", handlers.NewState(s, devices, s.bus)); err != nil {
		return err
	}

	if s.pairing != nil {
		// pair.initiate is reachable pre-auth; the category must clear
		// the permission gate.
		if !s.cfg.CategoryAllowed("pair") {
			s.cfg.Permissions.AllowedCategories = append(s.cfg.Permissions.AllowedCategories, "pair")
		}
		pairHandler := dispatch.MethodMap{
			"initiate": s.handlePairInitiate,
		}
		if err := s.dispatcher.RegisterHandler("pair", pairHandler); err != nil {
			return err
		}
	}
	return nil
}

// buildPipeline assembles the default stage order: auth gate,
// permission gate, rate limit, logging, terminal dispatch.
func (s *Server) buildPipeline() {
	p := pipeline.New()
	p.Use(pipeline.StageAuthGate, pipeline.AuthGate(s.auth, preAuthMethods))
	p.Use(pipeline.StagePermissions, pipeline.PermissionGate(s.cfg))
	p.Use(pipeline.StageRateLimit, pipeline.RateLimit(s.auth))
	p.Use(pipeline.StageLogging, pipeline.Logging())

	dispatchStage := s.dispatcher.Stage()
	p.Use(pipeline.StageDispatch, func(ctx *pipeline.Context, next pipeline.NextFunc) *protocol.Response {
		// Every request that clears the gates counts as activity.
		if sid := ctx.Client.SessionID(); sid != "" {
			s.auth.UpdateActivity(sid)
		}
		return dispatchStage(ctx, next)
	})
	s.pipeline = p
}

// RegisterHandler plugs in an external operation-handler category
// (editor, fs, terminal, command, search).
func (s *Server) RegisterHandler(category string, h dispatch.Handler) error {
	return s.dispatcher.RegisterHandler(category, h)
}

// Pipeline exposes the middleware chain for operator tweaks and tests.
func (s *Server) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// EventBus exposes the host event bus to operation handlers.
func (s *Server) EventBus() *eventbus.Bus {
	return s.bus
}

// Pairing returns the pairing service, nil when disabled.
func (s *Server) Pairing() *pairing.Service {
	return s.pairing
}

// BridgeEvent forwards every emission of a bus event to all
// authenticated clients as a JSON-RPC notification named after the
// event.
func (s *Server) BridgeEvent(event string) {
	s.bus.On(event, func(data any) {
		s.Broadcast(event, data)
	})
}

// Start opens the listening socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	router := httprouter.New()
	router.GET("/ws", s.handleWebSocket)
	router.GET("/status", s.handleStatus)
	router.POST("/pair/code", s.handlePairCode)
	router.POST("/pair/approve", s.handlePairDecision(true))
	router.POST("/pair/reject", s.handlePairDecision(false))

	listener, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr(), err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:     router,
		ReadTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.auth.Start()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	logger.Info("Control server listening on %s (max connections: %d)", listener.Addr(), s.cfg.Server.MaxConnections)
	return nil
}

// Addr returns the bound listen address, useful when port 0 was
// configured.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every client socket, the listener, and the services.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		logger.Info("Stopping control server...")

		s.connMu.Lock()
		for _, client := range s.clients {
			client.close()
		}
		s.clients = make(map[string]*Client)
		s.connMu.Unlock()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				logger.Warn("HTTP server shutdown: %v", err)
			}
		}

		s.auth.Stop()
		s.registry.Dispose()
		s.bus.Dispose()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		logger.Info("Control server stopped")
	})
	return nil
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status implements handlers.StatusProvider.
func (s *Server) Status() handlers.Status {
	s.mu.Lock()
	startedAt := s.startedAt
	running := s.running
	s.mu.Unlock()

	return handlers.Status{
		Running:        running,
		StartedAt:      startedAt,
		ClientCount:    s.ClientCount(),
		SessionCount:   s.auth.SessionCount(),
		PairingEnabled: s.pairing != nil,
	}
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.clients)
}

// ConnectedClient describes one open connection for operators.
type ConnectedClient struct {
	ConnectionID  string `json:"connection_id"`
	Authenticated bool   `json:"authenticated"`
}

// ConnectedClients lists the open connections.
func (s *Server) ConnectedClients() []ConnectedClient {
	s.connMu.RLock()
	defer s.connMu.RUnlock()

	out := make([]ConnectedClient, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, ConnectedClient{
			ConnectionID:  c.ConnectionID(),
			Authenticated: c.SessionID() != "",
		})
	}
	return out
}

// Broadcast sends a notification to every authenticated client.
func (s *Server) Broadcast(method string, params any) {
	n := protocol.NewNotification(method, params)

	s.connMu.RLock()
	defer s.connMu.RUnlock()
	for _, client := range s.clients {
		if client.SessionID() != "" {
			client.sendNotification(n)
		}
	}
}

// handleWebSocket upgrades the connection, creates the client record,
// and opens the auth handshake with a challenge notification.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.ClientCount() >= s.cfg.Server.MaxConnections {
		logger.Warn("Connection limit reached, rejecting %s", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	client := newClient(s.nextConnectionID(), conn, s)
	s.trackClient(client)

	go client.writePump()
	go client.readPump()

	nonce, err := s.auth.CreateChallenge(client.ConnectionID())
	if err != nil {
		logger.Error("Failed to create challenge for %s: %v", client.ConnectionID(), err)
		client.close()
		return
	}
	client.sendNotification(protocol.NewNotification("auth.challenge", map[string]string{"nonce": nonce}))

	logger.Info("Client connected: %s (total: %d)", client.ConnectionID(), s.ClientCount())
}

// handleFrame processes one inbound text frame. It runs on its own
// goroutine per message, so slow handlers delay only their own
// response.
func (s *Server) handleFrame(c *Client, data []byte) {
	req, err := protocol.ParseRequest(data)
	if err != nil {
		switch err {
		case protocol.ErrMalformedJSON:
			c.sendResponse(protocol.NewErrorResponse(nil,
				protocol.NewError(protocol.CodeParseError, "Parse error")))
		default:
			c.sendResponse(protocol.NewErrorResponse(nil,
				protocol.NewError(protocol.CodeInvalidRequest, "Invalid request")))
		}
		return
	}

	// The handshake is the one method that runs before the pipeline.
	if req.Method == methodAuthenticate {
		c.sendResponse(s.handleAuthenticate(c, req))
		return
	}

	resp := s.pipeline.Execute(req, c)
	if resp == nil {
		// Pipeline exhausted without a terminal handler; nothing to
		// deliver. The logging stage has already flagged it.
		return
	}
	if req.ID == nil {
		// Notifications never get a reply.
		return
	}
	c.sendResponse(resp)
}

// authParams is the auth.authenticate request payload.
type authParams struct {
	Token      string          `json:"token"`
	Nonce      string          `json:"nonce"`
	ClientInfo auth.ClientInfo `json:"clientInfo"`
}

// authResult mirrors the handshake contract: authentication failures
// are reported in the result, not as protocol errors.
type authResult struct {
	Authenticated bool   `json:"authenticated"`
	SessionID     string `json:"sessionId,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handleAuthenticate(c *Client, req *protocol.Request) *protocol.Response {
	var params authParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeInvalidParams, "Invalid params"))
	}

	session, err := s.auth.Authenticate(c.ConnectionID(), params.Token, params.Nonce, params.ClientInfo)
	if err != nil {
		logger.Warn("Authentication failed for %s: %v", c.ConnectionID(), err)
		return protocol.NewResponse(req.ID, authResult{Authenticated: false, Error: err.Error()})
	}

	c.setSessionID(session.ID)
	return protocol.NewResponse(req.ID, authResult{Authenticated: true, SessionID: session.ID})
}

// pairInitiateParams is the pair.initiate request payload.
type pairInitiateParams struct {
	Code            string `json:"code"`
	ClientPublicKey string `json:"clientPublicKey"`
	DeviceName      string `json:"deviceName"`
}

func (s *Server) handlePairInitiate(ctx context.Context, raw json.RawMessage) (any, error) {
	var params pairInitiateParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Code == "" || params.ClientPublicKey == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "Missing code or clientPublicKey")
	}
	if params.DeviceName == "" {
		params.DeviceName = "unnamed device"
	}

	result, err := s.pairing.Initiate(ctx, params.Code, params.ClientPublicKey, params.DeviceName)
	if err != nil {
		switch err {
		case pairing.ErrInvalidCode, pairing.ErrInProgress:
			return nil, protocol.NewError(protocol.CodeUnauthorized, err.Error())
		case pairing.ErrRejected:
			return nil, protocol.NewError(protocol.CodeUnauthorized, "Pairing rejected")
		case pairing.ErrExpired:
			return nil, protocol.NewError(protocol.CodeOperationCancelled, "Pairing expired")
		default:
			return nil, err
		}
	}
	return result, nil
}

// removeClient tears down a closed connection: its session, or its
// pending challenge if it never authenticated.
func (s *Server) removeClient(c *Client) {
	c.close()

	s.connMu.Lock()
	_, tracked := s.clients[c.ConnectionID()]
	delete(s.clients, c.ConnectionID())
	s.connMu.Unlock()
	if !tracked {
		return
	}

	if sid := c.SessionID(); sid != "" {
		s.auth.RemoveSession(sid)
	} else {
		s.auth.RemoveChallenge(c.ConnectionID())
	}
	logger.Info("Client disconnected: %s (total: %d)", c.ConnectionID(), s.ClientCount())
}

func (s *Server) trackClient(c *Client) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.clients[c.ConnectionID()] = c
}

func (s *Server) nextConnectionID() string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connIDCounter++
	return fmt.Sprintf("conn_%d", s.connIDCounter)
}

// handleStatus serves operator introspection over plain HTTP.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  s.Status(),
		"clients": s.ConnectedClients(),
	})
}

// handlePairCode issues a fresh pairing code. This endpoint is the
// local user's surface; the listener binds to loopback by default.
func (s *Server) handlePairCode(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.pairing == nil {
		http.Error(w, "pairing disabled", http.StatusNotFound)
		return
	}
	code, expiresAt, err := s.pairing.IssueCode()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":       code,
		"expires_at": expiresAt,
	})
}

// handlePairDecision resolves the attempt awaiting local approval.
func (s *Server) handlePairDecision(approve bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if s.pairing == nil {
			http.Error(w, "pairing disabled", http.StatusNotFound)
			return
		}
		var err error
		if approve {
			err = s.pairing.Approve()
		} else {
			err = s.pairing.Reject()
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
