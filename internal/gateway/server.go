package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/roelfdiedericks/clawgate/internal/auth"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

// ServerConfig holds gateway server configuration
type ServerConfig struct {
	Listen           string
	Version          string
	Policy           protocol.Policy
	Auth             auth.Config
	AllowlistPath    string
	HandshakeTimeout time.Duration
	MissedTickLimit  int
}

type identKey struct {
	clientID string
	role     string
}

// Server accepts WebSocket sessions and runs the gateway side of the
// session protocol: handshake, challenge auth, capability negotiation,
// topic state, and pairing.
type Server struct {
	cfg        ServerConfig
	challenger *auth.Challenger
	registry   *Registry
	broker     *PairingBroker
	upgrader   websocket.Upgrader
	httpServer *http.Server
	startTime  time.Time

	allowMu sync.RWMutex
	allow   *Allowlist
	watcher *AllowlistWatcher

	connMu     sync.Mutex
	conns      map[string]*conn
	byIdentity map[identKey]*conn
}

// NewServer creates a gateway server. The allowlist is loaded immediately
// and hot-reloaded once Start is called.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Policy.TickIntervalMs <= 0 {
		cfg.Policy.TickIntervalMs = 15000
	}
	if cfg.Policy.MaxPayload <= 0 {
		cfg.Policy.MaxPayload = 1 << 20
	}
	if cfg.Policy.MaxBufferedBytes <= 0 {
		cfg.Policy.MaxBufferedBytes = 4 << 20
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MissedTickLimit <= 0 {
		cfg.MissedTickLimit = 3
	}

	allow, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load allowlist: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		challenger: auth.NewChallenger(cfg.Auth),
		registry:   NewRegistry(),
		broker:     NewPairingBroker(),
		startTime:  time.Now(),
		allow:      allow,
		conns:      make(map[string]*conn),
		byIdentity: make(map[identKey]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are local devices and trusted UIs; origin policy
			// is enforced by the auth challenge, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	L_info("gateway: server created",
		"listen", cfg.Listen,
		"authEnabled", cfg.Auth.Enabled(),
		"tickIntervalMs", cfg.Policy.TickIntervalMs)
	return s, nil
}

// Registry returns the topic registry (for local publishers)
func (s *Server) Registry() *Registry {
	return s.registry
}

// ServeHTTP upgrades the request and runs the connection to completion
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("gateway: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.runConn(ws)
}

// Start begins listening and starts the allowlist watcher. Blocks until
// the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	watcher, err := NewAllowlistWatcher(s.cfg.AllowlistPath, s.setAllowlist)
	if err != nil {
		L_warn("gateway: allowlist watcher unavailable", "error", err)
	} else {
		s.watcher = watcher
		watcher.Start()
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", s)

	s.httpServer = &http.Server{
		Addr:        s.cfg.Listen,
		Handler:     mux,
		ReadTimeout: 0, // long-lived websockets
	}

	errCh := make(chan error, 1)
	go func() {
		L_info("gateway: listening", "addr", s.cfg.Listen)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.Shutdown()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown closes every connection and stops the listener
func (s *Server) Shutdown() {
	L_info("gateway: shutting down")

	if s.watcher != nil {
		s.watcher.Stop()
	}

	s.connMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) setAllowlist(al *Allowlist) {
	s.allowMu.Lock()
	s.allow = al
	s.allowMu.Unlock()
}

func (s *Server) allowlist() *Allowlist {
	s.allowMu.RLock()
	defer s.allowMu.RUnlock()
	return s.allow
}

// runConn owns one accepted socket from handshake to teardown
func (s *Server) runConn(ws *websocket.Conn) {
	c := &conn{ws: ws, connID: uuid.New().String(), maxBuffered: s.cfg.Policy.MaxBufferedBytes}
	ws.SetReadLimit(s.cfg.Policy.MaxPayload)

	if err := s.handshake(c); err != nil {
		L_debug("gateway: handshake failed", "conn", c.connID, "error", err)
		c.close(websocket.ClosePolicyViolation, "handshake failed")
		return
	}

	s.register(c)
	L_info("gateway: session ready",
		"conn", c.connID,
		"client", c.clientID,
		"role", c.role,
		"scopes", c.effective.Scopes)

	s.readLoop(c)
	s.teardown(c)
}

// register installs the connection, superseding any live connection with
// the same (clientId, role). At most one such connection exists.
func (s *Server) register(c *conn) {
	key := identKey{clientID: c.clientID, role: c.role}

	s.connMu.Lock()
	prior := s.byIdentity[key]
	s.conns[c.connID] = c
	s.byIdentity[key] = c
	s.connMu.Unlock()

	if prior != nil {
		L_info("gateway: superseding connection",
			"client", c.clientID, "role", c.role, "prior", prior.connID)
		s.registry.RemoveConn(prior.connID)
		prior.close(websocket.CloseNormalClosure, "superseded by new connection")
	}
}

func (s *Server) teardown(c *conn) {
	s.registry.RemoveConn(c.connID)

	s.connMu.Lock()
	delete(s.conns, c.connID)
	key := identKey{clientID: c.clientID, role: c.role}
	if s.byIdentity[key] == c {
		delete(s.byIdentity, key)
	}
	s.connMu.Unlock()

	c.close(websocket.CloseNormalClosure, "")
	L_info("gateway: session closed", "conn", c.connID, "client", c.clientID, "role", c.role)
}

// handshake runs connect -> (challenge) -> hello-ok
func (s *Server) handshake(c *conn) error {
	c.ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	req, err := s.readRequest(c)
	if err != nil {
		return err
	}
	if req.Method != protocol.MethodConnect {
		c.sendError(req.ID, "bad_handshake", "expected connect request")
		return fmt.Errorf("first frame was %q, not connect", req.Method)
	}

	var opts protocol.ConnectOptions
	if err := json.Unmarshal(req.Params, &opts); err != nil {
		c.sendError(req.ID, "bad_params", "connect params not parseable")
		return fmt.Errorf("bad connect params: %w", err)
	}
	if err := opts.Validate(); err != nil {
		c.sendError(req.ID, "bad_params", err.Error())
		return fmt.Errorf("invalid connect options: %w", err)
	}

	helloID := req.ID

	if s.cfg.Auth.Enabled() {
		nonce, err := s.challenger.Issue(opts.ClientID)
		if err != nil {
			c.sendError(req.ID, "too_many_attempts", "authentication refused, retry later")
			return fmt.Errorf("challenge refused for %s: %w", opts.ClientID, err)
		}

		payload, _ := json.Marshal(protocol.ChallengePayload{Nonce: nonce})
		if err := c.writeFrame(protocol.NewEvent(protocol.EventChallenge, payload)); err != nil {
			return fmt.Errorf("send challenge: %w", err)
		}

		answerReq, err := s.readRequest(c)
		if err != nil {
			return err
		}
		if answerReq.Method != protocol.MethodConnectResponse {
			c.sendError(answerReq.ID, "bad_handshake", "expected connect.response")
			return fmt.Errorf("expected connect.response, got %q", answerReq.Method)
		}

		var answer protocol.ChallengeAnswer
		if err := json.Unmarshal(answerReq.Params, &answer); err != nil {
			c.sendError(answerReq.ID, "bad_params", "challenge answer not parseable")
			return fmt.Errorf("bad challenge answer: %w", err)
		}

		if err := s.challenger.Verify(opts.ClientID, nonce, answer.Response); err != nil {
			c.sendError(answerReq.ID, "auth_failed", "credential rejected")
			return fmt.Errorf("challenge verify for %s: %w", opts.ClientID, err)
		}
		helloID = answerReq.ID
	}

	effective := s.allowlist().Negotiate(opts.ClientMode, opts.Role, opts.Scopes, opts.Caps, opts.Commands)

	c.clientID = opts.ClientID
	c.role = opts.Role
	c.effective = effective

	hello := protocol.HelloOK{
		Type:     "hello-ok",
		Protocol: protocol.Version,
		Server:   protocol.ServerInfo{Version: s.cfg.Version, ConnID: c.connID},
		Features: protocol.Features{
			Methods: []string{
				protocol.MethodPing, protocol.MethodStatus, protocol.MethodSnapshot,
				protocol.MethodSubscribe, protocol.MethodUnsubscribe, protocol.MethodPublish,
				protocol.MethodPairRequest, protocol.MethodPairResolve,
			},
			Events: []string{
				protocol.EventTopicUpdate, protocol.EventPairRequested, protocol.EventPairResolved,
			},
		},
		Snapshot: s.registry.Snapshot(),
		Policy:   s.cfg.Policy,
	}

	if err := c.sendResult(helloID, hello); err != nil {
		return fmt.Errorf("send hello-ok: %w", err)
	}
	return nil
}

// readRequest reads the next frame and requires it to be a request
func (s *Server) readRequest(c *conn) (*protocol.Request, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	req, ok := frame.(*protocol.Request)
	if !ok {
		return nil, fmt.Errorf("expected request frame, got %T", frame)
	}
	return req, nil
}

// readDeadline is the steady-state liveness window: the client pings every
// tick, so silence for MissedTickLimit ticks means the peer is gone.
func (s *Server) readDeadline() time.Time {
	window := time.Duration(s.cfg.Policy.TickIntervalMs*s.cfg.MissedTickLimit) * time.Millisecond
	return time.Now().Add(window + time.Second)
}

func (s *Server) readLoop(c *conn) {
	c.ws.SetReadDeadline(s.readDeadline())
	c.ws.SetPingHandler(func(appData string) error {
		c.ws.SetReadDeadline(s.readDeadline())
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return c.ws.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			L_debug("gateway: read ended", "conn", c.connID, "error", err)
			return
		}
		c.ws.SetReadDeadline(s.readDeadline())

		frame, err := protocol.Decode(data)
		if err != nil {
			L_warn("gateway: dropping malformed frame", "conn", c.connID, "error", err)
			continue
		}

		req, ok := frame.(*protocol.Request)
		if !ok {
			L_trace("gateway: ignoring non-request frame", "conn", c.connID)
			continue
		}
		s.dispatch(c, req)
	}
}

func (s *Server) dispatch(c *conn, req *protocol.Request) {
	switch req.Method {
	case protocol.MethodPing:
		c.sendResult(req.ID, map[string]interface{}{"pong": true, "ts": time.Now().UnixMilli()})

	case protocol.MethodStatus:
		s.connMu.Lock()
		count := len(s.conns)
		s.connMu.Unlock()
		c.sendResult(req.ID, protocol.StatusPayload{
			Status:      "healthy",
			Connections: count,
			UptimeMs:    time.Since(s.startTime).Milliseconds(),
		})

	case protocol.MethodSnapshot:
		c.sendResult(req.ID, s.registry.Snapshot())

	case protocol.MethodSubscribe:
		var params protocol.SubscribeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendError(req.ID, "bad_params", "topics not parseable")
			return
		}
		for _, topic := range params.Topics {
			s.registry.Subscribe(topic, c)
		}
		c.sendResult(req.ID, map[string]interface{}{"subscribed": params.Topics})

	case protocol.MethodUnsubscribe:
		var params protocol.SubscribeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendError(req.ID, "bad_params", "topics not parseable")
			return
		}
		for _, topic := range params.Topics {
			s.registry.Unsubscribe(topic, c)
		}
		c.sendResult(req.ID, map[string]interface{}{"unsubscribed": params.Topics})

	case protocol.MethodPublish:
		if !c.hasScope("operator.write") {
			c.sendError(req.ID, "forbidden", "publish requires operator.write scope")
			return
		}
		var params protocol.PublishParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Topic == "" {
			c.sendError(req.ID, "bad_params", "publish params not parseable")
			return
		}
		version := s.registry.Publish(params.Topic, params.Payload)
		c.sendResult(req.ID, map[string]interface{}{"topic": params.Topic, "stateVersion": version})

	case protocol.MethodPairRequest:
		var params protocol.PairRequestedPayload
		if err := json.Unmarshal(req.Params, &params); err != nil || params.DeviceID == "" {
			c.sendError(req.ID, "bad_params", "pair request not parseable")
			return
		}
		if params.Role == "" {
			params.Role = c.role
		}
		s.broker.Request(params.DeviceID, params.Role, params.Reason)
		payload, _ := json.Marshal(params)
		s.broadcast(protocol.NewEvent(protocol.EventPairRequested, payload))
		c.sendResult(req.ID, map[string]interface{}{"pending": true})

	case protocol.MethodPairResolve:
		if !c.hasScope("operator.write") {
			c.sendError(req.ID, "forbidden", "pair resolution requires operator.write scope")
			return
		}
		var params protocol.PairResolvedPayload
		if err := json.Unmarshal(req.Params, &params); err != nil || params.DeviceID == "" {
			c.sendError(req.ID, "bad_params", "pair resolution not parseable")
			return
		}
		if params.Decision != protocol.DecisionApproved && params.Decision != protocol.DecisionRejected {
			c.sendError(req.ID, "bad_params", "decision must be approved or rejected")
			return
		}
		if !s.broker.Resolve(params.DeviceID, params.Role, params.Decision) {
			c.sendError(req.ID, "not_found", "no pending pairing for device")
			return
		}
		payload, _ := json.Marshal(params)
		s.broadcast(protocol.NewEvent(protocol.EventPairResolved, payload))
		c.sendResult(req.ID, map[string]interface{}{"resolved": true})

	default:
		c.sendError(req.ID, "method_not_found", "unknown method: "+req.Method)
	}
}

// broadcast delivers an event to every live connection
func (s *Server) broadcast(ev *protocol.Event) {
	s.connMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		if err := c.SendEvent(ev); err != nil {
			L_warn("gateway: broadcast failed", "conn", c.connID, "error", err)
		}
	}
}

func (c *conn) hasScope(scope string) bool {
	for _, s := range c.effective.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
