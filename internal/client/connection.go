package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/roelfdiedericks/clawgate/internal/auth"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

// ConnState is the connection lifecycle state
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAwaitingChallenge
	StateAuthenticating
	StateReady
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateAwaitingChallenge:
		return "AwaitingChallenge"
	case StateAuthenticating:
		return "Authenticating"
	case StateReady:
		return "Ready"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Options configures one client connection
type Options struct {
	URL     string                  // ws:// or wss:// gateway endpoint
	Connect protocol.ConnectOptions // role, scopes, identity
	Secret  string                  // token/password for challenge answers

	RequestTimeout   time.Duration // per-request (default 15s)
	HandshakeTimeout time.Duration // dial + handshake (default 10s)
	MissedTickLimit  int           // unanswered pings before reconnect (default 3)
	Backoff          BackoffConfig

	// OnEvent receives every server event after protocol handling. It is
	// invoked from the read pump inside its own error boundary.
	OnEvent func(ev *protocol.Event)

	// OnStateChange observes lifecycle transitions
	OnStateChange func(state ConnState)

	Dialer *websocket.Dialer
}

// Connection is one handshake/heartbeat/reconnect state machine for a
// single (client, role) pair.
type Connection struct {
	opts Options

	mu           sync.Mutex
	state        ConnState
	stateChanged chan struct{}
	ws           *websocket.Conn
	pending      *pendingTable
	hello        *protocol.HelloOK
	subs         map[string]bool
	closed       bool
	lastErr      error

	versions *VersionTracker
	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

// NewConnection creates a connection; call Start to begin dialing
func NewConnection(opts Options) *Connection {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.MissedTickLimit <= 0 {
		opts.MissedTickLimit = 3
	}
	return &Connection{
		opts:         opts,
		state:        StateConnecting,
		stateChanged: make(chan struct{}),
		pending:      newPendingTable(),
		subs:         make(map[string]bool),
		versions:     NewVersionTracker(),
		done:         make(chan struct{}),
	}
}

// Start launches the connect/serve/reconnect loop
func (c *Connection) Start() {
	go c.run()
}

// State returns the current lifecycle state
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hello returns the last hello-ok payload (nil before first Ready)
func (c *Connection) Hello() *protocol.HelloOK {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Versions exposes the per-topic state version tracker
func (c *Connection) Versions() *VersionTracker {
	return c.versions
}

// Err returns the terminal error after the connection reaches Closed
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// WaitReady blocks until the connection is Ready, terminally Closed, or
// the context expires.
func (c *Connection) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		state := c.state
		changed := c.stateChanged
		lastErr := c.lastErr
		c.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateClosed:
			if lastErr != nil {
				return lastErr
			}
			return errors.New("connection closed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close tears the connection down: pending requests fail with
// CancelledError, subscriptions are released, and no reconnect follows.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	pending := c.pending
	c.subs = make(map[string]bool)
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	pending.failAll(&CancelledError{})
	if ws != nil {
		ws.Close()
	}
	c.setState(StateClosed)
	L_debug("client: connection closed", "client", c.opts.Connect.ClientID, "role", c.opts.Connect.Role)
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) setState(state ConnState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	if c.state == StateClosed {
		// Closed is terminal
		c.mu.Unlock()
		return
	}
	c.state = state
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
	cb := c.opts.OnStateChange
	c.mu.Unlock()

	L_trace("client: state", "client", c.opts.Connect.ClientID, "role", c.opts.Connect.Role, "state", state.String())
	if cb != nil {
		cb(state)
	}
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	if ws != nil {
		ws.Close()
	}
	c.setState(StateClosed)
	L_warn("client: connection failed terminally",
		"client", c.opts.Connect.ClientID, "role", c.opts.Connect.Role, "error", err)
}

// run is the connect/serve/reconnect loop. AuthError and explicit Close
// are terminal; everything else schedules a bounded, jittered retry.
func (c *Connection) run() {
	bo := newBackoff(c.opts.Backoff)

	for {
		if c.isClosed() {
			return
		}

		err := c.connectAndServe(bo)
		if c.isClosed() {
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.fail(err)
			return
		}

		c.setState(StateReconnecting)
		delay, ok := bo.next()
		if !ok {
			c.fail(fmt.Errorf("retry budget exhausted: %w", err))
			return
		}

		L_debug("client: reconnecting",
			"client", c.opts.Connect.ClientID, "role", c.opts.Connect.Role,
			"delay", delay.String(), "cause", err)

		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}
	}
}

// connectAndServe dials, performs the handshake, then serves the socket
// until it drops. Returns the error that ended the cycle.
func (c *Connection) connectAndServe(bo *backoff) error {
	c.setState(StateConnecting)

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()

	//nolint:bodyclose // upgrade response body is managed by gorilla
	ws, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	// Register the socket before the handshake so Close tears it down
	// immediately instead of waiting out the handshake deadline.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return &CancelledError{}
	}
	c.ws = ws
	c.mu.Unlock()

	hello, err := c.handshake(ws)
	if err != nil {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		ws.Close()
		return err
	}

	// Fresh pending table per connection: request IDs from a superseded
	// socket must never resolve against the new one.
	c.mu.Lock()
	c.hello = hello
	c.pending = newPendingTable()
	pending := c.pending
	resub := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		resub = append(resub, topic)
	}
	c.mu.Unlock()

	c.versions.Seed(hello.Snapshot)
	bo.reset()
	c.setState(StateReady)
	L_info("client: session ready",
		"client", c.opts.Connect.ClientID,
		"role", c.opts.Connect.Role,
		"server", hello.Server.Version,
		"connId", hello.Server.ConnID)

	if len(resub) > 0 {
		go c.resubscribe(resub)
	}

	heartbeatStop := make(chan struct{})
	missed := make(chan struct{}, 1)
	pongs := &pongTracker{}
	// Installed before the pumps start so the first pong is never missed
	ws.SetPongHandler(func(string) error {
		pongs.reset()
		return nil
	})
	go c.heartbeat(ws, hello.Policy, heartbeatStop, missed, pongs)

	readErr := make(chan error, 1)
	go func() { readErr <- c.readPump(ws) }()

	var cause error
	select {
	case cause = <-readErr:
	case <-missed:
		cause = fmt.Errorf("heartbeat: %d ticks unanswered", c.opts.MissedTickLimit)
		ws.Close()
		<-readErr
	case <-c.done:
		close(heartbeatStop)
		ws.Close()
		<-readErr
		return &CancelledError{}
	}

	select {
	case <-heartbeatStop:
	default:
		close(heartbeatStop)
	}
	ws.Close()

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()

	// All in-flight requests fail now; callers resend after Ready.
	pending.failAll(&DisconnectedError{})
	return cause
}

// handshake sends connect, answers a challenge when one arrives, and
// waits for hello-ok.
func (c *Connection) handshake(ws *websocket.Conn) (*protocol.HelloOK, error) {
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	ws.SetReadDeadline(deadline)
	ws.SetWriteDeadline(deadline)

	connectID := uuid.New().String()
	params, err := json.Marshal(c.opts.Connect)
	if err != nil {
		return nil, err
	}
	if err := c.writeRaw(ws, protocol.NewRequest(connectID, protocol.MethodConnect, params)); err != nil {
		return nil, fmt.Errorf("send connect: %w", err)
	}

	awaitID := connectID
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("handshake read: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}

		switch f := frame.(type) {
		case *protocol.Event:
			if f.Event != protocol.EventChallenge {
				L_trace("client: ignoring pre-ready event", "event", f.Event)
				continue
			}
			c.setState(StateAwaitingChallenge)

			var challenge protocol.ChallengePayload
			if err := json.Unmarshal(f.Payload, &challenge); err != nil {
				return nil, fmt.Errorf("bad challenge payload: %w", err)
			}

			c.setState(StateAuthenticating)
			answer := protocol.ChallengeAnswer{
				ClientID: c.opts.Connect.ClientID,
				Response: auth.ComputeResponse(c.opts.Secret, challenge.Nonce),
			}
			answerParams, _ := json.Marshal(answer)
			awaitID = uuid.New().String()
			if err := c.writeRaw(ws, protocol.NewRequest(awaitID, protocol.MethodConnectResponse, answerParams)); err != nil {
				return nil, fmt.Errorf("send challenge answer: %w", err)
			}

		case *protocol.Response:
			if f.ID != awaitID {
				L_trace("client: ignoring stray response during handshake", "id", f.ID)
				continue
			}
			if !f.OK {
				code, msg := "handshake_failed", "connection refused"
				if f.Error != nil {
					code, msg = f.Error.Code, f.Error.Message
				}
				if code == "auth_failed" || code == "too_many_attempts" {
					return nil, &AuthError{Code: code, Message: msg}
				}
				return nil, fmt.Errorf("handshake refused (%s): %s", code, msg)
			}

			var hello protocol.HelloOK
			if err := json.Unmarshal(f.Payload, &hello); err != nil {
				return nil, fmt.Errorf("bad hello-ok payload: %w", err)
			}
			if hello.Type != "hello-ok" {
				return nil, fmt.Errorf("unexpected handshake payload type %q", hello.Type)
			}

			ws.SetReadDeadline(time.Time{})
			ws.SetWriteDeadline(time.Time{})
			return &hello, nil

		default:
			return nil, fmt.Errorf("unexpected frame during handshake: %T", frame)
		}
	}
}

// readPump dispatches incoming frames until the socket drops
func (c *Connection) readPump(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			L_warn("client: dropping malformed frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.Response:
			c.mu.Lock()
			pending := c.pending
			c.mu.Unlock()
			if !pending.resolve(f) {
				L_trace("client: response for unknown request", "id", f.ID)
			}
		case *protocol.Event:
			c.handleEvent(f)
		default:
			L_trace("client: ignoring unexpected frame kind")
		}
	}
}

// handleEvent applies protocol-level handling (state version tracking,
// gap-triggered resync) and then forwards the event to the caller inside
// an error boundary.
func (c *Connection) handleEvent(ev *protocol.Event) {
	if ev.Event == protocol.EventTopicUpdate && ev.StateVersion != nil {
		var update protocol.TopicUpdatePayload
		if err := json.Unmarshal(ev.Payload, &update); err == nil && update.Topic != "" {
			if err := c.versions.Apply(update.Topic, *ev.StateVersion); err != nil {
				L_warn("client: state version gap, resyncing", "error", err)
				go c.resync()
			}
		}
	}

	if c.opts.OnEvent != nil {
		// A panicking event handler must not take down the read pump.
		func() {
			defer func() {
				if r := recover(); r != nil {
					L_error("client: event handler panic", "event", ev.Event, "panic", r)
				}
			}()
			c.opts.OnEvent(ev)
		}()
	}
}

// resync re-fetches the full snapshot and reseeds the version tracker
func (c *Connection) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()

	payload, err := c.Request(ctx, protocol.MethodSnapshot, nil)
	if err != nil {
		L_warn("client: resync failed", "error", err)
		return
	}

	var snap protocol.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		L_warn("client: resync snapshot not parseable", "error", err)
		return
	}
	c.versions.Seed(snap)
	L_info("client: resynced", "topics", len(snap.StateVersion))
}

// pongTracker counts pings that have gone unanswered
type pongTracker struct {
	mu     sync.Mutex
	missed int
}

func (p *pongTracker) reset() {
	p.mu.Lock()
	p.missed = 0
	p.mu.Unlock()
}

func (p *pongTracker) bump() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missed++
	return p.missed
}

// heartbeat pings at the policy cadence and signals missed when too many
// consecutive pings go unanswered.
func (c *Connection) heartbeat(ws *websocket.Conn, policy protocol.Policy, stop <-chan struct{}, missedCh chan<- struct{}, pongs *pongTracker) {
	interval := time.Duration(policy.TickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if pongs.bump() > c.opts.MissedTickLimit {
				select {
				case missedCh <- struct{}{}:
				default:
				}
				return
			}

			c.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				L_trace("client: ping write failed", "error", err)
				return
			}
		}
	}
}

// Request sends a method call and waits for its response. Only the
// calling request fails on timeout; the connection stays usable.
func (c *Connection) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateReady || c.ws == nil {
		c.mu.Unlock()
		return nil, &DisconnectedError{}
	}
	ws := c.ws
	pending := c.pending
	c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	id := uuid.New().String()
	pr := pending.add(id, method)

	if err := c.writeRaw(ws, protocol.NewRequest(id, method, raw)); err != nil {
		pending.remove(id)
		return nil, &DisconnectedError{}
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-pr.ch:
		if !ok {
			if pr.err != nil {
				return nil, pr.err
			}
			return nil, &DisconnectedError{}
		}
		if !res.OK {
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, fmt.Errorf("request %s failed", method)
		}
		return res.Payload, nil

	case <-timer.C:
		pending.remove(id)
		return nil, &TimeoutError{Method: method}

	case <-ctx.Done():
		pending.remove(id)
		return nil, &CancelledError{}
	}
}

// Subscribe registers interest in topics; subscriptions survive
// reconnects until Unsubscribe or Close.
func (c *Connection) Subscribe(ctx context.Context, topics ...string) error {
	_, err := c.Request(ctx, protocol.MethodSubscribe, protocol.SubscribeParams{Topics: topics})
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, t := range topics {
		c.subs[t] = true
	}
	c.mu.Unlock()
	return nil
}

// Unsubscribe releases topic subscriptions
func (c *Connection) Unsubscribe(ctx context.Context, topics ...string) error {
	_, err := c.Request(ctx, protocol.MethodUnsubscribe, protocol.SubscribeParams{Topics: topics})
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return nil
}

// Publish writes a topic value through the gateway (operator scope)
func (c *Connection) Publish(ctx context.Context, topic string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = c.Request(ctx, protocol.MethodPublish, protocol.PublishParams{Topic: topic, Payload: body})
	return err
}

func (c *Connection) resubscribe(topics []string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()

	if _, err := c.Request(ctx, protocol.MethodSubscribe, protocol.SubscribeParams{Topics: topics}); err != nil {
		L_warn("client: resubscribe failed", "topics", topics, "error", err)
		return
	}
	L_debug("client: resubscribed", "topics", topics)
}

func (c *Connection) writeRaw(ws *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}
