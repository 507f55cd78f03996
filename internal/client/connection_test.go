package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roelfdiedericks/clawgate/internal/auth"
	"github.com/roelfdiedericks/clawgate/internal/gateway"
	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

func startGateway(t *testing.T, authCfg auth.Config) string {
	t.Helper()

	s, err := gateway.NewServer(gateway.ServerConfig{
		Listen:        ":0",
		Version:       "test",
		Auth:          authCfg,
		AllowlistPath: filepath.Join(t.TempDir(), "allowlist.json"),
	})
	if err != nil {
		t.Fatalf("gateway create failed: %v", err)
	}

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitReady(t *testing.T, c *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("connection never became ready: %v", err)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	url := startGateway(t, auth.Config{})

	c := NewConnection(Options{
		URL: url,
		Connect: protocol.ConnectOptions{
			Role:     protocol.RoleOperator,
			ClientID: "dev-1",
			Scopes:   []string{"operator.read", "operator.write"},
		},
	})
	c.Start()
	waitReady(t, c)

	hello := c.Hello()
	if hello == nil || hello.Protocol != protocol.Version {
		t.Fatalf("hello not recorded: %+v", hello)
	}
	if hello.Server.ConnID == "" {
		t.Error("missing connId")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := c.Request(ctx, protocol.MethodPing, nil)
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	var pong map[string]interface{}
	if err := json.Unmarshal(payload, &pong); err != nil || pong["pong"] != true {
		t.Errorf("unexpected pong payload: %s", payload)
	}

	c.Close()
	if c.State() != StateClosed {
		t.Errorf("state after close: %v", c.State())
	}

	if _, err := c.Request(ctx, protocol.MethodPing, nil); err == nil {
		t.Error("request after close succeeded")
	}
}

func TestConnectionChallengeAuth(t *testing.T) {
	url := startGateway(t, auth.Config{Token: "secret-token"})

	c := NewConnection(Options{
		URL:     url,
		Secret:  "secret-token",
		Connect: protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"},
	})
	c.Start()
	defer c.Close()
	waitReady(t, c)
}

func TestConnectionAuthFailureIsTerminal(t *testing.T) {
	url := startGateway(t, auth.Config{Token: "secret-token"})

	c := NewConnection(Options{
		URL:     url,
		Secret:  "wrong",
		Connect: protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"},
		Backoff: BackoffConfig{Initial: 10 * time.Millisecond, MaxRetries: 5},
	})
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.WaitReady(ctx)
	if err == nil {
		t.Fatal("wrong secret reached ready")
	}

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("auth failure should close terminally, state %v", c.State())
	}
}

func TestSubscribeAndReceiveUpdates(t *testing.T) {
	url := startGateway(t, auth.Config{})

	events := make(chan *protocol.Event, 16)
	sub := NewConnection(Options{
		URL:     url,
		Connect: protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-sub"},
		OnEvent: func(ev *protocol.Event) { events <- ev },
	})
	sub.Start()
	defer sub.Close()
	waitReady(t, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Subscribe(ctx, "presence"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	pub := NewConnection(Options{
		URL: url,
		Connect: protocol.ConnectOptions{
			Role:     protocol.RoleOperator,
			ClientID: "dev-pub",
			Scopes:   []string{"operator.read", "operator.write"},
		},
	})
	pub.Start()
	defer pub.Close()
	waitReady(t, pub)

	if err := pub.Publish(ctx, "presence", map[string]int{"online": 1}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Event != protocol.EventTopicUpdate {
			t.Fatalf("expected topic.update, got %s", ev.Event)
		}
		var update protocol.TopicUpdatePayload
		if err := json.Unmarshal(ev.Payload, &update); err != nil || update.Topic != "presence" {
			t.Errorf("bad update payload: %s", ev.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("update never arrived")
	}

	if sub.Versions().Current("presence") != 1 {
		t.Errorf("version tracker not updated: %d", sub.Versions().Current("presence"))
	}
}

func TestReconnectAfterSupersede(t *testing.T) {
	url := startGateway(t, auth.Config{})

	var mu sync.Mutex
	var states []ConnState
	stateSeen := make(chan ConnState, 32)

	c := NewConnection(Options{
		URL:     url,
		Connect: protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"},
		Backoff: BackoffConfig{Initial: 50 * time.Millisecond, MaxRetries: 20},
		OnStateChange: func(s ConnState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
			stateSeen <- s
		},
	})
	c.Start()
	defer c.Close()
	waitReady(t, c)

	// A raw socket with the same identity supersedes ours; the server
	// closes our connection and the state machine must recover.
	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("raw dial failed: %v", err)
	}
	defer raw.Close()

	opts, _ := json.Marshal(protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"})
	frame, _ := protocol.Encode(protocol.NewRequest("raw-1", protocol.MethodConnect, opts))
	if err := raw.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("raw connect failed: %v", err)
	}

	sawReconnecting := false
	deadline := time.After(10 * time.Second)
	for !sawReconnecting || c.State() != StateReady {
		select {
		case s := <-stateSeen:
			if s == StateReconnecting {
				sawReconnecting = true
			}
		case <-deadline:
			mu.Lock()
			seen := append([]ConnState(nil), states...)
			mu.Unlock()
			t.Fatalf("never recovered; states seen: %v", seen)
		}
	}
}

// fakeGateway runs an arbitrary server-side script against one socket
func fakeGateway(t *testing.T, handler func(ws *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// fakeHandshake consumes the connect request and answers with hello-ok
func fakeHandshake(t *testing.T, ws *websocket.Conn, snapshot protocol.Snapshot) {
	t.Helper()

	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Errorf("fake: read connect failed: %v", err)
		return
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Errorf("fake: bad connect frame: %v", err)
		return
	}
	req, ok := frame.(*protocol.Request)
	if !ok || req.Method != protocol.MethodConnect {
		t.Errorf("fake: expected connect, got %+v", frame)
		return
	}

	hello, _ := json.Marshal(protocol.HelloOK{
		Type:     "hello-ok",
		Protocol: protocol.Version,
		Server:   protocol.ServerInfo{Version: "fake", ConnID: "fake-1"},
		Snapshot: snapshot,
		Policy:   protocol.Policy{MaxPayload: 1 << 20, MaxBufferedBytes: 4 << 20, TickIntervalMs: 60000},
	})
	out, _ := protocol.Encode(protocol.NewResponse(req.ID, hello))
	ws.WriteMessage(websocket.TextMessage, out)
}

func TestRequestTimeoutLeavesConnectionUsable(t *testing.T) {
	url := fakeGateway(t, func(ws *websocket.Conn) {
		fakeHandshake(t, ws, protocol.Snapshot{})
		// Swallow everything after the handshake
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewConnection(Options{
		URL:            url,
		Connect:        protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"},
		RequestTimeout: 200 * time.Millisecond,
	})
	c.Start()
	defer c.Close()
	waitReady(t, c)

	ctx := context.Background()
	_, err := c.Request(ctx, protocol.MethodPing, nil)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Method != protocol.MethodPing {
		t.Errorf("timeout names wrong method: %s", timeout.Method)
	}

	if c.State() != StateReady {
		t.Errorf("timeout should not drop the connection, state %v", c.State())
	}
}

func TestCloseInterruptsHandshake(t *testing.T) {
	gotConnect := make(chan struct{})
	socketDown := make(chan struct{})
	url := fakeGateway(t, func(ws *websocket.Conn) {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		close(gotConnect)
		// Never answer; the read unblocks only when the client hangs up
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				close(socketDown)
				return
			}
		}
	})

	c := NewConnection(Options{
		URL:              url,
		Connect:          protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"},
		HandshakeTimeout: 30 * time.Second,
	})
	c.Start()

	select {
	case <-gotConnect:
	case <-time.After(5 * time.Second):
		t.Fatal("connect never reached the server")
	}

	c.Close()

	// Teardown must not wait out the 30s handshake deadline
	select {
	case <-socketDown:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake socket survived Close")
	}

	if c.State() != StateClosed {
		t.Errorf("state after close: %v", c.State())
	}
}

func TestVersionGapTriggersResync(t *testing.T) {
	url := fakeGateway(t, func(ws *websocket.Conn) {
		fakeHandshake(t, ws, protocol.Snapshot{StateVersion: map[string]int64{"presence": 1}})

		send := func(version int64) {
			body, _ := json.Marshal(protocol.TopicUpdatePayload{Topic: "presence", Payload: json.RawMessage(`{}`)})
			ev := protocol.NewEvent(protocol.EventTopicUpdate, body)
			ev.StateVersion = &version
			data, _ := protocol.Encode(ev)
			ws.WriteMessage(websocket.TextMessage, data)
		}

		send(2) // applies
		send(5) // gap: client must request a snapshot

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			req, ok := frame.(*protocol.Request)
			if !ok || req.Method != protocol.MethodSnapshot {
				continue
			}
			snap, _ := json.Marshal(protocol.Snapshot{StateVersion: map[string]int64{"presence": 5}})
			out, _ := protocol.Encode(protocol.NewResponse(req.ID, snap))
			ws.WriteMessage(websocket.TextMessage, out)
		}
	})

	c := NewConnection(Options{
		URL:     url,
		Connect: protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"},
	})
	c.Start()
	defer c.Close()
	waitReady(t, c)

	deadline := time.After(5 * time.Second)
	for c.Versions().Current("presence") != 5 {
		select {
		case <-deadline:
			t.Fatalf("never resynced, version %d", c.Versions().Current("presence"))
		case <-time.After(20 * time.Millisecond):
		}
	}
}
