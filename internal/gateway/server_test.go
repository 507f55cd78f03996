package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roelfdiedericks/clawgate/internal/auth"
	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

func newTestServer(t *testing.T, authCfg auth.Config) (*Server, *httptest.Server) {
	t.Helper()

	s, err := NewServer(ServerConfig{
		Listen:        ":0",
		Version:       "test",
		Auth:          authCfg,
		AllowlistPath: t.TempDir() + "/allowlist.json",
	})
	if err != nil {
		t.Fatalf("server create failed: %v", err)
	}

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendRequest(t *testing.T, ws *websocket.Conn, id, method string, params interface{}) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		raw = data
	}
	data, err := protocol.Encode(protocol.NewRequest(id, method, raw))
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return frame
}

// connect performs the full handshake and returns once hello-ok arrives
func connect(t *testing.T, ws *websocket.Conn, opts protocol.ConnectOptions, secret string) protocol.HelloOK {
	t.Helper()

	sendRequest(t, ws, "connect-1", protocol.MethodConnect, opts)

	awaitID := "connect-1"
	for {
		switch f := readFrame(t, ws).(type) {
		case *protocol.Event:
			if f.Event != protocol.EventChallenge {
				continue
			}
			var challenge protocol.ChallengePayload
			if err := json.Unmarshal(f.Payload, &challenge); err != nil {
				t.Fatalf("bad challenge: %v", err)
			}
			awaitID = "connect-2"
			sendRequest(t, ws, awaitID, protocol.MethodConnectResponse, protocol.ChallengeAnswer{
				ClientID: opts.ClientID,
				Response: auth.ComputeResponse(secret, challenge.Nonce),
			})

		case *protocol.Response:
			if f.ID != awaitID {
				t.Fatalf("hello-ok correlated to %q, want %q", f.ID, awaitID)
			}
			if !f.OK {
				t.Fatalf("handshake refused: %v", f.Error)
			}
			var hello protocol.HelloOK
			if err := json.Unmarshal(f.Payload, &hello); err != nil {
				t.Fatalf("bad hello-ok: %v", err)
			}
			return hello
		}
	}
}

func TestHandshakeWithoutAuth(t *testing.T) {
	_, ts := newTestServer(t, auth.Config{})
	ws := dialWS(t, ts)

	hello := connect(t, ws, protocol.ConnectOptions{
		Role:     protocol.RoleOperator,
		ClientID: "dev-1",
		Scopes:   []string{"operator.read"},
	}, "")

	if hello.Type != "hello-ok" {
		t.Errorf("wrong payload type: %s", hello.Type)
	}
	if hello.Protocol != protocol.Version {
		t.Errorf("wrong protocol version: %d", hello.Protocol)
	}
	if hello.Server.ConnID == "" {
		t.Error("missing connId")
	}
	if hello.Policy.TickIntervalMs <= 0 || hello.Policy.MaxPayload <= 0 {
		t.Errorf("policy defaults not applied: %+v", hello.Policy)
	}
	if len(hello.Features.Methods) == 0 || len(hello.Features.Events) == 0 {
		t.Error("features not advertised")
	}
}

func TestHandshakeWithChallenge(t *testing.T) {
	_, ts := newTestServer(t, auth.Config{Token: "secret-token"})
	ws := dialWS(t, ts)

	hello := connect(t, ws, protocol.ConnectOptions{
		Role:     protocol.RoleOperator,
		ClientID: "dev-1",
	}, "secret-token")

	if hello.Server.ConnID == "" {
		t.Error("challenged handshake did not complete")
	}
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	_, ts := newTestServer(t, auth.Config{Token: "secret-token"})
	ws := dialWS(t, ts)

	sendRequest(t, ws, "connect-1", protocol.MethodConnect, protocol.ConnectOptions{
		Role:     protocol.RoleOperator,
		ClientID: "dev-1",
	})

	ev, ok := readFrame(t, ws).(*protocol.Event)
	if !ok || ev.Event != protocol.EventChallenge {
		t.Fatalf("expected challenge event, got %+v", ev)
	}
	var challenge protocol.ChallengePayload
	json.Unmarshal(ev.Payload, &challenge)

	sendRequest(t, ws, "connect-2", protocol.MethodConnectResponse, protocol.ChallengeAnswer{
		ClientID: "dev-1",
		Response: auth.ComputeResponse("wrong", challenge.Nonce),
	})

	res, ok := readFrame(t, ws).(*protocol.Response)
	if !ok {
		t.Fatal("expected response frame")
	}
	if res.OK {
		t.Fatal("wrong secret accepted")
	}
	if res.Error == nil || res.Error.Code != "auth_failed" {
		t.Errorf("expected auth_failed, got %v", res.Error)
	}
}

func TestHandshakeRejectsInvalidOptions(t *testing.T) {
	_, ts := newTestServer(t, auth.Config{})
	ws := dialWS(t, ts)

	sendRequest(t, ws, "connect-1", protocol.MethodConnect, protocol.ConnectOptions{
		Role: "admin", ClientID: "dev-1",
	})

	res, ok := readFrame(t, ws).(*protocol.Response)
	if !ok || res.OK {
		t.Fatalf("invalid role accepted: %+v", res)
	}
	if res.Error.Code != "bad_params" {
		t.Errorf("expected bad_params, got %s", res.Error.Code)
	}
}

func TestPublishRequiresOperatorWrite(t *testing.T) {
	_, ts := newTestServer(t, auth.Config{})

	node := dialWS(t, ts)
	connect(t, node, protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"}, "")

	sendRequest(t, node, "pub-1", protocol.MethodPublish, protocol.PublishParams{
		Topic: "presence", Payload: json.RawMessage(`{}`),
	})

	res, ok := readFrame(t, node).(*protocol.Response)
	if !ok || res.OK {
		t.Fatalf("node publish accepted: %+v", res)
	}
	if res.Error.Code != "forbidden" {
		t.Errorf("expected forbidden, got %s", res.Error.Code)
	}
}

func TestPublishReachesSubscriberWithVersion(t *testing.T) {
	_, ts := newTestServer(t, auth.Config{})

	sub := dialWS(t, ts)
	connect(t, sub, protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-sub"}, "")
	sendRequest(t, sub, "sub-1", protocol.MethodSubscribe, protocol.SubscribeParams{Topics: []string{"presence"}})
	if res, ok := readFrame(t, sub).(*protocol.Response); !ok || !res.OK {
		t.Fatalf("subscribe failed: %+v", res)
	}

	pub := dialWS(t, ts)
	connect(t, pub, protocol.ConnectOptions{
		Role: protocol.RoleOperator, ClientID: "dev-pub",
		Scopes: []string{"operator.read", "operator.write"},
	}, "")
	sendRequest(t, pub, "pub-1", protocol.MethodPublish, protocol.PublishParams{
		Topic: "presence", Payload: json.RawMessage(`{"online":1}`),
	})
	if res, ok := readFrame(t, pub).(*protocol.Response); !ok || !res.OK {
		t.Fatalf("publish failed: %+v", res)
	}

	ev, ok := readFrame(t, sub).(*protocol.Event)
	if !ok || ev.Event != protocol.EventTopicUpdate {
		t.Fatalf("expected topic.update, got %+v", ev)
	}
	if ev.StateVersion == nil || *ev.StateVersion != 1 {
		t.Errorf("expected stateVersion 1, got %v", ev.StateVersion)
	}

	var update protocol.TopicUpdatePayload
	if err := json.Unmarshal(ev.Payload, &update); err != nil || update.Topic != "presence" {
		t.Errorf("bad update payload: %s", ev.Payload)
	}
}

func TestNewConnectionSupersedesPrior(t *testing.T) {
	_, ts := newTestServer(t, auth.Config{})

	first := dialWS(t, ts)
	connect(t, first, protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"}, "")

	second := dialWS(t, ts)
	connect(t, second, protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"}, "")

	// The superseded socket is closed by the server
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("superseded connection still readable")
	}

	// The new socket stays healthy
	sendRequest(t, second, "ping-1", protocol.MethodPing, nil)
	if res, ok := readFrame(t, second).(*protocol.Response); !ok || !res.OK {
		t.Errorf("new connection not serving: %+v", res)
	}
}

func TestDifferentRolesDoNotSupersede(t *testing.T) {
	_, ts := newTestServer(t, auth.Config{})

	operator := dialWS(t, ts)
	connect(t, operator, protocol.ConnectOptions{Role: protocol.RoleOperator, ClientID: "dev-1"}, "")

	node := dialWS(t, ts)
	connect(t, node, protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"}, "")

	sendRequest(t, operator, "ping-1", protocol.MethodPing, nil)
	if res, ok := readFrame(t, operator).(*protocol.Response); !ok || !res.OK {
		t.Errorf("operator connection dropped by node connect: %+v", res)
	}
}

func TestPairingRequestAndResolve(t *testing.T) {
	_, ts := newTestServer(t, auth.Config{})

	operator := dialWS(t, ts)
	connect(t, operator, protocol.ConnectOptions{
		Role: protocol.RoleOperator, ClientID: "dev-op",
		Scopes: []string{"operator.write"},
	}, "")

	node := dialWS(t, ts)
	connect(t, node, protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-new"}, "")

	sendRequest(t, node, "pair-1", protocol.MethodPairRequest, protocol.PairRequestedPayload{
		DeviceID: "dev-new", Reason: "first boot",
	})
	// The node sees its own broadcast before the response
	for {
		f := readFrame(t, node)
		if res, ok := f.(*protocol.Response); ok {
			if !res.OK {
				t.Fatalf("pair request failed: %+v", res.Error)
			}
			break
		}
	}

	ev, ok := readFrame(t, operator).(*protocol.Event)
	if !ok || ev.Event != protocol.EventPairRequested {
		t.Fatalf("expected pair.requested broadcast, got %+v", ev)
	}
	var req protocol.PairRequestedPayload
	json.Unmarshal(ev.Payload, &req)
	if req.DeviceID != "dev-new" || req.Role != protocol.RoleNode {
		t.Errorf("broadcast payload wrong: %+v", req)
	}

	sendRequest(t, operator, "resolve-1", protocol.MethodPairResolve, protocol.PairResolvedPayload{
		DeviceID: "dev-new", Role: protocol.RoleNode, Decision: protocol.DecisionApproved,
	})

	// Drain frames on the operator until the resolve response arrives
	for {
		f := readFrame(t, operator)
		if res, ok := f.(*protocol.Response); ok {
			if !res.OK {
				t.Fatalf("resolve failed: %+v", res.Error)
			}
			break
		}
	}

	// Resolving again finds nothing pending
	sendRequest(t, operator, "resolve-2", protocol.MethodPairResolve, protocol.PairResolvedPayload{
		DeviceID: "dev-new", Role: protocol.RoleNode, Decision: protocol.DecisionApproved,
	})
	for {
		f := readFrame(t, operator)
		if res, ok := f.(*protocol.Response); ok {
			if res.OK || res.Error.Code != "not_found" {
				t.Errorf("expected not_found, got %+v", res)
			}
			break
		}
	}
}

func TestUnknownMethod(t *testing.T) {
	_, ts := newTestServer(t, auth.Config{})
	ws := dialWS(t, ts)
	connect(t, ws, protocol.ConnectOptions{Role: protocol.RoleNode, ClientID: "dev-1"}, "")

	sendRequest(t, ws, "x-1", "warp.drive", nil)
	res, ok := readFrame(t, ws).(*protocol.Response)
	if !ok || res.OK || res.Error.Code != "method_not_found" {
		t.Errorf("expected method_not_found, got %+v", res)
	}
}
