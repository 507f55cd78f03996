package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol version exchanged in hello-ok
const Version = 3

// Roles a client can connect as
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// Method names served by the gateway
const (
	MethodConnect         = "connect"
	MethodConnectResponse = "connect.response"
	MethodPing            = "ping"
	MethodStatus          = "status"
	MethodSnapshot        = "snapshot"
	MethodSubscribe       = "subscribe"
	MethodUnsubscribe     = "unsubscribe"
	MethodPublish         = "publish"
	MethodPairRequest     = "device.pair.request"
	MethodPairResolve     = "device.pair.resolve"
)

// Event names pushed by the gateway
const (
	EventChallenge     = "connect.challenge"
	EventTopicUpdate   = "topic.update"
	EventPairRequested = "device.pair.requested"
	EventPairResolved  = "device.pair.resolved"
)

// Pairing decisions
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// ConnectOptions are the params of the connect request. Required-field
// invariants are enforced by Validate at construction, not at point of use.
type ConnectOptions struct {
	Role              string            `json:"role"`
	Scopes            []string          `json:"scopes"`
	Caps              []string          `json:"caps"`
	Commands          []string          `json:"commands"`
	Permissions       map[string]bool   `json:"permissions,omitempty"`
	ClientID          string            `json:"clientId"`
	ClientMode        string            `json:"clientMode,omitempty"`
	ClientDisplayName string            `json:"clientDisplayName,omitempty"`
	TLS               bool              `json:"tls,omitempty"`
	Token             string            `json:"token,omitempty"`
	Password          string            `json:"password,omitempty"`
}

// Validate checks the required connect fields
func (o *ConnectOptions) Validate() error {
	if o.Role != RoleOperator && o.Role != RoleNode {
		return fmt.Errorf("invalid role %q (want %q or %q)", o.Role, RoleOperator, RoleNode)
	}
	if strings.TrimSpace(o.ClientID) == "" {
		return fmt.Errorf("clientId is required")
	}
	return nil
}

// Policy is the server-imposed connection policy delivered in hello-ok
type Policy struct {
	MaxPayload       int64 `json:"maxPayload"`
	MaxBufferedBytes int64 `json:"maxBufferedBytes"`
	TickIntervalMs   int   `json:"tickIntervalMs"`
}

// Snapshot is the point-in-time state bundle exchanged at handshake
// completion and on resync.
type Snapshot struct {
	Topics       map[string]json.RawMessage `json:"topics"`
	StateVersion map[string]int64           `json:"stateVersion"`
	UptimeMs     int64                      `json:"uptimeMs"`
}

// ServerInfo identifies the gateway in hello-ok
type ServerInfo struct {
	Version string `json:"version"`
	ConnID  string `json:"connId"`
}

// Features lists the methods and events this gateway supports
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// HelloOK completes the handshake; once received the connection is Ready
type HelloOK struct {
	Type     string     `json:"type"` // always "hello-ok"
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Snapshot Snapshot   `json:"snapshot"`
	Policy   Policy     `json:"policy"`
}

// ChallengePayload is the connect.challenge event payload
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// ChallengeAnswer is the connect.response request params
type ChallengeAnswer struct {
	ClientID string `json:"clientId"`
	Response string `json:"response"`
}

// PairRequestedPayload is the device.pair.requested event payload
type PairRequestedPayload struct {
	DeviceID string `json:"deviceId"`
	Role     string `json:"role"`
	Reason   string `json:"reason,omitempty"`
}

// PairResolvedPayload is the device.pair.resolved event payload. Role
// is optional on the wire; a resolution without one applies to every
// pending role for the device.
type PairResolvedPayload struct {
	DeviceID string `json:"deviceId"`
	Role     string `json:"role,omitempty"`
	Decision string `json:"decision"` // "approved" or "rejected"
}

// SubscribeParams carries the topics for subscribe/unsubscribe
type SubscribeParams struct {
	Topics []string `json:"topics"`
}

// PublishParams carries a topic publish from an operator client
type PublishParams struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// TopicUpdatePayload is the topic.update event payload
type TopicUpdatePayload struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// StatusPayload answers the status method
type StatusPayload struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	UptimeMs    int64  `json:"uptimeMs"`
}
