package session

import (
	"context"
	"fmt"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/client"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

// RoleProfile is the requested grant set for one role of a dual session
type RoleProfile struct {
	Scopes      []string
	Caps        []string
	Commands    []string
	Permissions map[string]bool
}

// DualOptions configures a dual session: one operator and one node
// connection sharing a client identity.
type DualOptions struct {
	URL         string
	ClientID    string
	ClientMode  string
	DisplayName string
	DeviceID    string
	Secret      string

	Operator RoleProfile
	Node     RoleProfile

	RequestTimeout  time.Duration
	MissedTickLimit int
	Backoff         client.BackoffConfig

	// OnEvent receives every event from either connection, tagged with
	// the role that carried it.
	OnEvent func(role string, ev *protocol.Event)

	// OnStatusChange fires when the aggregate status line changes
	OnStatusChange func(status string)
}

// DualSession runs an operator and a node connection side by side under
// one client identity. Each role keeps its own grant set: the node
// connection never inherits operator scopes, even though both sessions
// share a clientId and secret.
type DualSession struct {
	opts     DualOptions
	operator *client.Connection
	node     *client.Connection
	pairing  *PairingState
}

// NewDualSession builds both connections; call Start to dial
func NewDualSession(opts DualOptions) (*DualSession, error) {
	if opts.ClientID == "" {
		return nil, fmt.Errorf("clientId is required")
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("gateway url is required")
	}

	s := &DualSession{
		opts:    opts,
		pairing: NewPairingState(opts.DeviceID),
	}
	s.operator = client.NewConnection(s.roleOptions(protocol.RoleOperator, opts.Operator))
	s.node = client.NewConnection(s.roleOptions(protocol.RoleNode, opts.Node))
	return s, nil
}

// roleOptions builds the per-role connection options. The grant set is
// copied so later mutation of the profile slices cannot bleed between
// roles.
func (s *DualSession) roleOptions(role string, profile RoleProfile) client.Options {
	connect := protocol.ConnectOptions{
		Role:              role,
		Scopes:            append([]string(nil), profile.Scopes...),
		Caps:              append([]string(nil), profile.Caps...),
		Commands:          append([]string(nil), profile.Commands...),
		ClientID:          s.opts.ClientID,
		ClientMode:        s.opts.ClientMode,
		ClientDisplayName: s.opts.DisplayName,
	}
	if len(profile.Permissions) > 0 {
		connect.Permissions = make(map[string]bool, len(profile.Permissions))
		for k, v := range profile.Permissions {
			connect.Permissions[k] = v
		}
	}

	return client.Options{
		URL:             s.opts.URL,
		Connect:         connect,
		Secret:          s.opts.Secret,
		RequestTimeout:  s.opts.RequestTimeout,
		MissedTickLimit: s.opts.MissedTickLimit,
		Backoff:         s.opts.Backoff,
		OnEvent: func(ev *protocol.Event) {
			s.pairing.HandleEvent(ev)
			if s.opts.OnEvent != nil {
				s.opts.OnEvent(role, ev)
			}
		},
		OnStateChange: func(client.ConnState) {
			if s.opts.OnStatusChange != nil {
				s.opts.OnStatusChange(s.Status())
			}
		},
	}
}

// Start dials both connections concurrently
func (s *DualSession) Start() {
	L_info("session: starting dual session", "client", s.opts.ClientID)
	s.operator.Start()
	s.node.Start()
}

// WaitReady blocks until both connections are Ready or the context
// expires. A terminal failure on either side fails the wait.
func (s *DualSession) WaitReady(ctx context.Context) error {
	if err := s.operator.WaitReady(ctx); err != nil {
		return fmt.Errorf("operator: %w", err)
	}
	if err := s.node.WaitReady(ctx); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	return nil
}

// Operator returns the operator-role connection
func (s *DualSession) Operator() *client.Connection {
	return s.operator
}

// Node returns the node-role connection
func (s *DualSession) Node() *client.Connection {
	return s.node
}

// Pairing returns the shared pairing state machine
func (s *DualSession) Pairing() *PairingState {
	return s.pairing
}

// Status renders the aggregate status line across both roles
func (s *DualSession) Status() string {
	op := s.operator.State() == client.StateReady
	node := s.node.State() == client.StateReady

	switch {
	case op && node:
		return "Connected (operator + node)"
	case op:
		return "Connected (operator only)"
	case node:
		return "Connected (node only)"
	default:
		return "Offline"
	}
}

// RequestPairing asks the gateway to register a pairing request for this
// session's device via the operator connection.
func (s *DualSession) RequestPairing(ctx context.Context, role, reason string) error {
	params := protocol.PairRequestedPayload{
		DeviceID: s.opts.DeviceID,
		Role:     role,
		Reason:   reason,
	}
	_, err := s.operator.Request(ctx, protocol.MethodPairRequest, params)
	return err
}

// ResolvePairing approves or rejects a pending pairing request
func (s *DualSession) ResolvePairing(ctx context.Context, deviceID, role, decision string) error {
	params := protocol.PairResolvedPayload{
		DeviceID: deviceID,
		Role:     role,
		Decision: decision,
	}
	_, err := s.operator.Request(ctx, protocol.MethodPairResolve, params)
	return err
}

// Close tears down both connections
func (s *DualSession) Close() {
	s.operator.Close()
	s.node.Close()
	L_debug("session: dual session closed", "client", s.opts.ClientID)
}
