// Package session coordinates the operator and node connections of a
// single client identity and tracks its device pairing lifecycle.
package session

import (
	"encoding/json"
	"strings"
	"sync"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

// PairingPhase is the derived pairing status across both roles
type PairingPhase int

const (
	PairingNone PairingPhase = iota
	PairingOperatorPending
	PairingNodePending
	PairingBothPending
)

func (p PairingPhase) String() string {
	switch p {
	case PairingNone:
		return "none"
	case PairingOperatorPending:
		return "operatorPending"
	case PairingNodePending:
		return "nodePending"
	case PairingBothPending:
		return "bothPending"
	default:
		return "none"
	}
}

// PairingState tracks per-role pending pairing requests for one device.
// All mutation goes through a single mutex; the derived phase is computed
// from the per-role flags, never stored independently.
type PairingState struct {
	mu       sync.Mutex
	deviceID string
	pending  map[string]string // role -> reason
	phase    PairingPhase

	onPhase    func(phase PairingPhase)
	onResolved func(role, decision string)
}

// NewPairingState tracks pairing for the given device ID. Events that
// name a different device are ignored.
func NewPairingState(deviceID string) *PairingState {
	return &PairingState{
		deviceID: deviceID,
		pending:  make(map[string]string),
	}
}

// OnPhaseChange registers a callback fired when the derived phase moves
func (p *PairingState) OnPhaseChange(fn func(phase PairingPhase)) {
	p.mu.Lock()
	p.onPhase = fn
	p.mu.Unlock()
}

// OnResolved registers a callback fired when a pending request resolves
func (p *PairingState) OnResolved(fn func(role, decision string)) {
	p.mu.Lock()
	p.onResolved = fn
	p.mu.Unlock()
}

// Phase returns the derived pairing status
func (p *PairingState) Phase() PairingPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Reason returns the pending reason for a role, if one is pending
func (p *PairingState) Reason(role string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reason, ok := p.pending[role]
	return reason, ok
}

// SetPending marks a role as awaiting approval. Repeats for an already
// pending role refresh the reason without changing the phase.
func (p *PairingState) SetPending(role, reason string) {
	p.mu.Lock()
	p.pending[role] = reason
	fire := p.recomputeLocked()
	p.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// UpdatePending refreshes a pending reason. An empty or whitespace
// reason clears the pending flag for that role.
func (p *PairingState) UpdatePending(role, reason string) {
	p.mu.Lock()
	if strings.TrimSpace(reason) == "" {
		delete(p.pending, role)
	} else if _, ok := p.pending[role]; ok {
		p.pending[role] = reason
	}
	fire := p.recomputeLocked()
	p.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// ClearAll drops every pending flag, returning the phase to none
func (p *PairingState) ClearAll() {
	p.mu.Lock()
	p.pending = make(map[string]string)
	fire := p.recomputeLocked()
	p.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Clear drops the pending flag for a role
func (p *PairingState) Clear(role string) {
	p.mu.Lock()
	delete(p.pending, role)
	fire := p.recomputeLocked()
	p.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// recomputeLocked rederives the phase and returns the callback to fire
// outside the lock, or nil when the phase did not move.
func (p *PairingState) recomputeLocked() func() {
	_, op := p.pending[protocol.RoleOperator]
	_, node := p.pending[protocol.RoleNode]

	var phase PairingPhase
	switch {
	case op && node:
		phase = PairingBothPending
	case op:
		phase = PairingOperatorPending
	case node:
		phase = PairingNodePending
	default:
		phase = PairingNone
	}

	if phase == p.phase {
		return nil
	}
	p.phase = phase

	cb := p.onPhase
	if cb == nil {
		return nil
	}
	return func() { cb(phase) }
}

// HandleEvent feeds gateway pairing events into the state machine.
// Events for other devices are ignored. Both approval and rejection
// clear the pending flag for the named role; a resolution without a
// role clears every pending role for the device.
func (p *PairingState) HandleEvent(ev *protocol.Event) {
	switch ev.Event {
	case protocol.EventPairRequested:
		var req protocol.PairRequestedPayload
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			L_warn("session: bad pair.requested payload", "error", err)
			return
		}
		if req.DeviceID != p.deviceID {
			L_trace("session: pair.requested for other device", "device", req.DeviceID)
			return
		}
		p.SetPending(req.Role, req.Reason)

	case protocol.EventPairResolved:
		var res protocol.PairResolvedPayload
		if err := json.Unmarshal(ev.Payload, &res); err != nil {
			L_warn("session: bad pair.resolved payload", "error", err)
			return
		}
		if res.DeviceID != p.deviceID {
			L_trace("session: pair.resolved for other device", "device", res.DeviceID)
			return
		}

		p.mu.Lock()
		var cleared []string
		if res.Role == "" {
			for role := range p.pending {
				cleared = append(cleared, role)
			}
		} else if _, ok := p.pending[res.Role]; ok {
			cleared = append(cleared, res.Role)
		}
		for _, role := range cleared {
			delete(p.pending, role)
		}
		fire := p.recomputeLocked()
		resolved := p.onResolved
		p.mu.Unlock()

		if fire != nil {
			fire()
		}
		if resolved != nil {
			for _, role := range cleared {
				resolved(role, res.Decision)
			}
		}
	}
}
