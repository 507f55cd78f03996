package gateway

import (
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

type pairKey struct {
	deviceID string
	role     string
}

type pendingPair struct {
	reason      string
	requestedAt time.Time
}

// PairingBroker tracks device approval requests pending on the gateway.
// Entries are created on first request for a (device, role) and destroyed
// on resolution or explicit clear.
type PairingBroker struct {
	mu      sync.Mutex
	pending map[pairKey]pendingPair
}

// NewPairingBroker creates an empty broker
func NewPairingBroker() *PairingBroker {
	return &PairingBroker{pending: make(map[pairKey]pendingPair)}
}

// Request registers a pending approval. Re-registering an existing
// (device, role) refreshes the reason but is otherwise idempotent.
// Returns true when the entry is new.
func (b *PairingBroker) Request(deviceID, role, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := pairKey{deviceID: deviceID, role: role}
	_, exists := b.pending[key]
	b.pending[key] = pendingPair{reason: reason, requestedAt: time.Now()}
	if !exists {
		L_info("pairing: request registered", "device", deviceID, "role", role)
	}
	return !exists
}

// Resolve clears a pending approval with the given decision. Returns
// false when no matching request is pending.
func (b *PairingBroker) Resolve(deviceID, role, decision string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := pairKey{deviceID: deviceID, role: role}
	if _, ok := b.pending[key]; !ok {
		return false
	}
	delete(b.pending, key)
	L_info("pairing: resolved", "device", deviceID, "role", role, "decision", decision)
	return true
}

// Clear drops every pending request for a device
func (b *PairingBroker) Clear(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.pending {
		if key.deviceID == deviceID {
			delete(b.pending, key)
		}
	}
}

// Pending lists the currently pending requests as event payloads
func (b *PairingBroker) Pending() []protocol.PairRequestedPayload {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]protocol.PairRequestedPayload, 0, len(b.pending))
	for key, p := range b.pending {
		out = append(out, protocol.PairRequestedPayload{
			DeviceID: key.deviceID,
			Role:     key.role,
			Reason:   p.reason,
		})
	}
	return out
}
