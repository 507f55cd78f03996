// Package gateway implements the server side of the session protocol:
// WebSocket serving, handshake and challenge auth, capability negotiation,
// the topic registry with versioned state, and the pairing broker.
package gateway

import (
	"encoding/json"
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

// Sink receives event frames fanned out by the registry. Implemented by
// server connections; tests supply their own.
type Sink interface {
	ConnID() string
	SendEvent(ev *protocol.Event) error
}

// Registry owns the topic -> subscriber sets and the per-topic state.
// It is created by the Server and passed by reference into connection
// handlers; there is no package-global instance.
type Registry struct {
	mu        sync.RWMutex
	topics    map[string]map[string]Sink // topic -> connID -> sink
	state     map[string]json.RawMessage // topic -> latest payload
	versions  map[string]int64           // topic -> stateVersion
	seq       int64
	startTime time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		topics:    make(map[string]map[string]Sink),
		state:     make(map[string]json.RawMessage),
		versions:  make(map[string]int64),
		startTime: time.Now(),
	}
}

// Subscribe adds a sink to a topic. Subscribing twice is a no-op.
func (r *Registry) Subscribe(topic string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]Sink)
		r.topics[topic] = subs
	}
	subs[s.ConnID()] = s
	L_debug("registry: subscribed", "topic", topic, "conn", s.ConnID())
}

// Unsubscribe removes a sink from a topic
func (r *Registry) Unsubscribe(topic string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(topic, s.ConnID())
}

// RemoveConn drops a connection from every topic. Called on connection
// close so no subscription outlives its socket.
func (r *Registry) RemoveConn(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.topics {
		r.removeLocked(topic, connID)
	}
}

func (r *Registry) removeLocked(topic, connID string) {
	subs, ok := r.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs[connID]; !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
	L_debug("registry: unsubscribed", "topic", topic, "conn", connID)
}

// Publish stores the topic payload, bumps its state version, and fans the
// update out to subscribers. The version bump and the snapshot of the
// subscriber set happen under one lock so events carry consecutive
// versions per topic.
func (r *Registry) Publish(topic string, payload json.RawMessage) int64 {
	r.mu.Lock()
	r.state[topic] = payload
	r.versions[topic]++
	version := r.versions[topic]
	r.seq++
	seq := r.seq

	sinks := make([]Sink, 0, len(r.topics[topic]))
	for _, s := range r.topics[topic] {
		sinks = append(sinks, s)
	}
	r.mu.Unlock()

	body, err := json.Marshal(protocol.TopicUpdatePayload{Topic: topic, Payload: payload})
	if err != nil {
		L_error("registry: marshal update failed", "topic", topic, "error", err)
		return version
	}

	ev := &protocol.Event{
		Type:         protocol.TypeEvent,
		Event:        protocol.EventTopicUpdate,
		Payload:      body,
		Seq:          &seq,
		StateVersion: &version,
	}

	for _, s := range sinks {
		// A failing subscriber must not abort the fan-out.
		if err := s.SendEvent(ev); err != nil {
			L_warn("registry: event delivery failed", "topic", topic, "conn", s.ConnID(), "error", err)
		}
	}

	L_trace("registry: published", "topic", topic, "version", version, "subscribers", len(sinks))
	return version
}

// Snapshot captures all topic state and versions for hello-ok and resync
func (r *Registry) Snapshot() protocol.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make(map[string]json.RawMessage, len(r.state))
	for k, v := range r.state {
		topics[k] = v
	}
	versions := make(map[string]int64, len(r.versions))
	for k, v := range r.versions {
		versions[k] = v
	}

	return protocol.Snapshot{
		Topics:       topics,
		StateVersion: versions,
		UptimeMs:     time.Since(r.startTime).Milliseconds(),
	}
}

// Version returns the current state version for a topic
func (r *Registry) Version(topic string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[topic]
}
