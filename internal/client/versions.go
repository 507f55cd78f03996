package client

import (
	"sync"

	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

// VersionTracker maintains the per-topic monotonic state version counters
// for one session and detects missed updates.
type VersionTracker struct {
	mu       sync.Mutex
	versions map[string]int64
}

// NewVersionTracker creates an empty tracker
func NewVersionTracker() *VersionTracker {
	return &VersionTracker{versions: make(map[string]int64)}
}

// Seed replaces the tracker contents from a snapshot (handshake or resync)
func (t *VersionTracker) Seed(snap protocol.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.versions = make(map[string]int64, len(snap.StateVersion))
	for topic, v := range snap.StateVersion {
		t.versions[topic] = v
	}
}

// Apply accepts an incoming event version for a topic. The first
// observation for a topic is accepted as-is; afterwards only the exact
// successor applies. An equal version is a duplicate and is a no-op.
// Anything else is a gap: the tracker is left untouched and the caller
// must resync.
func (t *VersionTracker) Apply(topic string, version int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, seen := t.versions[topic]
	if !seen {
		t.versions[topic] = version
		return nil
	}
	switch {
	case version == current:
		return nil // duplicate delivery
	case version == current+1:
		t.versions[topic] = version
		return nil
	default:
		return &VersionGapError{Topic: topic, Have: current, Got: version}
	}
}

// Current returns the tracked version for a topic (0 if never seen)
func (t *VersionTracker) Current(topic string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.versions[topic]
}
