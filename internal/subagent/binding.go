// Package subagent routes the results of spawned sub-agent runs: thread
// bindings decided at spawn time, the announce-target resolver, and the
// announce flow that delivers a completed run's output.
package subagent

import (
	"fmt"
	"strings"
	"time"
)

// Binding modes
const (
	ModeBind   = "bind"   // attach to an existing conversation
	ModeCreate = "create" // create a thread at spawn time
)

// Delivery modes
const (
	DeliveryThreadOnly     = "thread-only"
	DeliveryAnnouncerOnly  = "announcer-only"
	DeliveryThreadAnnounce = "thread+announcer"
)

// ThreadBindingIncompleteError aborts a spawn whose binding cannot
// deliver: bind mode with no target conversation and nothing inferable
// from the requester context.
type ThreadBindingIncompleteError struct {
	Field string
}

func (e *ThreadBindingIncompleteError) Error() string {
	return fmt.Sprintf("thread binding incomplete: missing %s", e.Field)
}

// ThreadDeliveryError wraps a failed post to a bound thread. It is
// logged and triggers the requester fallback, never surfaced as fatal.
type ThreadDeliveryError struct {
	Channel  string
	To       string
	ThreadID string
	Err      error
}

func (e *ThreadDeliveryError) Error() string {
	return fmt.Sprintf("thread delivery to %s/%s thread %s failed: %v", e.Channel, e.To, e.ThreadID, e.Err)
}

func (e *ThreadDeliveryError) Unwrap() error {
	return e.Err
}

// ThreadBinding associates a spawned sub-agent's output with an external
// conversation thread. Bindings are decided at spawn time and read-only
// afterwards, except for recording the created thread ids.
type ThreadBinding struct {
	Channel      string    `json:"channel"`
	AccountID    string    `json:"accountId,omitempty"`
	To           string    `json:"to"`
	ThreadID     string    `json:"threadId,omitempty"`
	ThreadRootID string    `json:"threadRootId,omitempty"`
	Mode         string    `json:"mode"`         // "bind" or "create"
	DeliveryMode string    `json:"deliveryMode"` // thread-only | announcer-only | thread+announcer
	BoundAt      time.Time `json:"boundAt"`
	CreatedBy    string    `json:"createdBy,omitempty"`
	Label        string    `json:"label,omitempty"`
}

// BindingSpec is the caller-supplied, loosely filled binding request
type BindingSpec struct {
	Channel      string
	AccountID    string
	To           string
	ThreadID     string
	Mode         string
	DeliveryMode string
	CreatedBy    string
	Label        string
}

// NewThreadBinding validates a binding spec at spawn time. inferredTo is
// the requester's own conversation id, used when spec names no target.
// Bind mode with no target and nothing inferable fails with
// ThreadBindingIncompleteError; nothing partial is ever returned.
func NewThreadBinding(spec BindingSpec, inferredTo string) (*ThreadBinding, error) {
	mode := spec.Mode
	if mode == "" {
		mode = ModeBind
	}
	if mode != ModeBind && mode != ModeCreate {
		return nil, fmt.Errorf("invalid binding mode %q", mode)
	}

	delivery := spec.DeliveryMode
	if delivery == "" {
		delivery = DeliveryThreadOnly
	}
	switch delivery {
	case DeliveryThreadOnly, DeliveryAnnouncerOnly, DeliveryThreadAnnounce:
	default:
		return nil, fmt.Errorf("invalid delivery mode %q", delivery)
	}

	if strings.TrimSpace(spec.Channel) == "" {
		return nil, &ThreadBindingIncompleteError{Field: "channel"}
	}

	to := strings.TrimSpace(spec.To)
	if to == "" {
		to = strings.TrimSpace(inferredTo)
	}
	if to == "" {
		return nil, &ThreadBindingIncompleteError{Field: "to"}
	}

	return &ThreadBinding{
		Channel:      spec.Channel,
		AccountID:    spec.AccountID,
		To:           to,
		ThreadID:     strings.TrimSpace(spec.ThreadID),
		Mode:         mode,
		DeliveryMode: delivery,
		BoundAt:      time.Now().UTC(),
		CreatedBy:    spec.CreatedBy,
		Label:        spec.Label,
	}, nil
}

// Complete reports whether the binding can deliver to its thread
func (b *ThreadBinding) Complete() bool {
	return b != nil && strings.TrimSpace(b.To) != ""
}
