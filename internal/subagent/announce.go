package subagent

import (
	"context"
	"fmt"
	"strings"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Run outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeTimedOut  = "timedOut"
	OutcomeFailed    = "failed"
)

// ThreadInfo is the result of creating a thread
type ThreadInfo struct {
	ThreadID     string
	ThreadRootID string
	MessageID    string
}

// ThreadStatus is the result of validating a thread
type ThreadStatus struct {
	Exists   bool
	Archived bool
}

// ChannelThreadOperations is the per-channel thread contract, implemented
// by channel plugins outside this package.
type ChannelThreadOperations interface {
	CreateThread(ctx context.Context, to, accountID, initialMessage string) (ThreadInfo, error)
	ValidateThread(ctx context.Context, to, accountID, threadID string) (ThreadStatus, error)
	NormalizeThreadID(id string) string
}

// Delivery is one platform send through the generic reply-routing primitive
type Delivery struct {
	Channel   string
	To        string
	ThreadID  string
	AccountID string
	Payload   string
}

// Deliverer performs the platform-specific send
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// RequesterAnnouncer is the existing announce path back to the spawning
// session's channel (summarization happens behind this interface).
type RequesterAnnouncer interface {
	AnnounceToRequester(ctx context.Context, run RunResult, statusLine string) error
}

// RunResult describes one finished sub-agent run
type RunResult struct {
	RunID     string
	AgentID   string
	SessionID string
	Outcome   string // completed | timedOut | failed | other
	Reply     string // agent's final reply text, may be empty
	Error     string // failure detail when Outcome != completed
	Binding   *ThreadBinding
}

// StatusLine renders the one-line run summary used in announcements
func StatusLine(run RunResult) string {
	var status string
	switch run.Outcome {
	case OutcomeCompleted:
		status = "completed"
	case OutcomeTimedOut:
		status = "timed out"
	case OutcomeFailed:
		status = "failed"
	default:
		status = run.Outcome
	}

	line := fmt.Sprintf("Sub-agent %s %s", run.AgentID, status)
	if run.Error != "" && run.Outcome != OutcomeCompleted {
		line += ": " + run.Error
	}
	return line
}

// Announcer executes the routing decision for completed runs
type Announcer struct {
	threads   ChannelThreadOperations
	deliver   Deliverer
	requester RequesterAnnouncer
	store     *Store // optional; records announce outcomes when set
}

// NewAnnouncer wires the announce flow to its collaborators. store may
// be nil when run persistence is disabled.
func NewAnnouncer(threads ChannelThreadOperations, deliver Deliverer, requester RequesterAnnouncer, store *Store) *Announcer {
	return &Announcer{threads: threads, deliver: deliver, requester: requester, store: store}
}

// PrepareBinding validates a binding spec at spawn time. Create mode
// makes the thread immediately and records its ids on the binding before
// anything is persisted, so `to` and `threadId` are never backfilled at
// first use.
func (a *Announcer) PrepareBinding(ctx context.Context, spec BindingSpec, inferredTo, initialMessage string) (*ThreadBinding, error) {
	binding, err := NewThreadBinding(spec, inferredTo)
	if err != nil {
		return nil, err
	}

	if binding.Mode == ModeCreate {
		info, err := a.threads.CreateThread(ctx, binding.To, binding.AccountID, initialMessage)
		if err != nil {
			return nil, fmt.Errorf("create thread on %s: %w", binding.Channel, err)
		}
		binding.ThreadID = a.threads.NormalizeThreadID(info.ThreadID)
		binding.ThreadRootID = info.ThreadRootID
		L_info("subagent: thread created",
			"channel", binding.Channel, "to", binding.To, "thread", binding.ThreadID)
	} else if binding.ThreadID != "" {
		binding.ThreadID = a.threads.NormalizeThreadID(binding.ThreadID)
	}

	return binding, nil
}

// Announce delivers a finished run per its resolved target. The thread
// post is awaited before the fallback decision; when both paths are
// required they run independently and neither failure cancels the other.
// Errors never escape: a completion notice is at worst rerouted, not lost.
func (a *Announcer) Announce(ctx context.Context, run RunResult) {
	target := ResolveTarget(run.Binding)
	statusLine := StatusLine(run)
	L_debug("subagent: announcing run",
		"run", run.RunID, "outcome", run.Outcome, "target", target.String())

	announceRequester := target == TargetRequester || target == TargetBoth

	if target == TargetThread || target == TargetBoth {
		if err := a.postToThread(ctx, run, statusLine); err != nil {
			L_warn("subagent: thread post failed, falling back to requester", "run", run.RunID, "error", err)
			announceRequester = true
		}
	}

	if announceRequester {
		a.announceRequester(ctx, run, statusLine)
	}

	if a.store != nil {
		if err := a.store.MarkAnnounced(ctx, run.RunID, target.String()); err != nil {
			L_warn("subagent: failed to record announce", "run", run.RunID, "error", err)
		}
	}
}

// postToThread sends the run's own output straight into the bound thread.
// No re-prompt happens here; the sub-agent's reply is the message.
func (a *Announcer) postToThread(ctx context.Context, run RunResult, statusLine string) error {
	binding := run.Binding

	payload := statusLine
	if strings.TrimSpace(run.Reply) != "" {
		payload = statusLine + "\n\n" + run.Reply
	}

	err := a.deliver.Deliver(ctx, Delivery{
		Channel:   binding.Channel,
		To:        binding.To,
		ThreadID:  binding.ThreadID,
		AccountID: binding.AccountID,
		Payload:   payload,
	})
	if err != nil {
		return &ThreadDeliveryError{
			Channel:  binding.Channel,
			To:       binding.To,
			ThreadID: binding.ThreadID,
			Err:      err,
		}
	}
	return nil
}

func (a *Announcer) announceRequester(ctx context.Context, run RunResult, statusLine string) {
	defer func() {
		if r := recover(); r != nil {
			L_error("subagent: requester announce panic", "run", run.RunID, "panic", r)
		}
	}()

	if err := a.requester.AnnounceToRequester(ctx, run, statusLine); err != nil {
		L_warn("subagent: requester announce failed", "run", run.RunID, "error", err)
	}
}
