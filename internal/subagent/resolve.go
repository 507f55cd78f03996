package subagent

import (
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// AnnounceTarget says where a completed run's output goes
type AnnounceTarget int

const (
	TargetRequester AnnounceTarget = iota
	TargetThread
	TargetBoth
)

func (t AnnounceTarget) String() string {
	switch t {
	case TargetThread:
		return "thread"
	case TargetBoth:
		return "both"
	default:
		return "requester"
	}
}

// ResolveTarget maps a run's thread binding to its announce target. A
// binding that lost its target conversation degrades to the requester
// path; spawn-time validation makes that a should-not-happen case.
func ResolveTarget(binding *ThreadBinding) AnnounceTarget {
	if binding == nil || binding.DeliveryMode == DeliveryAnnouncerOnly {
		return TargetRequester
	}

	if !binding.Complete() {
		L_warn("subagent: binding lost its target, degrading to requester",
			"channel", binding.Channel, "label", binding.Label)
		return TargetRequester
	}

	switch binding.DeliveryMode {
	case DeliveryThreadOnly:
		return TargetThread
	case DeliveryThreadAnnounce:
		return TargetBoth
	default:
		return TargetRequester
	}
}
