package client

import (
	"errors"
	"testing"

	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

func TestApplyFirstObservation(t *testing.T) {
	tr := NewVersionTracker()
	if err := tr.Apply("presence", 7); err != nil {
		t.Fatalf("first observation rejected: %v", err)
	}
	if tr.Current("presence") != 7 {
		t.Errorf("version not recorded: %d", tr.Current("presence"))
	}
}

func TestApplyDuplicateIsNoOp(t *testing.T) {
	tr := NewVersionTracker()
	tr.Apply("presence", 3)
	if err := tr.Apply("presence", 3); err != nil {
		t.Errorf("duplicate rejected: %v", err)
	}
	if tr.Current("presence") != 3 {
		t.Errorf("duplicate changed version: %d", tr.Current("presence"))
	}
}

func TestApplySuccessor(t *testing.T) {
	tr := NewVersionTracker()
	tr.Apply("presence", 3)
	if err := tr.Apply("presence", 4); err != nil {
		t.Fatalf("successor rejected: %v", err)
	}
	if tr.Current("presence") != 4 {
		t.Errorf("successor not applied: %d", tr.Current("presence"))
	}
}

func TestApplyGapLeavesTrackerUntouched(t *testing.T) {
	tr := NewVersionTracker()
	tr.Apply("presence", 3)

	err := tr.Apply("presence", 6)
	var gap *VersionGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected VersionGapError, got %v", err)
	}
	if gap.Topic != "presence" || gap.Have != 3 || gap.Got != 6 {
		t.Errorf("gap fields wrong: %+v", gap)
	}
	if tr.Current("presence") != 3 {
		t.Errorf("gap mutated tracker: %d", tr.Current("presence"))
	}

	// Regression is also a gap
	if err := tr.Apply("presence", 2); err == nil {
		t.Error("regression accepted")
	}
}

func TestVersionsMonotonicPerSession(t *testing.T) {
	tr := NewVersionTracker()
	last := int64(0)
	for v := int64(1); v <= 50; v++ {
		if err := tr.Apply("presence", v); err != nil {
			t.Fatalf("version %d rejected: %v", v, err)
		}
		if tr.Current("presence") < last {
			t.Fatalf("version regressed: %d < %d", tr.Current("presence"), last)
		}
		last = tr.Current("presence")
	}
}

func TestSeedReplacesState(t *testing.T) {
	tr := NewVersionTracker()
	tr.Apply("presence", 3)
	tr.Apply("weather", 9)

	tr.Seed(protocol.Snapshot{StateVersion: map[string]int64{"presence": 10}})

	if tr.Current("presence") != 10 {
		t.Errorf("seed did not apply: %d", tr.Current("presence"))
	}
	if tr.Current("weather") != 0 {
		t.Errorf("seed kept stale topic: %d", tr.Current("weather"))
	}
	if err := tr.Apply("presence", 11); err != nil {
		t.Errorf("successor after seed rejected: %v", err)
	}
}
