// Package failsafe implements a pure evaluator that can override the
// allocator's self-allocation when the node can no longer trust its view
// of the group, plus a thin stateful wrapper that republishes a Decision
// only when it actually changes.
//
// The pure-function-plus-edge-triggered-wrapper shape mirrors the
// allocator package's own split and the ingestor's edge-triggered
// Signals, both following the same poller/signal conventions.
package failsafe

import (
	"github.com/openevse/loadshare/internal/decamp"
	"github.com/openevse/loadshare/internal/models"
)

// Input captures everything the failsafe rules need to evaluate.
type Input struct {
	JoinedPeerCount       int
	AllOfflineAmongJoined bool
	SelfHasValidStatus    bool
	AllocatorSelfA        float64
	Mode                  models.FailsafeMode
	SafeCurrentA          float64
}

// Decision is the evaluator's output.
type Decision struct {
	Active bool
	SelfA  float64
	Reason string
}

const (
	ReasonNotEngaged   = "not_engaged"
	ReasonAllOffline   = "all_peers_offline"
	ReasonNoSelfStatus = "no_self_status"
)

// Evaluate applies the failsafe rules in order.
func Evaluate(in Input) Decision {
	if in.JoinedPeerCount == 0 {
		return Decision{Active: false, SelfA: in.AllocatorSelfA, Reason: ReasonNotEngaged}
	}

	engaged := in.AllOfflineAmongJoined || !in.SelfHasValidStatus

	if !engaged {
		return Decision{Active: false, SelfA: in.AllocatorSelfA, Reason: ReasonNotEngaged}
	}

	reason := ReasonAllOffline
	if !in.SelfHasValidStatus {
		reason = ReasonNoSelfStatus
	}

	switch in.Mode {
	case models.FailsafeModeDisable:
		return Decision{Active: true, SelfA: 0, Reason: reason}
	default: // FailsafeModeSafeCurrent
		allocated := decamp.FromFloat(in.AllocatorSelfA)
		safe := decamp.FromFloat(in.SafeCurrentA)

		return Decision{Active: true, SelfA: decamp.Min(allocated, safe).Float64(), Reason: reason}
	}
}

// Supervisor wraps Evaluate with change-detection: every call returns the
// Decision together with a flag telling whether it differs from the
// previous one, so callers need not re-derive diffs at every call site.
type Supervisor struct {
	last    Decision
	hasLast bool
}

// Apply evaluates in and reports the Decision plus whether it changed
// since the last Apply call.
func (s *Supervisor) Apply(in Input) (Decision, bool) {
	d := Evaluate(in)

	changed := !s.hasLast || d.Active != s.last.Active || d.SelfA != s.last.SelfA || d.Reason != s.last.Reason

	s.last = d
	s.hasLast = true

	return d, changed
}
