package fsm

import (
	"slices"
	"time"

	"github.com/raceline/raceline/pkg/signal"
)

// Status is the derived race status for one race key.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusWarning     Status = "warning"
	StatusPreparatory Status = "preparatory"
	StatusOneMinute   Status = "one_minute"
	StatusRacing      Status = "racing"
	StatusFinished    Status = "finished"
	StatusPostponed   Status = "postponed"
	StatusAbandoned   Status = "abandoned"
)

// RaceState is the derived, cacheable view of one race key. It is a pure
// function of the signal list up to LastSequenceNo.
type RaceState struct {
	RaceKey signal.RaceKey `json:"race_key"`
	Status  Status         `json:"status"`

	// ActiveFlags are the flags still flying, i.e. not yet superseded.
	ActiveFlags []string `json:"active_flags,omitempty"`

	LastSignalID   string    `json:"last_signal_id,omitempty"`
	LastSequenceNo uint64    `json:"last_sequence_no"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// Initial returns the state of a race that has no signals.
func Initial(key signal.RaceKey) RaceState {
	return RaceState{RaceKey: key, Status: StatusIdle}
}

// preStart reports whether the status is a scheduled phase before the start.
func preStart(s Status) bool {
	return s == StatusWarning || s == StatusPreparatory || s == StatusOneMinute
}

// Apply folds one signal into the previous state. It is total: every
// (status, kind) pair produces a defined next state, defaulting to "signal
// noted, status unchanged".
func Apply(prev RaceState, sig signal.Signal) RaceState {
	next := prev
	next.Status = nextStatus(prev.Status, sig.Kind)
	next.ActiveFlags = nextFlags(prev.Status, prev.ActiveFlags, sig)
	next.LastSignalID = sig.ID
	next.LastSequenceNo = sig.SequenceNo
	next.UpdatedAt = sig.IssuedAt
	return next
}

// Replay folds a full signal history into a state. Signals must be in
// sequence order.
func Replay(key signal.RaceKey, sigs []signal.Signal) RaceState {
	state := Initial(key)
	for _, sig := range sigs {
		state = Apply(state, sig)
	}
	return state
}

func nextStatus(status Status, kind signal.Kind) Status {
	switch kind {
	case signal.KindWarning:
		// A warning begins or restarts a sequence. Once boats are racing or
		// finished, a stray warning does not reset the race.
		if status == StatusRacing || status == StatusFinished {
			return status
		}
		return StatusWarning

	case signal.KindPreparatory:
		if status == StatusWarning {
			return StatusPreparatory
		}

	case signal.KindOneMinute:
		if status == StatusPreparatory {
			return StatusOneMinute
		}

	case signal.KindStart:
		if status == StatusOneMinute {
			return StatusRacing
		}

	case signal.KindFinish:
		if status == StatusRacing {
			return StatusFinished
		}

	case signal.KindGeneralRecall:
		if preStart(status) || status == StatusRacing {
			return StatusIdle
		}

	case signal.KindPostponement:
		if status == StatusIdle || preStart(status) {
			return StatusPostponed
		}

	case signal.KindAbandonment:
		if status != StatusFinished && status != StatusAbandoned {
			return StatusAbandoned
		}
	}
	return status
}

func nextFlags(status Status, active []string, sig signal.Signal) []string {
	switch sig.Kind {
	case signal.KindWarning:
		if status == StatusRacing || status == StatusFinished {
			return active
		}
		// New hoist: the class flag replaces whatever was flying (AP, First
		// Substitute, and so on come down for the fresh sequence).
		return slices.Clone(sig.Flags)

	case signal.KindPreparatory:
		return appendFlags(active, sig.Flags)

	case signal.KindOneMinute:
		return removeFlags(active, signal.PreparatoryFlags)

	case signal.KindStart, signal.KindFinish:
		return nil

	case signal.KindIndividualRecall, signal.KindShortenedCourse:
		return appendFlags(active, sig.Flags)

	case signal.KindGeneralRecall, signal.KindPostponement, signal.KindAbandonment:
		return slices.Clone(sig.Flags)
	}
	return active
}

func appendFlags(active []string, add []string) []string {
	out := slices.Clone(active)
	for _, f := range add {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

func removeFlags(active []string, drop []string) []string {
	var out []string
	for _, f := range active {
		if !slices.Contains(drop, f) {
			out = append(out, f)
		}
	}
	return out
}
