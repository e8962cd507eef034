package coordinator

import (
	"time"
)

// Kind tags an inbound event. The set is closed: dispatch is a pattern
// match over these tags, not listener registration, so there are no
// hidden registration-order dependencies.
type Kind int

const (
	// KindLifecycleRequest is a session boundary signal; Action carries
	// START or PAUSE.
	KindLifecycleRequest Kind = iota

	// KindLifecycleResponse carries finalized lifecycle data, including
	// the previous-session pause timestamp.
	KindLifecycleResponse

	// KindAcquisitionResponse carries referrer/attribution context data.
	KindAcquisitionResponse

	// KindAcquisitionWait asks the coordinator to hold the next flush
	// until acquisition data arrives or Timeout expires.
	KindAcquisitionWait

	// KindSharedState notifies that StateOwner published new shared
	// state. Snapshots are rebuilt per event, so this is informational.
	KindSharedState

	// kindTimerFired is internal: a pending timer expired. Posted onto
	// the same queue as real events to preserve total ordering.
	kindTimerFired
)

// String implements fmt.Stringer for log output.
func (k Kind) String() string {
	switch k {
	case KindLifecycleRequest:
		return "lifecycle-request"
	case KindLifecycleResponse:
		return "lifecycle-response"
	case KindAcquisitionResponse:
		return "acquisition-response"
	case KindAcquisitionWait:
		return "acquisition-wait"
	case KindSharedState:
		return "shared-state"
	case kindTimerFired:
		return "timer-fired"
	default:
		return "unknown"
	}
}

// Event is the immutable value dispatched into the coordinator. Only the
// fields relevant to its Kind are read; the rest stay zero.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// Action is START or PAUSE for lifecycle requests.
	Action string

	// PreviousSessionPause marks the prior session's boundary on
	// lifecycle responses.
	PreviousSessionPause time.Time

	// ContextData carries lifecycle or acquisition key/value payloads.
	ContextData map[string]string

	// StateOwner names the dependency that changed on shared-state
	// notifications.
	StateOwner string

	// Timeout bounds an acquisition wait; zero falls back to the
	// configured referrer timeout.
	Timeout time.Duration

	// seq is the dispatch sequence, stamped by the coordinator. It is
	// the barrier for shared-state reads while handling this event.
	seq uint64

	// timer identifies the handle that fired, for kindTimerFired only.
	timer *timerHandle
}
