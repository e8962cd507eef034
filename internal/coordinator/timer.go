package coordinator

import "time"

// timerKind distinguishes the two pending timers a session may hold.
type timerKind int

const (
	timerLifecycle timerKind = iota
	timerReferrer
)

// timerHandle is a cancelable one-shot timer whose fire callback posts a
// kindTimerFired event onto the coordinator's serial queue. All state
// mutation therefore happens on the worker, never on the timer goroutine.
//
// Cancel is idempotent; canceling after the fire already posted is a
// no-op. The worker additionally identity-checks a fired handle against
// the session's pending handle, so a fire that lost the race with Cancel
// is discarded on arrival.
type timerHandle struct {
	kind timerKind
	t    *time.Timer
}

// schedule arms a timer of the given kind. The fired event is dropped if
// the coordinator is already closed.
func (c *Coordinator) schedule(kind timerKind, d time.Duration) *timerHandle {
	h := &timerHandle{kind: kind}
	h.t = time.AfterFunc(d, func() {
		c.post(Event{Kind: kindTimerFired, Timestamp: time.Now(), timer: h})
	})
	return h
}

// Cancel stops the timer if it has not fired. Safe on nil handles.
func (h *timerHandle) Cancel() {
	if h == nil {
		return
	}
	h.t.Stop()
}
