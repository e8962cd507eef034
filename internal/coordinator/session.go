package coordinator

import "time"

// sessionState is the coordinator's private mutable record. Created once
// at construction, mutated only by the worker goroutine, never destroyed.
//
// Invariants:
//   - lifecycleTimerRunning is true only between an accepted START and
//     either the lifecycle response arriving or the wait timing out.
//   - referrerTimerRunning is true only between an acquisition-wait start
//     and a matching response, its timeout, or a pause.
//   - lifecyclePreviousPause is set only by PAUSE and read only by the
//     next START's dedup check; it is not an ongoing session timer.
type sessionState struct {
	lifecycleTimerRunning bool
	referrerTimerRunning  bool

	lifecyclePreviousPause        time.Time
	lifecyclePreviousSessionPause time.Time

	pendingLifecycleTimer *timerHandle
	pendingReferrerTimer  *timerHandle
}

// clearLifecycleWait cancels any pending lifecycle timer and resets the
// lifecycle axis to idle.
func (s *sessionState) clearLifecycleWait() {
	s.pendingLifecycleTimer.Cancel()
	s.pendingLifecycleTimer = nil
	s.lifecycleTimerRunning = false
}

// clearReferrerWait cancels any pending referrer timer and resets the
// referrer axis to idle.
func (s *sessionState) clearReferrerWait() {
	s.pendingReferrerTimer.Cancel()
	s.pendingReferrerTimer = nil
	s.referrerTimerRunning = false
}
