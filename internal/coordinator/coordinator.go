// Package coordinator implements the session-boundary state machine.
//
// One coordinator instance per process consumes lifecycle and acquisition
// events, applies the dedup/wait/timeout rules, and emits finalized hits
// to a Sink. All event handling and timer callbacks execute strictly
// one-at-a-time on a single worker goroutine consuming an ordered queue;
// sessionState needs no locking because nothing else touches it.
//
// Dispatch is fire-and-forget: callers never block on handling, and a
// full queue drops the event (at-most-once delivery; a dropped event
// simply produces no hit).
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solatis/hitkeeper/internal/core/config"
	"github.com/solatis/hitkeeper/internal/request"
	"github.com/solatis/hitkeeper/internal/sharedstate"
	"github.com/solatis/hitkeeper/internal/types"
)

const (
	// defaultPauseStartTimeout caps the session-continuation window: a
	// START within min(maxSessionLength, this) of the last PAUSE is the
	// same session resuming, not a new one.
	defaultPauseStartTimeout = 1 * time.Second

	// lifecycleResponseWait bounds how long an accepted START waits for
	// late-arriving lifecycle data before the deferred hit is flushed.
	lifecycleResponseWait = 1 * time.Second
)

// Analytics var names attached to internally tracked hits.
const (
	varLinkType      = "pe"
	varLinkName      = "pev2"
	varTimestamp     = "ts"
	varDebugSession  = "asid"
	linkTypeInternal = "lnk_o"
	linkLifecycle    = "internal:lifecycle"
	linkAcquisition  = "internal:acquisition"
)

// Coordinator owns the session state machine. Construct with New, then
// Start before dispatching events.
type Coordinator struct {
	provider sharedstate.Provider
	sink     Sink
	cfg      *config.AnalyticsConfig
	log      *slog.Logger

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	seq    atomic.Uint64

	// session is worker-private after Start.
	session sessionState
}

// New creates a coordinator with its dependencies.
func New(provider sharedstate.Provider, sink Sink, cfg *config.AnalyticsConfig, log *slog.Logger) (*Coordinator, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Coordinator{
		provider: provider,
		sink:     sink,
		cfg:      cfg,
		log:      log.With("component", "coordinator"),
		events:   make(chan Event, cfg.QueueSize),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the serial worker. ctx bounds sink operations performed
// while handling events; canceling it does not stop the worker, Close
// does.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Close stops the worker after the event currently being handled
// completes. Pending timers are canceled; queued events are discarded.
// Safe to call more than once.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// Dispatch enqueues an event for serial handling. Never blocks: a full
// queue returns ErrQueueFull and the event is dropped with a warning.
func (c *Coordinator) Dispatch(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.seq = c.seq.Add(1)
	return c.post(ev)
}

// Seq returns the sequence number that will barrier the next dispatched
// event. Shared-state writers use it to version their updates.
func (c *Coordinator) Seq() uint64 {
	return c.seq.Load()
}

func (c *Coordinator) post(ev Event) error {
	select {
	case <-c.done:
		return types.ErrCoordinatorClosed
	default:
	}

	select {
	case c.events <- ev:
		return nil
	default:
		c.log.Warn("event queue full, dropping event", "kind", ev.Kind.String())
		return types.ErrQueueFull
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			c.session.clearLifecycleWait()
			c.session.clearReferrerWait()
			return
		case ev := <-c.events:
			c.handle(ctx, &ev)
		}
	}
}

// handle dispatches one event to its transition. Guard failures are soft:
// malformed payloads log and return without mutating state.
func (c *Coordinator) handle(ctx context.Context, ev *Event) {
	switch ev.Kind {
	case KindLifecycleRequest:
		c.handleLifecycleRequest(ev)
	case KindLifecycleResponse:
		c.handleLifecycleResponse(ctx, ev)
	case KindAcquisitionResponse:
		c.handleAcquisitionResponse(ctx, ev)
	case KindAcquisitionWait:
		c.handleAcquisitionWait(ev)
	case KindSharedState:
		c.log.Debug("shared state updated", "owner", ev.StateOwner)
	case kindTimerFired:
		c.handleTimerFired(ctx, ev)
	default:
		c.log.Debug("ignoring unknown event kind", "kind", int(ev.Kind))
	}
}

func (c *Coordinator) handleLifecycleRequest(ev *Event) {
	switch ev.Action {
	case types.ActionStart:
		c.handleStart(ev)
	case types.ActionPause:
		c.handlePause(ev)
	case "":
		c.log.Debug("dropping lifecycle request", "err", types.ErrMissingAction)
	default:
		c.log.Debug("dropping lifecycle request", "err", types.ErrUnknownAction, "action", ev.Action)
	}
}

// handleStart applies the session-continuation dedup window, then begins
// the bounded wait for lifecycle data.
func (c *Coordinator) handleStart(ev *Event) {
	s := &c.session

	snap := sharedstate.Build(c.provider, ev.seq, false)
	window := snap.LifecycleMaxSessionLength
	if window > defaultPauseStartTimeout {
		window = defaultPauseStartTimeout
	}

	ignore := false
	if !s.lifecyclePreviousPause.IsZero() {
		ignore = ev.Timestamp.Sub(s.lifecyclePreviousPause) < window
	}

	if s.lifecycleTimerRunning || ignore {
		c.log.Debug("dropping lifecycle start",
			"timerRunning", s.lifecycleTimerRunning,
			"withinPauseWindow", ignore)
		return
	}

	s.lifecycleTimerRunning = true
	s.pendingLifecycleTimer = c.schedule(timerLifecycle, lifecycleResponseWait)
}

// handlePause always wins: no guard conditions. It ends any pending
// waits and records the pause timestamp for the next start's dedup check.
func (c *Coordinator) handlePause(ev *Event) {
	s := &c.session
	s.clearReferrerWait()
	s.clearLifecycleWait()
	s.lifecyclePreviousPause = ev.Timestamp
}

// handleLifecycleResponse finalizes the lifecycle hit. This is the
// terminal action of the lifecycle wait, but it is driven by the
// independent response event, not by the wait timer.
func (c *Coordinator) handleLifecycleResponse(ctx context.Context, ev *Event) {
	s := &c.session

	if !ev.PreviousSessionPause.IsZero() {
		s.lifecyclePreviousSessionPause = ev.PreviousSessionPause
	}
	s.clearLifecycleWait()

	snap := sharedstate.Build(c.provider, ev.seq, true)

	data := mergeContextData(snap.LifecycleContextData, ev.ContextData, snap.PlacesContextData)
	if err := validateContextData(data); err != nil {
		c.log.Debug("invalid lifecycle context data, ignoring", "err", err)
		return
	}

	held := snap.ReferrerTimeout > 0
	c.track(ctx, snap, data, linkLifecycle, ev.Timestamp, held)

	// A held hit must never be stranded: begin the referrer wait here so
	// either the acquisition response or its timeout releases it.
	if held && !s.referrerTimerRunning {
		s.referrerTimerRunning = true
		s.pendingReferrerTimer = c.schedule(timerReferrer, snap.ReferrerTimeout)
	}
}

// handleAcquisitionWait begins the referrer wait on behalf of an external
// caller. Starting a new wait while one is pending is a guarded no-op,
// not an implicit cancel-and-replace.
func (c *Coordinator) handleAcquisitionWait(ev *Event) {
	s := &c.session
	if s.referrerTimerRunning {
		c.log.Debug("referrer wait already running, ignoring")
		return
	}

	timeout := ev.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ReferrerTimeout
	}
	if timeout <= 0 {
		c.log.Debug("referrer wait disabled, ignoring")
		return
	}

	s.referrerTimerRunning = true
	s.pendingReferrerTimer = c.schedule(timerReferrer, timeout)
}

// handleAcquisitionResponse merges late-arriving attribution data into
// the pending hit, or tracks it as a fresh acquisition request when no
// wait is running (a response after the window expired is not discarded).
func (c *Coordinator) handleAcquisitionResponse(ctx context.Context, ev *Event) {
	s := &c.session

	if len(ev.ContextData) == 0 {
		c.log.Debug("dropping acquisition response", "err", types.ErrEmptyContextData)
		return
	}
	if err := validateContextData(ev.ContextData); err != nil {
		c.log.Debug("invalid acquisition context data, ignoring", "err", err)
		return
	}

	if s.referrerTimerRunning {
		s.clearReferrerWait()
		if err := c.sink.MergeContextIntoPending(ctx, ev.ContextData); err != nil {
			c.log.Warn("failed to merge acquisition data into pending hit", "err", err)
		}
		return
	}

	snap := sharedstate.Build(c.provider, ev.seq, true)
	c.track(ctx, snap, ev.ContextData, linkAcquisition, ev.Timestamp, false)
}

// handleTimerFired processes a timer expiry posted onto the queue. A
// handle that no longer matches the session's pending handle lost a race
// with Cancel and is ignored.
func (c *Coordinator) handleTimerFired(ctx context.Context, ev *Event) {
	s := &c.session

	switch ev.timer.kind {
	case timerLifecycle:
		if ev.timer != s.pendingLifecycleTimer {
			return
		}
		s.pendingLifecycleTimer = nil
		s.lifecycleTimerRunning = false
		c.log.Warn("lifecycle response timed out, flushing deferred hit")
		c.kick(ctx)
	case timerReferrer:
		if ev.timer != s.pendingReferrerTimer {
			return
		}
		s.pendingReferrerTimer = nil
		s.referrerTimerRunning = false
		c.log.Warn("acquisition data timed out, flushing without enrichment")
		c.kick(ctx)
	}
}

// track serializes and emits one hit.
func (c *Coordinator) track(ctx context.Context, snap *sharedstate.Snapshot, data map[string]string, link string, ts time.Time, held bool) {
	vars := map[string]string{
		varLinkType:  linkTypeInternal,
		varLinkName:  link,
		varTimestamp: strconv.FormatInt(ts.Unix(), 10),
	}
	if snap.AssuranceSessionID != "" {
		vars[varDebugSession] = snap.AssuranceSessionID
	}

	hit := types.Hit{
		ID:          types.NewHitID(),
		RequestBody: request.Build(snap, data, vars),
		Timestamp:   ts,
	}
	if err := c.sink.Emit(ctx, hit, held); err != nil {
		c.log.Warn("failed to emit hit", "hitID", string(hit.ID), "err", err)
	}
}

func (c *Coordinator) kick(ctx context.Context) {
	if err := c.sink.Kick(ctx); err != nil {
		c.log.Warn("failed to kick hit sink", "err", err)
	}
}

// mergeContextData overlays maps left to right; later maps win on key
// collisions. Nil maps contribute nothing.
func mergeContextData(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// validateContextData enforces the resource limits from types. Oversized
// payloads are rejected whole rather than silently truncated.
func validateContextData(data map[string]string) error {
	if len(data) > types.MaxContextDataPairs {
		return types.ErrContextDataTooLarge
	}
	for k, v := range data {
		if len(k) > types.MaxContextDataKeyLength || len(v) > types.MaxContextDataValueLength {
			return types.ErrContextDataTooLarge
		}
	}
	return nil
}
