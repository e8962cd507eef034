package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/solatis/hitkeeper/internal/core/config"
	"github.com/solatis/hitkeeper/internal/sharedstate"
	"github.com/solatis/hitkeeper/internal/types"
)

type emitCall struct {
	hit  types.Hit
	held bool
}

// fakeSink records sink calls for assertions.
type fakeSink struct {
	mu      sync.Mutex
	emitted []emitCall
	merged  []map[string]string
	kicks   int
	emitCh  chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{emitCh: make(chan struct{}, 16)}
}

func (f *fakeSink) Emit(ctx context.Context, hit types.Hit, held bool) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, emitCall{hit: hit, held: held})
	f.mu.Unlock()
	f.emitCh <- struct{}{}
	return nil
}

func (f *fakeSink) MergeContextIntoPending(ctx context.Context, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, data)
	return nil
}

func (f *fakeSink) Kick(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks++
	return nil
}

func (f *fakeSink) counts() (emits, merges, kicks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emitted), len(f.merged), f.kicks
}

func newTestCoordinator(t *testing.T, states sharedstate.Provider) (*Coordinator, *fakeSink) {
	t.Helper()
	sink := newFakeSink()
	c, err := New(states, sink, config.DefaultAnalyticsConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		c.session.clearLifecycleWait()
		c.session.clearReferrerWait()
	})
	return c, sink
}

func TestNew_NilGuards(t *testing.T) {
	states := sharedstate.NewMemoryStates()
	sink := newFakeSink()
	cfg := config.DefaultAnalyticsConfig()

	if _, err := New(nil, sink, cfg, nil); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := New(states, nil, cfg, nil); err == nil {
		t.Error("expected error for nil sink")
	}
	if _, err := New(states, sink, nil, nil); err == nil {
		t.Error("expected error for nil cfg")
	}
}

// Dedup window: a start shortly after a pause resumes the session and is
// dropped; a start after the window begins a new session.
func TestHandleStart_DedupWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1000, 0)

	states := sharedstate.NewMemoryStates()
	states.Set(sharedstate.OwnerConfiguration, 1, map[string]any{
		"lifecycle.sessiontimeout": float64(5),
	})

	t.Run("start within pause window dropped", func(t *testing.T) {
		c, _ := newTestCoordinator(t, states)
		c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionPause, Timestamp: base.Add(100 * time.Second), seq: 2})
		c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionStart, Timestamp: base.Add(100500 * time.Millisecond), seq: 3})

		if c.session.lifecycleTimerRunning {
			t.Error("start within pause window must be dropped")
		}
	})

	t.Run("start beyond pause window accepted", func(t *testing.T) {
		c, _ := newTestCoordinator(t, states)
		c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionPause, Timestamp: base.Add(100 * time.Second), seq: 2})
		c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionStart, Timestamp: base.Add(200 * time.Second), seq: 3})

		if !c.session.lifecycleTimerRunning {
			t.Error("start beyond pause window must be accepted")
		}
		if c.session.pendingLifecycleTimer == nil {
			t.Error("accepted start must schedule the lifecycle wait")
		}
	})

	t.Run("start with no prior pause accepted", func(t *testing.T) {
		c, _ := newTestCoordinator(t, states)
		c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionStart, Timestamp: base, seq: 2})

		if !c.session.lifecycleTimerRunning {
			t.Error("start with no prior pause must be accepted")
		}
	})
}

func TestHandleStart_GuardedWhileWaiting(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, sharedstate.NewMemoryStates())

	c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionStart, Timestamp: time.Unix(1000, 0), seq: 1})
	first := c.session.pendingLifecycleTimer

	c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionStart, Timestamp: time.Unix(1100, 0), seq: 2})
	if c.session.pendingLifecycleTimer != first {
		t.Error("second start must not replace the pending lifecycle timer")
	}
}

func TestHandlePause_AlwaysWins(t *testing.T) {
	ctx := context.Background()
	c, sink := newTestCoordinator(t, sharedstate.NewMemoryStates())
	pauseAt := time.Unix(2000, 0)

	c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionStart, Timestamp: time.Unix(1000, 0), seq: 1})
	c.handle(ctx, &Event{Kind: KindAcquisitionWait, Timeout: time.Hour, seq: 2})
	lifecycleTimer := c.session.pendingLifecycleTimer
	referrerTimer := c.session.pendingReferrerTimer

	c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionPause, Timestamp: pauseAt, seq: 3})

	if c.session.lifecycleTimerRunning || c.session.referrerTimerRunning {
		t.Error("pause must clear both waits")
	}
	if !c.session.lifecyclePreviousPause.Equal(pauseAt) {
		t.Errorf("lifecyclePreviousPause = %v, expected %v", c.session.lifecyclePreviousPause, pauseAt)
	}

	// Stale fires of the canceled handles must be no-ops.
	c.handle(ctx, &Event{Kind: kindTimerFired, timer: lifecycleTimer, seq: 4})
	c.handle(ctx, &Event{Kind: kindTimerFired, timer: referrerTimer, seq: 5})

	if _, _, kicks := sink.counts(); kicks != 0 {
		t.Errorf("stale timer fires caused %d kicks, expected 0", kicks)
	}
}

func TestLifecycleTimeout_FlushesDeferredHit(t *testing.T) {
	ctx := context.Background()
	c, sink := newTestCoordinator(t, sharedstate.NewMemoryStates())

	c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionStart, Timestamp: time.Unix(1000, 0), seq: 1})
	pending := c.session.pendingLifecycleTimer

	c.handle(ctx, &Event{Kind: kindTimerFired, timer: pending, seq: 2})

	if c.session.lifecycleTimerRunning {
		t.Error("timeout must clear the lifecycle wait")
	}
	if _, _, kicks := sink.counts(); kicks != 1 {
		t.Errorf("kicks = %d, expected 1", kicks)
	}
}

func TestLifecycleResponse_FinalizesHit(t *testing.T) {
	ctx := context.Background()
	prevPause := time.Unix(500, 0)

	states := sharedstate.NewMemoryStates()
	states.Set(sharedstate.OwnerConfiguration, 1, map[string]any{
		"visitoridservice.enabled": true,
	})
	states.Set(sharedstate.OwnerIdentity, 1, map[string]any{
		"visitoridentifiers": []any{
			map[string]any{"id_type": "vid", "id": "abc", "authentication_state": float64(1)},
		},
	})
	states.Set(sharedstate.OwnerLifecycle, 1, map[string]any{
		"lifecyclecontextdata": map[string]any{"a.osversion": "14.2"},
	})

	c, sink := newTestCoordinator(t, states)
	c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionStart, Timestamp: time.Unix(1000, 0), seq: 2})
	c.handle(ctx, &Event{
		Kind:                 KindLifecycleResponse,
		Timestamp:            time.Unix(1001, 0),
		PreviousSessionPause: prevPause,
		ContextData:          map[string]string{"a.launches": "3"},
		seq:                  3,
	})

	if c.session.lifecycleTimerRunning {
		t.Error("lifecycle response must end the wait")
	}
	if !c.session.lifecyclePreviousSessionPause.Equal(prevPause) {
		t.Errorf("lifecyclePreviousSessionPause = %v, expected %v", c.session.lifecyclePreviousSessionPause, prevPause)
	}

	emits, _, kicks := sink.counts()
	if emits != 1 || kicks != 0 {
		t.Fatalf("emits = %d, kicks = %d, expected 1 and 0", emits, kicks)
	}

	body := sink.emitted[0].hit.RequestBody
	if !strings.HasPrefix(body, "ndh=1&cid.vid.id=abc&cid.vid.as=1") {
		t.Errorf("body = %q, visitor-ID block must follow prefix", body)
	}
	for _, fragment := range []string{"c.a.osversion=14.2", "c.a.launches=3", "pev2=internal:lifecycle"} {
		if !strings.Contains(body, fragment) {
			t.Errorf("body = %q, missing %q", body, fragment)
		}
	}
	if sink.emitted[0].held {
		t.Error("hit must not be held without a referrer timeout")
	}
}

func TestLifecycleResponse_HeldWhenReferrerConfigured(t *testing.T) {
	ctx := context.Background()
	states := sharedstate.NewMemoryStates()
	states.Set(sharedstate.OwnerConfiguration, 1, map[string]any{
		"analytics.referrertimeout": float64(3600),
	})

	c, sink := newTestCoordinator(t, states)
	c.handle(ctx, &Event{Kind: KindLifecycleResponse, Timestamp: time.Unix(1000, 0), seq: 2})

	emits, _, _ := sink.counts()
	if emits != 1 {
		t.Fatalf("emits = %d, expected 1", emits)
	}
	if !sink.emitted[0].held {
		t.Error("hit must be held while referrer enrichment is possible")
	}
	if !c.session.referrerTimerRunning {
		t.Error("referrer wait must begin for a held lifecycle hit")
	}
}

// Timer cancellation race: a response before the timer fires cancels it;
// an artificial fire of the stale handle must be a no-op and the fresh
// request path must not run.
func TestAcquisitionResponse_CancelsReferrerWait(t *testing.T) {
	ctx := context.Background()
	c, sink := newTestCoordinator(t, sharedstate.NewMemoryStates())

	c.handle(ctx, &Event{Kind: KindAcquisitionWait, Timeout: time.Hour, seq: 1})
	stale := c.session.pendingReferrerTimer

	c.handle(ctx, &Event{
		Kind:        KindAcquisitionResponse,
		Timestamp:   time.Unix(1000, 0),
		ContextData: map[string]string{"a.referrer.campaign.name": "spring"},
		seq:         2,
	})

	if c.session.referrerTimerRunning {
		t.Error("acquisition response must clear the referrer wait")
	}

	emits, merges, kicks := sink.counts()
	if merges != 1 {
		t.Fatalf("merges = %d, expected 1", merges)
	}
	if emits != 0 {
		t.Error("in-window response must not take the fresh-request path")
	}
	if kicks != 0 {
		t.Error("in-window response must not kick the sink")
	}

	c.handle(ctx, &Event{Kind: kindTimerFired, timer: stale, seq: 3})
	if _, _, kicks := sink.counts(); kicks != 0 {
		t.Error("stale referrer fire must be a no-op")
	}
}

func TestAcquisitionResponse_LateIsFreshRequest(t *testing.T) {
	ctx := context.Background()
	c, sink := newTestCoordinator(t, sharedstate.NewMemoryStates())

	c.handle(ctx, &Event{
		Kind:        KindAcquisitionResponse,
		Timestamp:   time.Unix(1000, 0),
		ContextData: map[string]string{"a.referrer.campaign.name": "late"},
		seq:         1,
	})

	emits, merges, _ := sink.counts()
	if emits != 1 || merges != 0 {
		t.Fatalf("emits = %d, merges = %d, expected 1 and 0", emits, merges)
	}

	body := sink.emitted[0].hit.RequestBody
	if !strings.Contains(body, "pev2=internal:acquisition") {
		t.Errorf("body = %q, expected acquisition link name", body)
	}
	if !strings.Contains(body, "c.a.referrer.campaign.name=late") {
		t.Errorf("body = %q, expected nested referrer data", body)
	}
}

func TestAcquisitionResponse_MalformedIgnored(t *testing.T) {
	ctx := context.Background()
	c, sink := newTestCoordinator(t, sharedstate.NewMemoryStates())

	c.handle(ctx, &Event{Kind: KindAcquisitionResponse, Timestamp: time.Unix(1000, 0), seq: 1})

	oversized := make(map[string]string)
	for i := 0; i <= types.MaxContextDataPairs; i++ {
		oversized[fmt.Sprintf("k%d", i)] = "v"
	}
	c.handle(ctx, &Event{Kind: KindAcquisitionResponse, Timestamp: time.Unix(1001, 0), ContextData: oversized, seq: 2})

	emits, merges, kicks := sink.counts()
	if emits != 0 || merges != 0 || kicks != 0 {
		t.Errorf("malformed responses mutated sink: emits=%d merges=%d kicks=%d", emits, merges, kicks)
	}
}

func TestAcquisitionWait_Guarded(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, sharedstate.NewMemoryStates())

	c.handle(ctx, &Event{Kind: KindAcquisitionWait, Timeout: time.Hour, seq: 1})
	first := c.session.pendingReferrerTimer

	c.handle(ctx, &Event{Kind: KindAcquisitionWait, Timeout: time.Minute, seq: 2})
	if c.session.pendingReferrerTimer != first {
		t.Error("second wait must not replace the pending referrer timer")
	}
}

func TestAcquisitionWait_DisabledWithoutTimeout(t *testing.T) {
	ctx := context.Background()
	states := sharedstate.NewMemoryStates()
	sink := newFakeSink()
	cfg := config.DefaultAnalyticsConfig()
	cfg.ReferrerTimeout = 0

	c, err := New(states, sink, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c.handle(ctx, &Event{Kind: KindAcquisitionWait, seq: 1})
	if c.session.referrerTimerRunning {
		t.Error("wait with no timeout bound must not start a timer")
	}
}

func TestReferrerTimeout_FlushesUnenriched(t *testing.T) {
	ctx := context.Background()
	c, sink := newTestCoordinator(t, sharedstate.NewMemoryStates())

	c.handle(ctx, &Event{Kind: KindAcquisitionWait, Timeout: time.Hour, seq: 1})
	pending := c.session.pendingReferrerTimer

	c.handle(ctx, &Event{Kind: kindTimerFired, timer: pending, seq: 2})

	if c.session.referrerTimerRunning {
		t.Error("timeout must clear the referrer wait")
	}
	if _, _, kicks := sink.counts(); kicks != 1 {
		t.Errorf("kicks = %d, expected 1", kicks)
	}
}

func TestDispatch_QueueFullAndClosed(t *testing.T) {
	states := sharedstate.NewMemoryStates()
	sink := newFakeSink()
	cfg := config.DefaultAnalyticsConfig()
	cfg.QueueSize = 1

	c, err := New(states, sink, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Worker not started, so the second dispatch finds the queue full.
	if err := c.Dispatch(Event{Kind: KindSharedState, StateOwner: "configuration"}); err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}
	if err := c.Dispatch(Event{Kind: KindSharedState, StateOwner: "configuration"}); err != types.ErrQueueFull {
		t.Errorf("second Dispatch() error = %v, expected ErrQueueFull", err)
	}

	c.Close()
	if err := c.Dispatch(Event{Kind: KindSharedState}); err != types.ErrCoordinatorClosed {
		t.Errorf("Dispatch() after Close error = %v, expected ErrCoordinatorClosed", err)
	}
}

// End-to-end through the serial worker.
func TestCoordinator_SerialWorker(t *testing.T) {
	states := sharedstate.NewMemoryStates()
	c, sink := newTestCoordinator(t, states)

	c.Start(context.Background())
	defer c.Close()

	err := c.Dispatch(Event{
		Kind:        KindAcquisitionResponse,
		ContextData: map[string]string{"a.referrer.campaign.source": "mail"},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	select {
	case <-sink.emitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("hit not emitted within 2s")
	}

	emits, _, _ := sink.counts()
	if emits != 1 {
		t.Errorf("emits = %d, expected 1", emits)
	}
}

func TestDedupWindow_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	ctx := context.Background()
	base := time.Unix(10000, 0)

	properties.Property("start accepted iff gap reaches min(session length, pause timeout)", prop.ForAll(
		func(gapMs int, sessionSecs int) bool {
			states := sharedstate.NewMemoryStates()
			states.Set(sharedstate.OwnerConfiguration, 1, map[string]any{
				"lifecycle.sessiontimeout": float64(sessionSecs),
			})

			sink := newFakeSink()
			c, err := New(states, sink, config.DefaultAnalyticsConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return false
			}
			defer c.session.clearLifecycleWait()

			gap := time.Duration(gapMs) * time.Millisecond
			c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionPause, Timestamp: base, seq: 2})
			c.handle(ctx, &Event{Kind: KindLifecycleRequest, Action: types.ActionStart, Timestamp: base.Add(gap), seq: 3})

			window := time.Duration(sessionSecs) * time.Second
			if window > defaultPauseStartTimeout {
				window = defaultPauseStartTimeout
			}
			expected := gap >= window
			return c.session.lifecycleTimerRunning == expected
		},
		gen.IntRange(0, 3000),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
