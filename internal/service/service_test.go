package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/telebridge/internal/call"
	"github.com/sebas/telebridge/internal/events"
	"github.com/sebas/telebridge/internal/platform"
	"github.com/sebas/telebridge/internal/platform/loopback"
)

type harness struct {
	t      *testing.T
	svc    *Service
	tel    *loopback.Telephony
	pub    *events.ChannelPublisher
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tel := loopback.New(loopback.Options{PlaceDelay: -1})
	pub := events.NewChannelPublisher(100)
	svc := New(Config{HistoryTTL: time.Minute, DrainTimeout: time.Second}, tel, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, svc: svc, tel: tel, pub: pub, cancel: cancel, done: make(chan struct{})}
	go func() {
		svc.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	h.tel.Close()
}

func (h *harness) submit(d Directive) (Outcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.svc.Submit(ctx, d)
}

func (h *harness) start() {
	h.t.Helper()
	_, err := h.submit(Directive{Action: ActionStart, Config: map[string]any{}})
	require.NoError(h.t, err)
	e := h.next()
	require.Equal(h.t, events.ServiceStarted, e.Type)
}

func (h *harness) next() events.Event {
	h.t.Helper()
	select {
	case e := <-h.pub.Events():
		return e
	case <-time.After(2 * time.Second):
		h.t.Fatal("timeout waiting for event")
	}
	return events.Event{}
}

func (h *harness) expectNone() {
	h.t.Helper()
	select {
	case e := <-h.pub.Events():
		h.t.Fatalf("unexpected event %s %v", e.Type, e.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) dial(dest string, sim int) *call.Record {
	h.t.Helper()
	out, err := h.submit(Directive{Action: ActionMakeCall, Dial: platform.DialRequest{Destination: dest, Sim: sim}})
	require.NoError(h.t, err)
	require.NotNil(h.t, out.Record)
	e := h.next()
	require.Equal(h.t, events.CallReceived, e.Type)
	return out.Record
}

// ring injects an incoming call and waits for it to be tracked.
func (h *harness) ring(number, name string) (*loopback.Call, int) {
	h.t.Helper()
	c, err := h.tel.Ring(number, name)
	require.NoError(h.t, err)
	e := h.next()
	require.Equal(h.t, events.CallReceived, e.Type)
	return c, e.CallID
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start()
	assert.True(t, h.svc.Started())

	out, err := h.submit(Directive{Action: ActionStart})
	require.NoError(t, err)
	assert.Empty(t, out.Calls)
	h.expectNone()
}

func TestCommandsBeforeStart(t *testing.T) {
	h := newHarness(t)
	_, err := h.submit(Directive{Action: ActionMakeCall, Dial: platform.DialRequest{Destination: "1", Sim: 1}})
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = h.submit(Directive{Action: ActionAnswer, CallID: 1})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestMakeCall(t *testing.T) {
	h := newHarness(t)
	h.start()

	rec := h.dial("+15551234567", 2)
	assert.Equal(t, 1, rec.ID)
	assert.Equal(t, call.DirectionOutgoing, rec.Direction)
	assert.Equal(t, call.StateInitiating, rec.State)
	assert.Equal(t, 2, rec.PlacementMap()["simSlot"])

	found, ok := h.svc.FindCall(rec.ID)
	require.True(t, ok)
	assert.Equal(t, call.StateInitiating, found.State)
}

func TestPlacementAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.start()
	rec := h.dial("100", 1)

	require.True(t, h.tel.Acknowledge(rec.Handle))
	e := h.next()
	assert.Equal(t, events.CallChanged, e.Type)
	assert.Equal(t, "CONNECTING", e.Data["state"])

	found, _ := h.svc.FindCall(rec.ID)
	assert.Equal(t, call.StateConnecting, found.State)
}

func TestPlacementCancelledByHangup(t *testing.T) {
	h := newHarness(t)
	h.start()
	rec := h.dial("100", 1)

	_, err := h.submit(Directive{Action: ActionHangup, CallID: rec.ID})
	require.NoError(t, err)
	e := h.next()
	assert.Equal(t, events.CallTerminated, e.Type)
	assert.Equal(t, "DISCONNECTED", e.Data["state"])

	// a late acknowledgment must not resurrect or mutate anything
	h.tel.Acknowledge(rec.Handle)
	h.expectNone()
	_, ok := h.svc.FindCall(rec.ID)
	assert.False(t, ok)
}

func TestMakeCallFailure(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.tel.FailNextDial(errors.New("trunk down"))

	_, err := h.submit(Directive{Action: ActionMakeCall, Dial: platform.DialRequest{Destination: "555", Sim: 3}})
	require.Error(t, err)

	e := h.next()
	assert.Equal(t, events.CallError, e.Type)
	assert.Equal(t, "trunk down", e.Data["error"])
	assert.Equal(t, "555", e.Data["destination"])
	assert.Equal(t, 3, e.Data["sim"])
	assert.Empty(t, h.svc.Calls())
}

func TestIncomingCallReceivedBeforeChanged(t *testing.T) {
	h := newHarness(t)
	h.start()

	c, err := h.tel.Ring("+15559876543", "")
	require.NoError(t, err)
	require.NoError(t, h.tel.Report(c.Handle(), platform.StateRinging))

	first := h.next()
	second := h.next()
	assert.Equal(t, events.CallReceived, first.Type)
	assert.Equal(t, "DIRECTION_INCOMING", first.Data["direction"])
	assert.Equal(t, "+15559876543", first.Data["remoteNumber"])
	assert.Equal(t, "+15559876543", first.Data["remoteName"])
	assert.Equal(t, events.CallChanged, second.Type)
	assert.Equal(t, first.CallID, second.CallID)
	assert.Equal(t, "RINGING", second.Data["state"])
}

func TestCommandEventsMatchState(t *testing.T) {
	h := newHarness(t)
	h.start()
	lc, id := h.ring("200", "Bob")

	steps := []struct {
		action Action
		check  func(*testing.T, map[string]any)
	}{
		{ActionAnswer, func(t *testing.T, m map[string]any) { assert.Equal(t, "CONNECTED", m["state"]) }},
		{ActionHold, func(t *testing.T, m map[string]any) { assert.Equal(t, true, m["held"]) }},
		{ActionUnhold, func(t *testing.T, m map[string]any) { assert.Equal(t, false, m["held"]) }},
		{ActionMute, func(t *testing.T, m map[string]any) { assert.Equal(t, true, m["muted"]) }},
		{ActionUnmute, func(t *testing.T, m map[string]any) { assert.Equal(t, false, m["muted"]) }},
		{ActionUseSpeaker, func(t *testing.T, m map[string]any) { assert.Equal(t, true, m["speaker"]) }},
		{ActionUseEarpiece, func(t *testing.T, m map[string]any) { assert.Equal(t, false, m["speaker"]) }},
	}

	for _, step := range steps {
		t.Run(string(step.action), func(t *testing.T) {
			out, err := h.submit(Directive{Action: step.action, CallID: id})
			require.NoError(t, err)

			e := h.next()
			assert.Equal(t, events.CallChanged, e.Type)
			step.check(t, e.Data)

			current, ok := h.svc.FindCall(id)
			require.True(t, ok)
			assert.Equal(t, current.Map(), e.Data)
			assert.Equal(t, out.Record.Map(), e.Data)
			h.expectNone()
		})
	}

	assert.Equal(t, []string{"answer", "hold", "unhold", "mute", "mute", "speaker", "speaker"}, lc.Ops())
}

func TestDecline(t *testing.T) {
	h := newHarness(t)
	h.start()
	_, id := h.ring("300", "")

	_, err := h.submit(Directive{Action: ActionDecline, CallID: id})
	require.NoError(t, err)
	e := h.next()
	assert.Equal(t, events.CallTerminated, e.Type)
	assert.Equal(t, "DECLINED", e.Data["state"])

	_, ok := h.svc.FindCall(id)
	assert.False(t, ok)

	_, err = h.submit(Directive{Action: ActionAnswer, CallID: id})
	assert.ErrorIs(t, err, call.ErrCallTerminated)
	h.expectNone()
}

func TestAnswerRequiresRingingIncoming(t *testing.T) {
	h := newHarness(t)
	h.start()
	rec := h.dial("100", 1)

	_, err := h.submit(Directive{Action: ActionAnswer, CallID: rec.ID})
	assert.ErrorIs(t, err, call.ErrInvalidTransition)
	_, err = h.submit(Directive{Action: ActionDecline, CallID: rec.ID})
	assert.ErrorIs(t, err, call.ErrInvalidTransition)
	h.expectNone()
}

func TestHoldRequiresEstablishedCall(t *testing.T) {
	h := newHarness(t)
	h.start()
	lc, incoming := h.ring("700", "")
	outgoing := h.dial("701", 1)

	for _, id := range []int{incoming, outgoing.ID} {
		for _, a := range []Action{ActionHold, ActionUnhold} {
			_, err := h.submit(Directive{Action: a, CallID: id})
			assert.ErrorIs(t, err, call.ErrInvalidTransition, "%s %d", a, id)
		}
		rec, ok := h.svc.FindCall(id)
		require.True(t, ok)
		assert.False(t, rec.Held)
	}
	h.expectNone()
	assert.Empty(t, lc.Ops())
}

func TestCancelledSubmitIsNotApplied(t *testing.T) {
	h := newHarness(t)
	h.start()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		_, err := h.svc.Submit(ctx, Directive{Action: ActionMakeCall, Dial: platform.DialRequest{Destination: "800", Sim: 1}})
		assert.ErrorIs(t, err, context.Canceled)
	}

	// queued directives run in order, so this one sees every skipped dial
	_, err := h.submit(Directive{Action: ActionStart})
	require.NoError(t, err)
	assert.Equal(t, 0, h.svc.Len())
	h.expectNone()
}

func TestUnknownCallIsNoop(t *testing.T) {
	h := newHarness(t)
	h.start()
	_, id := h.ring("400", "")

	for _, a := range []Action{ActionAnswer, ActionHangup, ActionDecline, ActionHold, ActionMute, ActionUseSpeaker} {
		_, err := h.submit(Directive{Action: a, CallID: 999})
		assert.ErrorIs(t, err, call.ErrCallNotFound, a)
	}
	h.expectNone()

	rec, ok := h.svc.FindCall(id)
	require.True(t, ok)
	assert.Equal(t, call.StateIncoming, rec.State)
	assert.False(t, rec.Held)
}

func TestPlatformFailureSurfacesWithoutMutation(t *testing.T) {
	h := newHarness(t)
	h.start()
	_, id := h.ring("500", "")

	h.tel.FailOp("answer", errors.New("no audio focus"))
	_, err := h.submit(Directive{Action: ActionAnswer, CallID: id})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no audio focus")
	h.expectNone()

	rec, _ := h.svc.FindCall(id)
	assert.Equal(t, call.StateIncoming, rec.State)
}

func TestHangupSucceedsWhenPlatformFails(t *testing.T) {
	h := newHarness(t)
	h.start()
	_, id := h.ring("600", "")

	h.tel.FailOp("disconnect", errors.New("bye failed"))
	_, err := h.submit(Directive{Action: ActionHangup, CallID: id})
	require.NoError(t, err)
	assert.Equal(t, events.CallTerminated, h.next().Type)
	assert.Equal(t, 0, h.svc.Len())
}

func TestPlatformDestroyed(t *testing.T) {
	h := newHarness(t)
	h.start()
	first, id1 := h.ring("700", "")
	_, id2 := h.ring("701", "")

	// teardown is matched by handle, not by the most recent record
	require.NoError(t, h.tel.Destroy(first.Handle(), "remote hangup"))
	e := h.next()
	assert.Equal(t, events.CallTerminated, e.Type)
	assert.Equal(t, id1, e.CallID)

	_, ok := h.svc.FindCall(id1)
	assert.False(t, ok)
	_, ok = h.svc.FindCall(id2)
	assert.True(t, ok)
}

func TestPlatformStateDisconnected(t *testing.T) {
	h := newHarness(t)
	h.start()
	c, id := h.ring("800", "")

	require.NoError(t, h.tel.Report(c.Handle(), platform.StateDisconnected))
	e := h.next()
	assert.Equal(t, events.CallTerminated, e.Type)

	// removal after teardown is ignored
	require.NoError(t, h.tel.Remove(c.Handle()))
	h.expectNone()
	_, ok := h.svc.FindCall(id)
	assert.False(t, ok)
}

func TestPlatformHoldingTogglesHeld(t *testing.T) {
	h := newHarness(t)
	h.start()
	c, id := h.ring("900", "")
	_, err := h.submit(Directive{Action: ActionAnswer, CallID: id})
	require.NoError(t, err)
	h.next()

	require.NoError(t, h.tel.Report(c.Handle(), platform.StateHolding))
	e := h.next()
	assert.Equal(t, "HOLDING", e.Data["state"])
	assert.Equal(t, true, e.Data["held"])

	require.NoError(t, h.tel.Report(c.Handle(), platform.StateActive))
	e = h.next()
	assert.Equal(t, "ACTIVE", e.Data["state"])
	assert.Equal(t, false, e.Data["held"])

	// repeated state is not an event
	require.NoError(t, h.tel.Report(c.Handle(), platform.StateActive))
	h.expectNone()
}

func TestShutdownDrainsCalls(t *testing.T) {
	h := newHarness(t)
	h.start()
	c1, _ := h.ring("1", "")
	rec := h.dial("2", 1)

	h.stop()

	got := map[int]bool{}
	for i := 0; i < 2; i++ {
		e := h.next()
		assert.Equal(t, events.CallTerminated, e.Type)
		got[e.CallID] = true
	}
	assert.True(t, got[rec.ID])
	assert.Contains(t, c1.Ops(), "disconnect")

	_, err := h.svc.Submit(context.Background(), Directive{Action: ActionStart})
	assert.ErrorIs(t, err, ErrStopped)
}
