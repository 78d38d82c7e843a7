package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/sebas/telebridge/api/types/v1"
	"github.com/sebas/telebridge/internal/call"
	"github.com/sebas/telebridge/internal/events"
	"github.com/sebas/telebridge/internal/platform/loopback"
	"github.com/sebas/telebridge/internal/service"
)

// fakeService records directives and answers with a canned outcome.
type fakeService struct {
	got []service.Directive
	out service.Outcome
	err error
}

func (f *fakeService) Submit(ctx context.Context, d service.Directive) (service.Outcome, error) {
	f.got = append(f.got, d)
	return f.out, f.err
}

func TestDecodeCallID(t *testing.T) {
	tests := []struct {
		args    any
		want    int
		wantErr bool
	}{
		{3, 3, false},
		{float64(4), 4, false},
		{"5", 5, false},
		{map[string]any{"callId": 6}, 6, false},
		{nil, 0, true},
		{true, 0, true},
		{1.5, 0, true},
		{"x", 0, true},
		{"", 0, true},
		{map[string]any{}, 0, true},
		{"010", 10, false},
		{"-2", -2, false},
		{"0x10", 0, true},
		{"1_000", 0, true},
		{" 7", 0, true},
		{1e19, 0, true},
		{-1e19, 0, true},
		{math.Inf(1), 0, true},
		{uint64(math.MaxUint64), 0, true},
		{int64(9), 9, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.args), func(t *testing.T) {
			got, err := decodeCallID(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMakeCall(t *testing.T) {
	req, err := decodeMakeCall(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 1, req.Sim)
	assert.Equal(t, "", req.Destination)
	assert.Nil(t, req.CallSettings)

	req, err = decodeMakeCall(map[string]any{
		"sim":          float64(2),
		"destination":  "+15551234567",
		"callSettings": map[string]any{"video": false},
		"msgData":      nil,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, req.Sim)
	assert.Equal(t, "+15551234567", req.Destination)
	assert.Equal(t, map[string]any{"video": false}, req.CallSettings)

	for _, bad := range []any{
		nil,
		42,
		map[string]any{"sim": "two"},
		map[string]any{"sim": "0x2"},
		map[string]any{"sim": 0},
		map[string]any{"destination": 5},
		map[string]any{"callSettings": "nope"},
	} {
		_, err := decodeMakeCall(bad)
		assert.ErrorIs(t, err, errInvalidArguments, "%v", bad)
	}
}

func TestDispatchValidation(t *testing.T) {
	svc := &fakeService{}
	g := New(svc, events.NewSink())
	ctx := context.Background()

	res := g.Dispatch(ctx, types.MethodCall{Method: "makeCall", Arguments: "garbage"})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeInvalidArguments, res.Error.Code)
	assert.Equal(t, "Invalid arguments for makeCall", res.Error.Message)

	res = g.Dispatch(ctx, types.MethodCall{Method: "holdCall", Arguments: "abc"})
	require.NotNil(t, res.Error)
	assert.Equal(t, "Invalid call ID", res.Error.Message)

	res = g.Dispatch(ctx, types.MethodCall{Method: "transferCall", Arguments: 1})
	assert.Equal(t, types.StatusNotImplemented, res.Status)

	assert.Empty(t, svc.got, "invalid calls must not reach the service")
}

func TestMethodsAreDispatched(t *testing.T) {
	methods := Methods()
	assert.Len(t, methods, len(callCommands)+3)
	assert.IsIncreasing(t, methods)

	g := New(&fakeService{}, events.NewSink())
	for _, m := range methods {
		res := g.Dispatch(context.Background(), types.MethodCall{Method: m, Arguments: 1})
		assert.NotEqual(t, types.StatusNotImplemented, res.Status, m)
	}
}

func TestDispatchErrorCodes(t *testing.T) {
	ctx := context.Background()

	svc := &fakeService{err: errors.New("boom")}
	g := New(svc, events.NewSink())
	for method, cmd := range callCommands {
		res := g.Dispatch(ctx, types.MethodCall{Method: method, Arguments: 1})
		require.NotNil(t, res.Error, method)
		assert.Equal(t, cmd.code, res.Error.Code)
		assert.Equal(t, cmd.message, res.Error.Message)
		assert.Equal(t, "boom", res.Error.Details)
	}

	svc.err = fmt.Errorf("call 9: %w", call.ErrCallNotFound)
	res := g.Dispatch(ctx, types.MethodCall{Method: "muteCall", Arguments: 9})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeCallNotFound, res.Error.Code)

	svc.err = errors.New("down")
	res = g.Dispatch(ctx, types.MethodCall{Method: "start"})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeStart, res.Error.Code)
	assert.Equal(t, "Failed to start telephony service", res.Error.Message)
}

func TestSendEnvelope(t *testing.T) {
	g := New(&fakeService{}, events.NewSink())

	res := g.Dispatch(context.Background(), types.MethodCall{Method: "sendEnvelope", Arguments: 1})
	assert.True(t, res.IsSuccess())
	assert.Equal(t, "TESTTEST", res.Result)

	res = g.Dispatch(context.Background(), types.MethodCall{Method: "sendEnvelope"})
	assert.Equal(t, CodeInvalidArguments, res.Error.Code)
}

func TestObserver(t *testing.T) {
	var seen []string
	g := New(&fakeService{}, events.NewSink(), WithObserver(func(method, status string, _ time.Duration) {
		seen = append(seen, method+":"+status)
	}))
	g.Dispatch(context.Background(), types.MethodCall{Method: "nope"})
	assert.Equal(t, []string{"nope:notImplemented"}, seen)
}

// TestEndToEnd drives the gateway against a real service on the loopback platform.
func TestEndToEnd(t *testing.T) {
	sink := events.NewSink()
	tel := loopback.New(loopback.Options{PlaceDelay: -1})
	svc := service.New(service.Config{}, tel, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	g := New(svc, sink)
	sub := g.Listen(16)
	next := func() types.Event {
		t.Helper()
		select {
		case e := <-sub.Events():
			return e.Wire()
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
		return types.Event{}
	}

	res := g.Dispatch(ctx, types.MethodCall{Method: "start", Arguments: map[string]any{"ua": "test"}})
	require.True(t, res.IsSuccess())
	assert.Equal(t, map[string]any{"accounts": []any{}, "calls": []any{}, "status": "started"}, res.Result)
	assert.Equal(t, types.Event{Type: "service_started", Data: map[string]any{"status": "initialized"}}, next())

	res = g.Dispatch(ctx, types.MethodCall{Method: "makeCall", Arguments: map[string]any{"sim": 2, "destination": "+15551234567"}})
	require.True(t, res.IsSuccess())
	placement := res.Result.(map[string]any)
	assert.Equal(t, "DIRECTION_OUTGOING", placement["direction"])
	assert.Equal(t, 2, placement["simSlot"])
	assert.Equal(t, "INITIATING", placement["state"])
	id := placement["id"].(int)

	e := next()
	assert.Equal(t, "call_received", e.Type)
	assert.Equal(t, id, e.Data["id"])

	res = g.Dispatch(ctx, types.MethodCall{Method: "hangupCall", Arguments: id})
	assert.Equal(t, true, res.Result)
	assert.Equal(t, "call_terminated", next().Type)

	// a second hangup reports the id as gone and emits nothing
	res = g.Dispatch(ctx, types.MethodCall{Method: "hangupCall", Arguments: id})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeCallNotFound, res.Error.Code)

	// detached subscriber: emitting is harmless, re-attach sees only new events
	g.Cancel()
	assert.False(t, g.Subscribed())
	_, err := tel.Ring("+15559876543", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(svc.Calls()) == 1 }, time.Second, 10*time.Millisecond)

	sub = g.Listen(16)
	res = g.Dispatch(ctx, types.MethodCall{Method: "answerCall", Arguments: svc.Calls()[0].ID})
	require.True(t, res.IsSuccess())
	e = next()
	assert.Equal(t, "call_changed", e.Type, "replayed call_received must not be delivered")
	assert.Equal(t, "CONNECTED", e.Data["state"])
}
