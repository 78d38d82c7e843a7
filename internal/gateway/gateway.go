// Package gateway is the method-channel entry point: it decodes remote calls
// from the application shell, hands directives to the telephony service and
// owns the event-channel subscription.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	types "github.com/sebas/telebridge/api/types/v1"
	"github.com/sebas/telebridge/internal/call"
	"github.com/sebas/telebridge/internal/events"
	"github.com/sebas/telebridge/internal/platform"
	"github.com/sebas/telebridge/internal/service"
)

// Error codes returned to the shell.
const (
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeCallNotFound     = "CALL_NOT_FOUND"
	CodeStart            = "START_ERROR"
	CodeMakeCall         = "MAKE_CALL_ERROR"
	CodeSendEnvelope     = "SEND_ENVELOPE_ERROR"
)

// envelopeReply is what sendEnvelope answers until SIM envelopes are wired.
const envelopeReply = "TESTTEST"

// CallService is the part of the telephony service the gateway drives.
type CallService interface {
	Submit(ctx context.Context, d service.Directive) (service.Outcome, error)
}

type callCommand struct {
	action  service.Action
	code    string
	message string
}

var callCommands = map[string]callCommand{
	"answerCall":  {service.ActionAnswer, "ANSWER_CALL_ERROR", "Failed to answer call"},
	"hangupCall":  {service.ActionHangup, "HANGUP_CALL_ERROR", "Failed to hangup call"},
	"declineCall": {service.ActionDecline, "DECLINE_CALL_ERROR", "Failed to decline call"},
	"holdCall":    {service.ActionHold, "HOLD_CALL_ERROR", "Failed to hold call"},
	"unholdCall":  {service.ActionUnhold, "UNHOLD_CALL_ERROR", "Failed to unhold call"},
	"muteCall":    {service.ActionMute, "MUTE_CALL_ERROR", "Failed to mute call"},
	"unMuteCall":  {service.ActionUnmute, "UNMUTE_CALL_ERROR", "Failed to unmute call"},
	"useSpeaker":  {service.ActionUseSpeaker, "USE_SPEAKER_ERROR", "Failed to use speaker"},
	"useEarpiece": {service.ActionUseEarpiece, "USE_EARPIECE_ERROR", "Failed to use earpiece"},
}

// Methods lists every method the gateway implements, sorted.
func Methods() []string {
	out := []string{"start", "makeCall", "sendEnvelope"}
	for name := range callCommands {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Observer is notified after each dispatched method.
type Observer func(method, status string, elapsed time.Duration)

// Gateway dispatches method calls.
type Gateway struct {
	svc      CallService
	sink     *events.Sink
	logger   *slog.Logger
	observer Observer
}

// Option configures a Gateway
type Option func(*Gateway)

// WithObserver sets a per-call observer, used for metrics.
func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a gateway for svc delivering events through sink.
func New(svc CallService, sink *events.Sink, opts ...Option) *Gateway {
	g := &Gateway{svc: svc, sink: sink, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Listen attaches the event-channel subscriber, replacing any previous one.
func (g *Gateway) Listen(buffer int) *events.Subscription {
	return g.sink.Attach(buffer)
}

// Cancel detaches the event-channel subscriber.
func (g *Gateway) Cancel() {
	g.sink.Detach()
}

// Subscribed reports whether an event-channel subscriber is attached
func (g *Gateway) Subscribed() bool {
	return g.sink.Attached()
}

// Dispatch handles one method call.
func (g *Gateway) Dispatch(ctx context.Context, mc types.MethodCall) types.MethodResult {
	start := time.Now()
	res := g.dispatch(ctx, mc)

	if res.Error != nil {
		g.logger.Warn("[Gateway] Method failed",
			"method", mc.Method,
			"code", res.Error.Code,
			"details", res.Error.Details)
	} else {
		g.logger.Debug("[Gateway] Method handled", "method", mc.Method, "status", res.Status)
	}
	if g.observer != nil {
		g.observer(mc.Method, res.Status, time.Since(start))
	}
	return res
}

func (g *Gateway) dispatch(ctx context.Context, mc types.MethodCall) types.MethodResult {
	switch mc.Method {
	case "start":
		return g.start(ctx, mc.Arguments)
	case "makeCall":
		return g.makeCall(ctx, mc.Arguments)
	case "sendEnvelope":
		if _, err := decodeCallID(mc.Arguments); err != nil {
			return types.Failure(CodeInvalidArguments, "Invalid call ID", nil)
		}
		return types.Success(envelopeReply)
	}

	cmd, ok := callCommands[mc.Method]
	if !ok {
		return types.NotImplemented()
	}

	id, err := decodeCallID(mc.Arguments)
	if err != nil {
		return types.Failure(CodeInvalidArguments, "Invalid call ID", nil)
	}
	if _, err := g.svc.Submit(ctx, service.Directive{Action: cmd.action, CallID: id}); err != nil {
		return commandFailure(cmd.code, cmd.message, id, err)
	}
	return types.Success(true)
}

func (g *Gateway) start(ctx context.Context, args any) types.MethodResult {
	out, err := g.svc.Submit(ctx, service.Directive{Action: service.ActionStart, Config: decodeConfig(args)})
	if err != nil {
		return types.Failure(CodeStart, "Failed to start telephony service", err.Error())
	}

	calls := make([]any, 0, len(out.Calls))
	for _, rec := range out.Calls {
		calls = append(calls, rec.Map())
	}
	return types.Success(map[string]any{
		"accounts": []any{},
		"calls":    calls,
		"status":   "started",
	})
}

func (g *Gateway) makeCall(ctx context.Context, args any) types.MethodResult {
	req, err := decodeMakeCall(args)
	if err != nil {
		return types.Failure(CodeInvalidArguments, "Invalid arguments for makeCall", err.Error())
	}

	out, err := g.svc.Submit(ctx, service.Directive{
		Action: service.ActionMakeCall,
		Dial: platform.DialRequest{
			Destination: req.Destination,
			Sim:         req.Sim,
			Settings:    req.CallSettings,
			Data:        req.MsgData,
		},
	})
	if err != nil {
		return types.Failure(CodeMakeCall, "Failed to make call", err.Error())
	}
	return types.Success(out.Record.PlacementMap())
}

func commandFailure(code, message string, id int, err error) types.MethodResult {
	if errors.Is(err, call.ErrCallNotFound) || errors.Is(err, call.ErrCallTerminated) {
		return types.Failure(CodeCallNotFound, "Call not found", map[string]any{
			"callId": id,
			"reason": err.Error(),
		})
	}
	return types.Failure(code, message, err.Error())
}
