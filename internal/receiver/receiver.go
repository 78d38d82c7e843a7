// Package receiver translates host system broadcasts into event-channel events.
package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cast"

	types "github.com/sebas/telebridge/api/types/v1"
	"github.com/sebas/telebridge/internal/events"
)

// Broadcast actions understood by the receiver.
const (
	ActionPrefix              = "org.telon.tele."
	ActionCallReceived        = ActionPrefix + "TELE_CALL_RECEIVED"
	ActionCallChanged         = ActionPrefix + "TELE_CALL_CHANGED"
	ActionCallTerminated      = ActionPrefix + "TELE_CALL_TERMINATED"
	ActionConnectivityChanged = ActionPrefix + "TELE_CONNECTIVITY_CHANGED"
)

// Extras keys
const (
	ExtraCallData  = "call_data"
	ExtraAvailable = "available"
)

var callActions = map[string]events.Type{
	ActionCallReceived:   events.CallReceived,
	ActionCallChanged:    events.CallChanged,
	ActionCallTerminated: events.CallTerminated,
}

// Filter returns the actions the receiver registers for.
func Filter() []string {
	return []string{ActionCallReceived, ActionCallChanged, ActionCallTerminated, ActionConnectivityChanged}
}

// Receiver forwards broadcasts to a publisher.
type Receiver struct {
	pub     events.Publisher
	builder *events.Builder
	logger  *slog.Logger
}

// New creates a receiver publishing to pub.
func New(pub events.Publisher, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{pub: pub, builder: events.NewBuilder("receiver"), logger: logger}
}

// Receive handles one broadcast. It reports whether the action was recognized.
func (r *Receiver) Receive(ctx context.Context, intent types.BroadcastIntent) bool {
	var e events.Event

	if t, ok := callActions[intent.Action]; ok {
		e = r.builder.Broadcast(t, callBlob(intent.Extras[ExtraCallData]))
	} else if intent.Action == ActionConnectivityChanged {
		available, err := cast.ToBoolE(intent.Extras[ExtraAvailable])
		if err != nil {
			available = false
		}
		e = r.builder.Connectivity(available)
	} else {
		r.logger.Debug("[Receiver] Ignoring broadcast", "action", intent.Action)
		return false
	}

	if err := r.pub.Publish(ctx, e); err != nil {
		r.logger.Warn("[Receiver] Event publish failed", "action", intent.Action, "error", err)
	}
	return true
}

// callBlob renders the call extra as the string the shell expects. Scalars
// pass through as text; structured payloads are forwarded as JSON.
func callBlob(v any) string {
	if blob, err := cast.ToStringE(v); err == nil {
		return blob
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
