// Package events builds the notifications pushed to the application shell and
// delivers them to the attached subscriber.
package events

import (
	"time"

	"github.com/google/uuid"

	types "github.com/sebas/telebridge/api/types/v1"
)

// Type is the event name seen by the subscriber
type Type string

const (
	ServiceStarted      Type = "service_started"
	CallReceived        Type = "call_received"
	CallChanged         Type = "call_changed"
	CallTerminated      Type = "call_terminated"
	CallError           Type = "call_error"
	ConnectivityChanged Type = "connectivity_changed"
)

// Event is a single notification. ID and Time are local bookkeeping and are
// not part of the payload the subscriber receives.
type Event struct {
	ID     string
	Time   time.Time
	Type   Type
	Data   map[string]any
	CallID int // 0 when the event is not about a tracked call
	Source string
}

// Wire returns the {type, data} form sent over the event channel
func (e Event) Wire() types.Event {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return types.Event{Type: string(e.Type), Data: data}
}

// Builder stamps events with an id, a time and the emitting component.
type Builder struct {
	source string
}

// NewBuilder creates a builder for events emitted by source.
func NewBuilder(source string) *Builder {
	return &Builder{source: source}
}

func (b *Builder) newEvent(t Type, data map[string]any) Event {
	return Event{
		ID:     uuid.New().String(),
		Time:   time.Now().UTC(),
		Type:   t,
		Data:   data,
		Source: b.source,
	}
}

// ServiceStarted announces that the telephony service initialised.
func (b *Builder) ServiceStarted(status string) Event {
	return b.newEvent(ServiceStarted, map[string]any{"status": status})
}

// Call builds one of the call lifecycle events from a record payload.
func (b *Builder) Call(t Type, callID int, record map[string]any) Event {
	e := b.newEvent(t, record)
	e.CallID = callID
	return e
}

// CallError reports a failed placement.
func (b *Builder) CallError(err error, destination string, sim int) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return b.newEvent(CallError, map[string]any{
		"error":       msg,
		"destination": destination,
		"sim":         sim,
	})
}

// Broadcast wraps an opaque call blob forwarded from a system broadcast.
func (b *Builder) Broadcast(t Type, blob string) Event {
	return b.newEvent(t, map[string]any{"call": blob})
}

// Connectivity reports network availability.
func (b *Builder) Connectivity(available bool) Event {
	return b.newEvent(ConnectivityChanged, map[string]any{"available": available})
}
