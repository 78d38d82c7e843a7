// Package call holds the in-memory call record and the registry of tracked calls.
package call

import (
	"fmt"
	"time"
)

// Record is one call known to the service. Records are owned by the service
// run loop; everything handed out of the registry is a copy.
type Record struct {
	ID           int
	Destination  string
	Sim          int
	State        State
	Held         bool
	Muted        bool
	Speaker      bool
	Direction    Direction
	RemoteNumber string
	RemoteName   string

	// Handle identifies the platform call object behind this record.
	Handle string

	CreatedAt       time.Time
	ChangedAt       time.Time
	DisconnectCause string
}

// NewOutgoing builds a record for a call placed by the application shell.
func NewOutgoing(destination string, sim int, handle string) *Record {
	now := time.Now()
	return &Record{
		Destination:  destination,
		Sim:          sim,
		State:        StateInitiating,
		Direction:    DirectionOutgoing,
		RemoteNumber: destination,
		RemoteName:   destination,
		Handle:       handle,
		CreatedAt:    now,
		ChangedAt:    now,
	}
}

// NewIncoming builds a record for a call announced by the platform. The
// remote name falls back to the number when the caller has no display name.
func NewIncoming(number, displayName string, handle string) *Record {
	now := time.Now()
	name := displayName
	if name == "" {
		name = number
	}
	return &Record{
		Sim:          1,
		State:        StateIncoming,
		Direction:    DirectionIncoming,
		RemoteNumber: number,
		RemoteName:   name,
		Handle:       handle,
		CreatedAt:    now,
		ChangedAt:    now,
	}
}

// SetState moves the record to next and stamps the change time.
func (r *Record) SetState(next State) {
	r.State = next
	r.ChangedAt = time.Now()
}

// Clone returns a copy safe to hand to other goroutines
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// CallID is the string identifier used in placement payloads
func (r *Record) CallID() string {
	return fmt.Sprintf("call_%d", r.ID)
}

// Map returns the event payload for the record.
func (r *Record) Map() map[string]any {
	sim := r.Sim
	if sim == 0 {
		sim = 1
	}
	return map[string]any{
		"id":           r.ID,
		"destination":  r.Destination,
		"sim":          sim,
		"state":        r.State.String(),
		"held":         r.Held,
		"muted":        r.Muted,
		"speaker":      r.Speaker,
		"direction":    r.Direction.String(),
		"remoteNumber": r.RemoteNumber,
		"remoteName":   r.RemoteName,
	}
}

// PlacementMap returns the result handed back for a makeCall request.
// Most of the fields have no source yet and carry fixed placeholders.
func (r *Record) PlacementMap() map[string]any {
	return map[string]any{
		"id":                 r.ID,
		"callId":             r.CallID(),
		"accountId":          1,
		"localContact":       "",
		"localUri":           "",
		"remoteContact":      r.Destination,
		"remoteUri":          "tel:" + r.Destination,
		"state":              StateInitiating.String(),
		"stateText":          "Initiating call",
		"held":               false,
		"muted":              false,
		"speaker":            false,
		"connectDuration":    0,
		"totalDuration":      0,
		"remoteOfferer":      false,
		"remoteAudioCount":   0,
		"remoteVideoCount":   0,
		"audioCount":         0,
		"videoCount":         0,
		"lastStatusCode":     0,
		"lastReason":         "",
		"media":              map[string]any{},
		"provisionalMedia":   map[string]any{},
		"creationTime":       "",
		"connectTime":        "",
		"details":            map[string]any{},
		"hashCode":           r.CallID() + "_hash",
		"extras":             map[string]any{},
		"connectTimeMillis":  0,
		"creationTimeMillis": 0,
		"disconnectCause":    "",
		"direction":          DirectionOutgoing.String(),
		"simSlot":            r.Sim,
		"simSlot1":           r.Sim,
		"simSlot2":           r.Sim,
		"remoteNumber":       r.Destination,
		"remoteName":         r.Destination,
	}
}
