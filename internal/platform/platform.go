// Package platform defines the boundary to the native telephony stack.
//
// The service drives calls only through these interfaces. Implementations
// live in subpackages: loopback (in-process, for development and tests) and
// sipua (SIP trunks, one per SIM slot).
package platform

import (
	"context"
	"errors"

	"github.com/sebas/telebridge/internal/call"
)

var (
	ErrNoTrunk      = errors.New("no trunk configured for sim slot")
	ErrClosed       = errors.New("telephony closed")
	ErrNotStarted   = errors.New("telephony not started")
	ErrInvalidState = errors.New("operation not valid in current call state")
)

// PlatformState is a call state as reported by the telephony stack.
type PlatformState int

const (
	StateNew PlatformState = iota
	StateDialing
	StateRinging
	StateHolding
	StateActive
	StateDisconnected
	StateConnecting
	StateDisconnecting
	StateSelectPhoneAccount
)

// Token maps a platform state to the record token. States with no mapping
// become UNKNOWN.
func (s PlatformState) Token() call.State {
	switch s {
	case StateRinging:
		return call.StateRinging
	case StateDisconnected:
		return call.StateDisconnected
	case StateActive:
		return call.StateActive
	case StateHolding:
		return call.StateHolding
	case StateDialing:
		return call.StateDialing
	case StateConnecting:
		return call.StateConnecting
	default:
		return call.StateUnknown
	}
}

func (s PlatformState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateSelectPhoneAccount:
		return "SELECT_PHONE_ACCOUNT"
	}
	return s.Token().String()
}

// Caller identifies the remote party of an incoming call.
type Caller struct {
	Number      string
	DisplayName string
}

// DialRequest is an outgoing placement.
type DialRequest struct {
	Destination string
	Sim         int
	Settings    map[string]any
	Data        map[string]any
}

// Call is a platform call object.
type Call interface {
	// Handle is a stable identifier for the lifetime of the call.
	Handle() string

	// Placed is closed once the platform acknowledged an outgoing placement.
	// It never closes for incoming calls.
	Placed() <-chan struct{}

	Answer(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reject(ctx context.Context) error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetSpeaker(ctx context.Context, speaker bool) error
}

// Listener receives asynchronous notifications from the platform. Callbacks
// may arrive on any goroutine.
type Listener interface {
	OnCallAdded(c Call, caller Caller)
	OnStateChanged(c Call, state PlatformState)
	OnCallDestroyed(c Call, cause string)
	OnCallRemoved(c Call)
}

// Telephony is the telephony stack itself.
type Telephony interface {
	// Start begins delivering notifications to l.
	Start(ctx context.Context, l Listener) error

	// Dial places an outgoing call. A returned error means nothing was placed.
	Dial(ctx context.Context, req DialRequest) (Call, error)

	// Probe reports whether the network is reachable.
	Probe(ctx context.Context) bool

	Close() error
}
