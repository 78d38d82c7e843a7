package call

// State is the lifecycle token of a call record. Tokens are the strings the
// application shell sees in event payloads.
type State string

const (
	StateInitiating   State = "INITIATING"
	StateIncoming     State = "INCOMING"
	StateConnecting   State = "CONNECTING"
	StateDialing      State = "DIALING"
	StateRinging      State = "RINGING"
	StateActive       State = "ACTIVE"
	StateConnected    State = "CONNECTED"
	StateHolding      State = "HOLDING"
	StateDisconnected State = "DISCONNECTED"
	StateDeclined     State = "DECLINED"
	StateUnknown      State = "UNKNOWN"
)

// String returns the token
func (s State) String() string {
	if s == "" {
		return string(StateUnknown)
	}
	return string(s)
}

// validTransitions defines which state transitions are allowed.
// Platform notifications may also report states out of this order; the
// service logs those and mirrors them anyway.
var validTransitions = map[State][]State{
	StateInitiating: {StateConnecting, StateDialing, StateRinging, StateActive, StateConnected, StateHolding, StateDisconnected, StateUnknown},
	StateIncoming:   {StateRinging, StateConnecting, StateActive, StateConnected, StateHolding, StateDisconnected, StateDeclined, StateUnknown},
	StateConnecting: {StateDialing, StateRinging, StateActive, StateConnected, StateHolding, StateDisconnected, StateUnknown},
	StateDialing:    {StateConnecting, StateRinging, StateActive, StateConnected, StateHolding, StateDisconnected, StateUnknown},
	StateRinging:    {StateConnecting, StateActive, StateConnected, StateDisconnected, StateDeclined, StateUnknown},
	StateActive:     {StateConnected, StateHolding, StateDisconnected, StateUnknown},
	StateConnected:  {StateActive, StateHolding, StateDisconnected, StateUnknown},
	StateHolding:    {StateActive, StateConnected, StateDisconnected, StateUnknown},
	StateUnknown: {StateConnecting, StateDialing, StateRinging, StateActive, StateConnected,
		StateHolding, StateDisconnected, StateDeclined},
	StateDisconnected: {}, // Terminal state, no transitions allowed
	StateDeclined:     {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateDisconnected || s == StateDeclined
}

// IsRinging returns true while an incoming call waits to be answered or declined
func (s State) IsRinging() bool {
	return s == StateIncoming || s == StateRinging
}

// IsEstablished returns true once media flows: the only states a call can be
// held or resumed from
func (s State) IsEstablished() bool {
	return s == StateActive || s == StateConnected || s == StateHolding
}

// Direction of a call relative to this device
type Direction string

const (
	DirectionOutgoing Direction = "DIRECTION_OUTGOING"
	DirectionIncoming Direction = "DIRECTION_INCOMING"
	DirectionUnknown  Direction = "UNKNOWN"
)

// String returns the token
func (d Direction) String() string {
	if d == "" {
		return string(DirectionUnknown)
	}
	return string(d)
}
