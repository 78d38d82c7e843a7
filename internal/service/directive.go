package service

import (
	"errors"

	"github.com/sebas/telebridge/internal/call"
	"github.com/sebas/telebridge/internal/platform"
)

// Action names a directive. The values match the intent actions the shell
// plugin historically sent to the service.
type Action string

const (
	ActionStart       Action = "START_TELEPHONY_SERVICE"
	ActionMakeCall    Action = "MAKE_CALL"
	ActionAnswer      Action = "ANSWER_CALL"
	ActionHangup      Action = "HANGUP_CALL"
	ActionDecline     Action = "DECLINE_CALL"
	ActionHold        Action = "HOLD_CALL"
	ActionUnhold      Action = "UNHOLD_CALL"
	ActionMute        Action = "MUTE_CALL"
	ActionUnmute      Action = "UNMUTE_CALL"
	ActionUseSpeaker  Action = "USE_SPEAKER"
	ActionUseEarpiece Action = "USE_EARPIECE"
)

// Directive is one command for the service.
type Directive struct {
	Action Action

	// CallID targets a tracked call for every action except start and make call.
	CallID int

	// Config is the configuration map passed with start.
	Config map[string]any

	// Dial describes the placement for make call.
	Dial platform.DialRequest
}

// Outcome is what a directive produced.
type Outcome struct {
	// Record is a copy of the affected call after the directive applied.
	Record *call.Record

	// Calls is the tracked-call snapshot returned by start.
	Calls []*call.Record
}

var (
	ErrNotStarted    = errors.New("telephony service not started")
	ErrStopped       = errors.New("telephony service stopped")
	ErrUnknownAction = errors.New("unknown action")
)
