package sipua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/telebridge/internal/media"
	"github.com/sebas/telebridge/internal/platform"
)

// dialogState tracks the SIP dialog underneath a call.
type dialogState int

const (
	dialogEarly dialogState = iota
	dialogConfirmed
	dialogTerminated
)

func (s dialogState) String() string {
	switch s {
	case dialogEarly:
		return "early"
	case dialogConfirmed:
		return "confirmed"
	default:
		return "terminated"
	}
}

// Call is one SIP dialog. The handle is the SIP Call-ID.
type Call struct {
	t        *Telephony
	handle   string
	outgoing bool
	trunk    Trunk
	session  *media.Session

	placed     chan struct{}
	placedOnce sync.Once

	// cancels the outbound INVITE transaction or the uplink pump
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     dialogState
	invite    *sip.Request
	inviteTx  sip.ServerTransaction
	response  *sip.Response
	dialog    *sipgo.DialogServerSession
	remoteTag string
	held      bool

	cseq    atomic.Uint32
	version atomic.Uint64
}

var _ platform.Call = (*Call)(nil)

func newCall(t *Telephony, handle string, outgoing bool, session *media.Session) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		t:        t,
		handle:   handle,
		outgoing: outgoing,
		session:  session,
		placed:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.cseq.Store(1)
	c.version.Store(1)
	return c
}

func (c *Call) Handle() string { return c.handle }

func (c *Call) Placed() <-chan struct{} { return c.placed }

func (c *Call) markPlaced() {
	c.placedOnce.Do(func() { close(c.placed) })
}

func (c *Call) dialogState() dialogState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Answer accepts a ringing incoming call with 200 OK.
func (c *Call) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.outgoing || c.state != dialogEarly {
		c.mu.Unlock()
		return platform.ErrInvalidState
	}
	invite, tx := c.invite, c.inviteTx
	c.mu.Unlock()

	answer, err := BuildSDP(c.t.cfg.AdvertiseAddr, c.session.LocalPort(), c.version.Load(), []media.Codec{c.session.Codec()}, DirectionSendRecv)
	if err != nil {
		return fmt.Errorf("build SDP answer: %w", err)
	}

	dlg, err := c.t.dialogUA.ReadInvite(invite, tx)
	if err != nil {
		return fmt.Errorf("failed to create dialog session: %w", err)
	}
	if err := dlg.RespondSDP(answer); err != nil {
		_ = dlg.Close()
		return fmt.Errorf("failed to send 200 OK: %w", err)
	}

	c.mu.Lock()
	c.dialog = dlg
	c.response = dlg.InviteResponse
	c.state = dialogConfirmed
	c.mu.Unlock()

	c.startUplink()
	c.t.log.Info("[SIP] Call answered", "call_id", c.handle)
	return nil
}

// Reject declines a ringing incoming call with 603 Decline.
func (c *Call) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.outgoing || c.state != dialogEarly {
		c.mu.Unlock()
		return platform.ErrInvalidState
	}
	c.state = dialogTerminated
	invite, tx := c.invite, c.inviteTx
	c.mu.Unlock()

	resp := sip.NewResponseFromRequest(invite, sip.StatusCode(603), "Decline", nil)
	err := tx.Respond(resp)
	c.release()
	if err != nil {
		return fmt.Errorf("send 603 Decline: %w", err)
	}
	c.t.log.Info("[SIP] Call declined", "call_id", c.handle)
	return nil
}

// Disconnect ends the call: CANCEL before an outgoing call is answered,
// 486 for a ringing incoming call, BYE once confirmed.
func (c *Call) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	if state == dialogTerminated {
		c.mu.Unlock()
		return nil
	}
	c.state = dialogTerminated
	invite, tx := c.invite, c.inviteTx
	c.mu.Unlock()
	c.t.log.Info("[SIP] Hangup", "call_id", c.handle, "dialog", state)

	switch {
	case state == dialogEarly && c.outgoing:
		// originate sends the CANCEL and releases media
		c.cancel()
		return nil

	case state == dialogEarly:
		resp := sip.NewResponseFromRequest(invite, sip.StatusCode(486), "Busy Here", nil)
		err := tx.Respond(resp)
		c.release()
		if err != nil {
			return fmt.Errorf("send 486 Busy Here: %w", err)
		}
		return nil
	}

	err := c.sendBYE(ctx)
	c.release()
	return err
}

// Hold sends a re-INVITE with a=sendonly.
func (c *Call) Hold(ctx context.Context) error {
	return c.setHold(ctx, true)
}

// Unhold sends a re-INVITE with a=sendrecv.
func (c *Call) Unhold(ctx context.Context) error {
	return c.setHold(ctx, false)
}

func (c *Call) setHold(ctx context.Context, held bool) error {
	if c.dialogState() != dialogConfirmed {
		return platform.ErrInvalidState
	}
	direction := DirectionSendRecv
	if held {
		direction = DirectionSendOnly
	}
	if err := c.sendReINVITE(ctx, direction); err != nil {
		return err
	}
	c.mu.Lock()
	c.held = held
	c.mu.Unlock()
	c.session.SetHeld(held)
	return nil
}

// SetMuted gates the uplink.
func (c *Call) SetMuted(ctx context.Context, muted bool) error {
	if c.dialogState() == dialogTerminated {
		return platform.ErrInvalidState
	}
	c.session.SetMuted(muted)
	return nil
}

// SetSpeaker routes inbound audio to the speaker or the earpiece.
func (c *Call) SetSpeaker(ctx context.Context, speaker bool) error {
	if c.dialogState() == dialogTerminated {
		return platform.ErrInvalidState
	}
	route := media.RouteEarpiece
	if speaker {
		route = media.RouteSpeaker
	}
	c.session.SetRoute(route)
	return nil
}

func (c *Call) startUplink() {
	src := c.t.uplink(c.handle)
	go func() {
		if err := c.session.Pump(c.ctx, src); err != nil {
			c.t.log.Warn("[SIP] Uplink stopped", "call_id", c.handle, "error", err)
		}
	}()
}

// release frees media and forgets the call.
func (c *Call) release() {
	c.cancel()
	if err := c.session.Close(); err != nil {
		c.t.log.Debug("[SIP] Media close", "call_id", c.handle, "error", err)
	}
	c.mu.Lock()
	dlg := c.dialog
	c.mu.Unlock()
	if dlg != nil {
		_ = dlg.Close()
	}
	c.t.forget(c.handle)
}

// remoteEnded handles a far-end termination. Calls already torn down by a
// command produce no callback.
func (c *Call) remoteEnded(cause string) {
	c.mu.Lock()
	if c.state == dialogTerminated {
		c.mu.Unlock()
		return
	}
	c.state = dialogTerminated
	c.mu.Unlock()

	c.release()
	c.t.log.Info("[SIP] Call ended by remote", "call_id", c.handle, "cause", cause)
	c.t.notify(func(l platform.Listener) { l.OnCallDestroyed(c, cause) })
}

func (c *Call) report(state platform.PlatformState) {
	c.t.notify(func(l platform.Listener) { l.OnStateChanged(c, state) })
}
