package sipua

import (
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/telebridge/internal/media"
	"github.com/sebas/telebridge/internal/platform"
)

// handleINVITE processes incoming INVITE requests: new calls ring, in-dialog
// INVITEs are remote hold or unhold.
func (t *Telephony) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if c, ok := t.get(callID); ok {
		t.handleReINVITE(c, req, tx)
		return
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		t.respond(req, tx, 503, "Service Unavailable")
		return
	}

	log := t.log.With("call_id", callID)
	log.Info("[SIP] Received INVITE", "from", req.From(), "to", req.To())

	t.respond(req, tx, 100, "Trying")

	info, err := ParseSDP(req.Body())
	if err != nil {
		log.Warn("[SIP] Invalid SDP offer", "error", err)
		t.respond(req, tx, 488, "Not Acceptable Here")
		return
	}
	codec, err := Negotiate(info.Formats)
	if err != nil {
		log.Warn("[SIP] No common codec", "offered", info.Formats)
		t.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	session, err := t.cfg.Media.Open(callID, codec)
	if err != nil {
		log.Error("[SIP] Media allocation failed", "error", err)
		t.respond(req, tx, 500, "Server Internal Error")
		return
	}
	if err := session.SetRemote(info.Addr, info.Port); err != nil {
		session.Close()
		log.Warn("[SIP] Bad remote media address", "error", err)
		t.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	c := newCall(t, callID, false, session)
	c.invite = req
	c.inviteTx = tx

	t.mu.Lock()
	t.calls[callID] = c
	t.mu.Unlock()

	caller := callerOf(req)
	t.notify(func(l platform.Listener) { l.OnCallAdded(c, caller) })

	t.respond(req, tx, 180, "Ringing")
	c.report(platform.StateRinging)
	log.Info("[SIP] Ringing", "number", caller.Number, "name", caller.DisplayName, "codec", codec.Name)

	// the server transaction ends when the handler returns, so hold it open
	// until the call is answered or torn down
	select {
	case <-tx.Done():
	case <-c.ctx.Done():
		return
	}
	if c.dialogState() == dialogEarly {
		c.remoteEnded("cancelled")
	}
}

// handleReINVITE answers a remote session update and mirrors its hold state.
func (t *Telephony) handleReINVITE(c *Call, req *sip.Request, tx sip.ServerTransaction) {
	if c.dialogState() != dialogConfirmed {
		t.respond(req, tx, 491, "Request Pending")
		return
	}

	info, err := ParseSDP(req.Body())
	if err != nil {
		t.log.Warn("[SIP] Invalid re-INVITE SDP", "call_id", c.handle, "error", err)
		t.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	answer, err := BuildSDP(t.cfg.AdvertiseAddr, c.session.LocalPort(), c.version.Add(1),
		[]media.Codec{c.session.Codec()}, holdDirection(info.Direction))
	if err != nil {
		t.respond(req, tx, 500, "Server Internal Error")
		return
	}
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	contentType := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&contentType)
	resp.AppendHeader(&sip.ContactHeader{Address: t.contact})
	if err := tx.Respond(resp); err != nil {
		t.log.Error("[SIP] Failed to answer re-INVITE", "call_id", c.handle, "error", err)
		return
	}

	if info.Port > 0 {
		if err := c.session.SetRemote(info.Addr, info.Port); err != nil {
			t.log.Warn("[SIP] Bad remote media address", "call_id", c.handle, "error", err)
		}
	}

	remoteHeld := info.Direction != DirectionSendRecv
	c.mu.Lock()
	changed := c.held != remoteHeld
	c.held = remoteHeld
	c.mu.Unlock()
	c.session.SetHeld(remoteHeld)

	if !changed {
		return
	}
	t.log.Info("[SIP] Remote hold changed", "call_id", c.handle, "held", remoteHeld)
	if remoteHeld {
		c.report(platform.StateHolding)
	} else {
		c.report(platform.StateActive)
	}
}

func (t *Telephony) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := t.get(callIDOf(req))
	if !ok {
		return
	}
	c.mu.Lock()
	dlg := c.dialog
	c.mu.Unlock()
	if dlg == nil {
		return
	}
	if err := dlg.ReadAck(req, tx); err != nil {
		// re-INVITE ACKs are not part of the initial transaction
		t.log.Debug("[SIP] ACK not matched to dialog", "call_id", c.handle, "error", err)
	}
}

// handleBYE processes a BYE from the remote party.
func (t *Telephony) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := t.get(callIDOf(req))
	if !ok {
		t.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	c.mu.Lock()
	dlg := c.dialog
	c.mu.Unlock()

	if dlg != nil {
		if err := dlg.ReadBye(req, tx); err != nil {
			t.log.Warn("[SIP] Failed to read BYE", "call_id", c.handle, "error", err)
		}
	} else {
		t.respond(req, tx, 200, "OK")
	}
	c.remoteEnded("remote hangup")
}

// handleCANCEL stops a ringing incoming call (RFC 3261 section 9.2).
func (t *Telephony) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := t.get(callIDOf(req))
	if !ok || c.outgoing || c.dialogState() != dialogEarly {
		t.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	t.respond(req, tx, 200, "OK")

	c.mu.Lock()
	invite, inviteTx := c.invite, c.inviteTx
	c.mu.Unlock()
	terminated := sip.NewResponseFromRequest(invite, sip.StatusCode(487), "Request Terminated", nil)
	if err := inviteTx.Respond(terminated); err != nil {
		t.log.Debug("[SIP] 487 not sent", "call_id", c.handle, "error", err)
	}
	c.remoteEnded("cancelled")
}

// handleOPTIONS lets trunks and peers probe us.
func (t *Telephony) handleOPTIONS(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS"))
	if err := tx.Respond(resp); err != nil {
		t.log.Debug("[SIP] OPTIONS response failed", "error", err)
	}
}

func (t *Telephony) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	resp := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	if err := tx.Respond(resp); err != nil {
		t.log.Debug("[SIP] Response not sent", "status", code, "call_id", callIDOf(req), "error", err)
	}
}

// callerOf extracts the remote number and display name from the From header.
func callerOf(req *sip.Request) platform.Caller {
	from := req.From()
	if from == nil {
		return platform.Caller{}
	}
	return platform.Caller{
		Number:      from.Address.User,
		DisplayName: strings.Trim(from.DisplayName, "\""),
	}
}
