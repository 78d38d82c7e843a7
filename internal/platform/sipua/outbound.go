package sipua

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/telebridge/internal/media"
	"github.com/sebas/telebridge/internal/platform"
)

// originate sends the INVITE and drives the call until it is answered,
// fails or is cancelled.
func (t *Telephony) originate(c *Call) {
	dialCtx, cancel := context.WithTimeout(c.ctx, t.cfg.DialTimeout)
	defer cancel()

	tx, err := t.client.TransactionRequest(dialCtx, c.invite)
	if err != nil {
		t.log.Warn("[Originate] INVITE failed", "call_id", c.handle, "error", err)
		c.fail("503 Transaction failed")
		return
	}
	defer tx.Terminate()

	t.log.Info("[Originate] INVITE sent",
		"call_id", c.handle,
		"sim", c.trunk.Sim,
		"target", c.invite.Recipient.String(),
	)

	for {
		select {
		case <-dialCtx.Done():
			t.abandon(c)
			return

		case resp := <-tx.Responses():
			if resp == nil {
				c.fail("408 No Response")
				return
			}
			if done := t.handleResponse(c, resp); done {
				return
			}

		case <-tx.Done():
			if c.dialogState() == dialogConfirmed {
				return
			}
			if dialCtx.Err() != nil {
				// the transaction may end with the dial context
				t.abandon(c)
				return
			}
			cause := "500 Transaction terminated unexpectedly"
			if err := tx.Err(); err != nil {
				cause = fmt.Sprintf("500 %v", err)
			}
			c.fail(cause)
			return
		}
	}
}

// abandon cancels an INVITE that timed out or was hung up locally.
func (t *Telephony) abandon(c *Call) {
	if err := t.sendCANCEL(c); err != nil {
		t.log.Warn("[Originate] CANCEL failed", "call_id", c.handle, "error", err)
	}
	c.fail("408 Request Timeout")
}

// fail ends an unanswered outgoing call. A call hung up locally only
// releases its resources.
func (c *Call) fail(cause string) {
	if c.dialogState() == dialogTerminated {
		c.release()
		return
	}
	c.remoteEnded(cause)
}

// handleResponse processes one INVITE response. It returns true once the
// INVITE transaction has a final outcome.
func (t *Telephony) handleResponse(c *Call, resp *sip.Response) bool {
	status := int(resp.StatusCode)
	t.log.Debug("[Originate] Response received", "call_id", c.handle, "status", status, "reason", resp.Reason)

	switch {
	case status == 100:
		c.markPlaced()
		c.report(platform.StateDialing)
		return false

	case status >= 180 && status < 200:
		c.markPlaced()
		if status == 183 && len(resp.Body()) > 0 {
			if err := c.applyRemote(resp.Body()); err != nil {
				t.log.Warn("[Originate] Early media setup failed", "call_id", c.handle, "error", err)
			}
		}
		c.report(platform.StateRinging)
		return false

	case status >= 200 && status < 300:
		t.handle2xx(c, resp)
		return true

	default:
		t.log.Info("[Originate] Call rejected", "call_id", c.handle, "status", status, "reason", resp.Reason)
		c.fail(fmt.Sprintf("%d %s", status, resp.Reason))
		return true
	}
}

// handle2xx confirms the dialog: record the remote target, ACK, start media.
func (t *Telephony) handle2xx(c *Call, resp *sip.Response) {
	c.markPlaced()

	if len(resp.Body()) > 0 {
		if err := c.applyRemote(resp.Body()); err != nil {
			t.log.Error("[Originate] Failed to extract remote media", "call_id", c.handle, "error", err)
		}
	}

	var remoteTag string
	if to := resp.To(); to != nil {
		remoteTag, _ = to.Params.Get("tag")
	}

	ack := sip.NewAckRequest(c.invite, resp, nil)
	if err := t.client.WriteRequest(ack); err != nil {
		// the 200 OK still stands
		t.log.Error("[Originate] Failed to send ACK", "call_id", c.handle, "error", err)
	}

	c.mu.Lock()
	hungUp := c.state == dialogTerminated
	c.response = resp
	c.remoteTag = remoteTag
	if !hungUp {
		c.state = dialogConfirmed
	}
	c.mu.Unlock()

	if hungUp {
		// answered while the CANCEL was in flight
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.sendBYE(ctx); err != nil {
			t.log.Warn("[Originate] Teardown BYE failed", "call_id", c.handle, "error", err)
		}
		c.release()
		return
	}

	c.startUplink()
	t.log.Info("[Originate] Call answered", "call_id", c.handle, "remote_tag", remoteTag)
	c.report(platform.StateActive)
}

// applyRemote points media at the far end described by an SDP body.
func (c *Call) applyRemote(body []byte) error {
	info, err := ParseSDP(body)
	if err != nil {
		return err
	}
	codec, err := Negotiate(info.Formats)
	if err != nil {
		return err
	}
	if err := c.session.SetRemote(info.Addr, info.Port); err != nil {
		return err
	}
	c.session.SetCodec(codec)
	return nil
}

// sendCANCEL cancels the pending INVITE (RFC 3261 section 9.1).
func (t *Telephony) sendCANCEL(c *Call) error {
	invite := c.invite
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := t.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			t.log.Debug("[Originate] CANCEL response", "call_id", c.handle, "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
	}
	t.log.Info("[Originate] CANCEL sent", "call_id", c.handle)
	return nil
}

// sendBYE ends a confirmed dialog.
func (c *Call) sendBYE(ctx context.Context) error {
	c.mu.Lock()
	dlg := c.dialog
	c.mu.Unlock()

	if dlg != nil {
		if err := dlg.Bye(ctx); err != nil {
			return fmt.Errorf("send BYE: %w", err)
		}
		c.t.log.Info("[SIP] BYE sent via session", "call_id", c.handle)
		return nil
	}

	bye, err := c.buildInDialog(sip.BYE, nil)
	if err != nil {
		return err
	}
	resp, err := c.t.request(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	c.t.log.Info("[SIP] BYE sent", "call_id", c.handle, "status", resp.StatusCode)
	return nil
}

// sendReINVITE renegotiates the media direction.
func (c *Call) sendReINVITE(ctx context.Context, direction string) error {
	offer, err := BuildSDP(c.t.cfg.AdvertiseAddr, c.session.LocalPort(), c.version.Add(1), []media.Codec{c.session.Codec()}, direction)
	if err != nil {
		return fmt.Errorf("build SDP offer: %w", err)
	}
	req, err := c.buildInDialog(sip.INVITE, offer)
	if err != nil {
		return err
	}

	resp, err := c.t.request(ctx, req)
	if err != nil {
		return fmt.Errorf("send re-INVITE: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("re-INVITE rejected: %d %s", resp.StatusCode, resp.Reason)
	}

	ack := sip.NewAckRequest(req, resp, nil)
	if err := c.t.client.WriteRequest(ack); err != nil {
		c.t.log.Warn("[SIP] Failed to send ACK for re-INVITE", "call_id", c.handle, "error", err)
	}
	c.t.log.Info("[SIP] Re-INVITE accepted", "call_id", c.handle, "direction", direction)
	return nil
}

// request sends req and waits for its final response.
func (t *Telephony) request(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, errors.New("transaction terminated without response")
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated without response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// buildInDialog constructs an in-dialog request (RFC 3261 section 12.2.1.1).
// Outgoing calls reuse our INVITE's From/To; incoming calls swap them.
func (c *Call) buildInDialog(method sip.RequestMethod, sdpBody []byte) (*sip.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.invite == nil || c.response == nil {
		return nil, errors.New("dialog not established")
	}

	var recipient sip.Uri
	if c.outgoing {
		if contact := c.response.Contact(); contact != nil {
			recipient = contact.Address
		} else if to := c.invite.To(); to != nil {
			recipient = to.Address
		}
	} else {
		if contact := c.invite.Contact(); contact != nil {
			recipient = contact.Address
			recipient.UriParams = sip.NewParams()
		} else {
			recipient = c.invite.From().Address
		}
	}

	req := sip.NewRequest(method, recipient)
	if len(c.invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", c.invite, req)
	}

	if c.outgoing {
		if from := c.invite.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := c.invite.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if c.remoteTag != "" {
				toHdr.Params.Add("tag", c.remoteTag)
			}
			req.AppendHeader(toHdr)
		}
	} else {
		if to := c.response.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
		if from := c.invite.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if callIDHdr := c.invite.CallID(); callIDHdr != nil {
		req.AppendHeader(callIDHdr)
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq.Add(1), MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: c.t.contact})

	if len(sdpBody) > 0 {
		contentType := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&contentType)
		req.SetBody(sdpBody)
	}
	return req, nil
}
