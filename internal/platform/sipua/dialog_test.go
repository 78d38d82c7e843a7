package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/telebridge/internal/media"
	"github.com/sebas/telebridge/internal/platform"
)

const waitTimeout = 5 * time.Second

// serverRequest is a request the peer received, with the transaction to answer it on.
type serverRequest struct {
	req *sip.Request
	tx  sip.ServerTransaction
}

// peer is the far end of every dialog: the trunk for outgoing calls and the
// caller for incoming ones.
type peer struct {
	port   int
	uri    sip.Uri
	tag    string
	client *sipgo.Client
	rtp    net.PacketConn

	invites   chan serverRequest
	reinvites chan *sip.Request
	acks      chan *sip.Request
	byes      chan *sip.Request

	mu      sync.Mutex
	pending map[string]serverRequest
}

func newPeer(t *testing.T, port int) *peer {
	t.Helper()

	ua, err := sipgo.NewUA()
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)
	client, err := sipgo.NewClient(ua)
	require.NoError(t, err)
	rtp, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &peer{
		port:      port,
		uri:       sip.Uri{Scheme: "sip", User: "peer", Host: "127.0.0.1", Port: port},
		tag:       generateTag(),
		client:    client,
		rtp:       rtp,
		invites:   make(chan serverRequest, 8),
		reinvites: make(chan *sip.Request, 8),
		acks:      make(chan *sip.Request, 16),
		byes:      make(chan *sip.Request, 8),
		pending:   make(map[string]serverRequest),
	}
	srv.OnRequest(sip.INVITE, p.onINVITE)
	srv.OnRequest(sip.ACK, func(req *sip.Request, tx sip.ServerTransaction) { p.acks <- req })
	srv.OnRequest(sip.BYE, p.onBYE)
	srv.OnRequest(sip.CANCEL, p.onCANCEL)
	srv.OnRequest(sip.OPTIONS, func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ListenAndServe(ctx, "udp", fmt.Sprintf("127.0.0.1:%d", port))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		ua.Close()
		rtp.Close()
	})
	return p
}

func (p *peer) sdp(direction string) []byte {
	body, _ := BuildSDP("127.0.0.1", p.rtp.LocalAddr().(*net.UDPAddr).Port, 1, []media.Codec{media.CodecPCMU}, direction)
	return body
}

// decorate completes a response with our dialog tag, contact and content type.
func (p *peer) decorate(resp *sip.Response) {
	if to := resp.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", p.tag)
		}
	}
	resp.AppendHeader(&sip.ContactHeader{Address: p.uri})
	if len(resp.Body()) > 0 {
		contentType := sip.ContentTypeHeader("application/sdp")
		resp.AppendHeader(&contentType)
	}
}

func (p *peer) onINVITE(req *sip.Request, tx sip.ServerTransaction) {
	if tag, ok := req.To().Params.Get("tag"); ok && tag != "" {
		p.reinvites <- req
		direction := DirectionSendRecv
		if info, err := ParseSDP(req.Body()); err == nil {
			direction = holdDirection(info.Direction)
		}
		resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", p.sdp(direction))
		p.decorate(resp)
		_ = tx.Respond(resp)
		return
	}

	callID := callIDOf(req)
	sr := serverRequest{req: req, tx: tx}
	p.mu.Lock()
	p.pending[callID] = sr
	p.mu.Unlock()
	p.invites <- sr

	<-tx.Done()
	p.mu.Lock()
	delete(p.pending, callID)
	p.mu.Unlock()
}

func (p *peer) onBYE(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	p.byes <- req
}

func (p *peer) onCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	p.mu.Lock()
	sr, ok := p.pending[callIDOf(req)]
	p.mu.Unlock()
	if ok {
		_ = sr.tx.Respond(sip.NewResponseFromRequest(sr.req, sip.StatusCode(487), "Request Terminated", nil))
	}
}

func (p *peer) respond(t *testing.T, sr serverRequest, code int, reason string, body []byte) {
	t.Helper()
	resp := sip.NewResponseFromRequest(sr.req, sip.StatusCode(code), reason, body)
	p.decorate(resp)
	require.NoError(t, sr.tx.Respond(resp))
}

func (p *peer) nextInvite(t *testing.T) serverRequest {
	t.Helper()
	select {
	case sr := <-p.invites:
		return sr
	case <-time.After(waitTimeout):
		t.Fatal("no INVITE received")
		return serverRequest{}
	}
}

func next(t *testing.T, ch <-chan *sip.Request, what string) *sip.Request {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(waitTimeout):
		t.Fatalf("no %s received", what)
		return nil
	}
}

// outOfDialog adds the headers every request the peer originates carries.
func (p *peer) outOfDialog(req *sip.Request, method sip.RequestMethod, callID string) {
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	fromParams := sip.NewParams()
	fromParams.Add("tag", p.tag)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1", Port: p.port},
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: req.Recipient, Params: sip.NewParams()})
	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
}

// reachable reports whether target answers OPTIONS.
func (p *peer) reachable(target sip.Uri) bool {
	req := sip.NewRequest(sip.OPTIONS, target)
	p.outOfDialog(req, sip.OPTIONS, generateTag())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	tx, err := p.client.TransactionRequest(ctx, req)
	if err != nil {
		return false
	}
	defer tx.Terminate()
	select {
	case resp := <-tx.Responses():
		return resp != nil && resp.StatusCode == sip.StatusOK
	case <-tx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// call sends an INVITE with an audio offer to target.
func (p *peer) call(t *testing.T, target sip.Uri, callID string) (*sip.Request, sip.ClientTransaction) {
	t.Helper()
	req := sip.NewRequest(sip.INVITE, target)
	p.outOfDialog(req, sip.INVITE, callID)
	req.AppendHeader(&sip.ContactHeader{Address: p.uri})
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(p.sdp(DirectionSendRecv))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tx, err := p.client.TransactionRequest(ctx, req)
	require.NoError(t, err)
	t.Cleanup(tx.Terminate)
	return req, tx
}

// final waits for the final response on tx.
func final(t *testing.T, tx sip.ClientTransaction) *sip.Response {
	t.Helper()
	deadline := time.After(3 * waitTimeout)
	for {
		select {
		case resp := <-tx.Responses():
			require.NotNil(t, resp)
			if resp.StatusCode >= 200 {
				return resp
			}
		case <-tx.Done():
			t.Fatalf("transaction ended without a final response: %v", tx.Err())
			return nil
		case <-deadline:
			t.Fatal("no final response")
			return nil
		}
	}
}

func (p *peer) ack(t *testing.T, invite *sip.Request, resp *sip.Response) {
	t.Helper()
	require.NoError(t, p.client.WriteRequest(sip.NewAckRequest(invite, resp, nil)))
}

// inDialog sends a request inside the dialog the INVITE established and
// returns its final response. Accepted INVITEs are acknowledged.
func (p *peer) inDialog(t *testing.T, method sip.RequestMethod, invite *sip.Request, answer *sip.Response, seq uint32, body []byte) *sip.Response {
	t.Helper()
	contact := answer.Contact()
	require.NotNil(t, contact)

	req := sip.NewRequest(method, contact.Address)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", answer, req)
	sip.CopyHeaders("Call-ID", invite, req)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: p.uri})
	if len(body) > 0 {
		contentType := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&contentType)
		req.SetBody(body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*waitTimeout)
	defer cancel()
	tx, err := p.client.TransactionRequest(ctx, req)
	require.NoError(t, err)
	defer tx.Terminate()

	resp := final(t, tx)
	if method == sip.INVITE && resp.StatusCode == sip.StatusOK {
		p.ack(t, req, resp)
	}
	return resp
}

// cancel withdraws a pending INVITE.
func (p *peer) cancel(t *testing.T, invite *sip.Request) *sip.Response {
	t.Helper()
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, req)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.CANCEL})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	tx, err := p.client.TransactionRequest(ctx, req)
	require.NoError(t, err)
	defer tx.Terminate()
	return final(t, tx)
}

type added struct {
	call   platform.Call
	caller platform.Caller
}

// recorder is the platform listener under test.
type recorder struct {
	added     chan added
	states    chan platform.PlatformState
	destroyed chan string
}

func newRecorder() *recorder {
	return &recorder{
		added:     make(chan added, 8),
		states:    make(chan platform.PlatformState, 32),
		destroyed: make(chan string, 8),
	}
}

func (r *recorder) OnCallAdded(c platform.Call, caller platform.Caller) { r.added <- added{c, caller} }
func (r *recorder) OnStateChanged(c platform.Call, s platform.PlatformState) {
	r.states <- s
}
func (r *recorder) OnCallDestroyed(c platform.Call, cause string) { r.destroyed <- cause }
func (r *recorder) OnCallRemoved(c platform.Call)                 {}

// expectState waits for want, skipping repeats of earlier states.
func (r *recorder) expectState(t *testing.T, want platform.PlatformState) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case got := <-r.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %v never reported", want)
		}
	}
}

func (r *recorder) expectAdded(t *testing.T) added {
	t.Helper()
	select {
	case a := <-r.added:
		return a
	case <-time.After(waitTimeout):
		t.Fatal("no call added")
		return added{}
	}
}

func (r *recorder) expectDestroyed(t *testing.T) string {
	t.Helper()
	select {
	case cause := <-r.destroyed:
		return cause
	case <-time.After(3 * waitTimeout):
		t.Fatal("call never destroyed")
		return ""
	}
}

func (r *recorder) expectNotDestroyed(t *testing.T) {
	t.Helper()
	select {
	case cause := <-r.destroyed:
		t.Fatalf("unexpected destroy: %s", cause)
	case <-time.After(200 * time.Millisecond):
	}
}

// logRecorder keeps every record so tests can assert on what was sent.
type logRecorder struct {
	mu      sync.Mutex
	entries []map[string]string
}

func (l *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (l *logRecorder) Handle(_ context.Context, r slog.Record) error {
	e := map[string]string{"msg": r.Message}
	r.Attrs(func(a slog.Attr) bool {
		e[a.Key] = a.Value.String()
		return true
	})
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

func (l *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return l }
func (l *logRecorder) WithGroup(string) slog.Handler      { return l }

func (l *logRecorder) seen(msg, key, value string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e["msg"] == msg && strings.HasPrefix(e[key], value) {
			return true
		}
	}
	return false
}

type fixture struct {
	tel   *Telephony
	rec   *recorder
	media *media.Manager
	logs  *logRecorder
	peer  *peer
}

// startFixture runs a Telephony on sipPort whose SIM 1 trunk is a peer on peerPort.
func startFixture(t *testing.T, sipPort, peerPort, rtpBase int) *fixture {
	t.Helper()
	p := newPeer(t, peerPort)

	tr, err := NewTrunk(1, fmt.Sprintf("sip:127.0.0.1:%d", peerPort), "bob", "Bob", "pcmu")
	require.NoError(t, err)
	m := media.NewManager(media.Config{BindAddr: "127.0.0.1", PortMin: rtpBase, PortMax: rtpBase + 9})
	logs := &logRecorder{}
	tel, err := New(Config{
		BindAddr:      "127.0.0.1",
		AdvertiseAddr: "127.0.0.1",
		Port:          sipPort,
		Trunks:        []Trunk{tr},
		Media:         m,
		DialTimeout:   10 * time.Second,
		ProbeTimeout:  500 * time.Millisecond,
		Logger:        slog.New(logs),
	})
	require.NoError(t, err)
	t.Cleanup(func() { tel.Close() })

	rec := newRecorder()
	require.NoError(t, tel.Start(context.Background(), rec))

	require.Eventually(t, func() bool { return tel.Probe(context.Background()) }, waitTimeout, 50*time.Millisecond, "trunk unreachable")
	require.Eventually(t, func() bool { return p.reachable(tel.contact) }, waitTimeout, 50*time.Millisecond, "telephony not listening")
	return &fixture{tel: tel, rec: rec, media: m, logs: logs, peer: p}
}

func (f *fixture) expectReleased(t *testing.T, handle string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_, tracked := f.tel.get(handle)
		return !tracked && f.media.Pool().Allocated() == 0
	}, waitTimeout, 20*time.Millisecond)
}

func TestOutgoingCallAnswered(t *testing.T) {
	f := startFixture(t, 5071, 5081, 32200)
	ctx := context.Background()

	c, err := f.tel.Dial(ctx, platform.DialRequest{Destination: "+15550001", Sim: 1})
	require.NoError(t, err)
	inv := f.peer.nextInvite(t)
	assert.Equal(t, "+15550001", inv.req.Recipient.User)
	assert.Equal(t, c.Handle(), callIDOf(inv.req))

	f.peer.respond(t, inv, 100, "Trying", nil)
	f.rec.expectState(t, platform.StateDialing)
	select {
	case <-c.Placed():
	default:
		t.Fatal("100 Trying must mark the call placed")
	}

	f.peer.respond(t, inv, 180, "Ringing", nil)
	f.rec.expectState(t, platform.StateRinging)

	f.peer.respond(t, inv, 200, "OK", f.peer.sdp(DirectionSendRecv))
	f.rec.expectState(t, platform.StateActive)
	ack := next(t, f.peer.acks, "ACK")
	assert.Equal(t, c.Handle(), callIDOf(ack))

	require.NoError(t, c.Hold(ctx))
	info, err := ParseSDP(next(t, f.peer.reinvites, "hold re-INVITE").Body())
	require.NoError(t, err)
	assert.Equal(t, DirectionSendOnly, info.Direction)

	require.NoError(t, c.Unhold(ctx))
	info, err = ParseSDP(next(t, f.peer.reinvites, "unhold re-INVITE").Body())
	require.NoError(t, err)
	assert.Equal(t, DirectionSendRecv, info.Direction)

	require.NoError(t, c.Disconnect(ctx))
	bye := next(t, f.peer.byes, "BYE")
	assert.Equal(t, c.Handle(), callIDOf(bye))
	f.rec.expectNotDestroyed(t)
	f.expectReleased(t, c.Handle())
}

func TestOutgoingCallRejected(t *testing.T) {
	f := startFixture(t, 5072, 5082, 32210)

	c, err := f.tel.Dial(context.Background(), platform.DialRequest{Destination: "200", Sim: 1})
	require.NoError(t, err)
	inv := f.peer.nextInvite(t)

	f.peer.respond(t, inv, 180, "Ringing", nil)
	f.rec.expectState(t, platform.StateRinging)
	f.peer.respond(t, inv, 486, "Busy Here", nil)

	assert.Equal(t, "486 Busy Here", f.rec.expectDestroyed(t))
	f.expectReleased(t, c.Handle())
}

func TestOutgoingCallCancelledBeforeAnswer(t *testing.T) {
	f := startFixture(t, 5073, 5083, 32220)

	c, err := f.tel.Dial(context.Background(), platform.DialRequest{Destination: "300", Sim: 1})
	require.NoError(t, err)
	inv := f.peer.nextInvite(t)
	f.peer.respond(t, inv, 180, "Ringing", nil)
	f.rec.expectState(t, platform.StateRinging)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Eventually(t, func() bool {
		return f.logs.seen("[Originate] CANCEL response", "status", "200")
	}, waitTimeout, 20*time.Millisecond, "CANCEL not accepted by the trunk")
	f.rec.expectNotDestroyed(t)
	f.expectReleased(t, c.Handle())
}

func TestIncomingCallDeclined(t *testing.T) {
	f := startFixture(t, 5074, 5084, 32230)

	_, tx := f.peer.call(t, f.tel.contact, "in-decline")
	a := f.rec.expectAdded(t)
	assert.Equal(t, "in-decline", a.call.Handle())
	assert.Equal(t, "alice", a.caller.Number)
	assert.Equal(t, "Alice", a.caller.DisplayName)
	f.rec.expectState(t, platform.StateRinging)

	require.NoError(t, a.call.Reject(context.Background()))
	assert.Equal(t, sip.StatusCode(603), final(t, tx).StatusCode)
	f.rec.expectNotDestroyed(t)
	f.expectReleased(t, a.call.Handle())
}

func TestIncomingCallAnsweredHeldAndHungUpRemotely(t *testing.T) {
	f := startFixture(t, 5075, 5085, 32240)

	invite, tx := f.peer.call(t, f.tel.contact, "in-answer")
	a := f.rec.expectAdded(t)
	f.rec.expectState(t, platform.StateRinging)

	require.NoError(t, a.call.Answer(context.Background()))
	answer := final(t, tx)
	require.Equal(t, sip.StatusOK, answer.StatusCode)
	info, err := ParseSDP(answer.Body())
	require.NoError(t, err)
	assert.Equal(t, a.call.(*Call).session.LocalPort(), info.Port)
	f.peer.ack(t, invite, answer)

	resp := f.peer.inDialog(t, sip.INVITE, invite, answer, 2, f.peer.sdp(DirectionSendOnly))
	require.Equal(t, sip.StatusOK, resp.StatusCode)
	info, err = ParseSDP(resp.Body())
	require.NoError(t, err)
	assert.Equal(t, DirectionRecvOnly, info.Direction)
	f.rec.expectState(t, platform.StateHolding)

	resp = f.peer.inDialog(t, sip.INVITE, invite, answer, 3, f.peer.sdp(DirectionSendRecv))
	require.Equal(t, sip.StatusOK, resp.StatusCode)
	f.rec.expectState(t, platform.StateActive)

	resp = f.peer.inDialog(t, sip.BYE, invite, answer, 4, nil)
	assert.Equal(t, sip.StatusOK, resp.StatusCode)
	assert.Equal(t, "remote hangup", f.rec.expectDestroyed(t))
	f.expectReleased(t, a.call.Handle())
}

func TestIncomingCallCancelledWhileRinging(t *testing.T) {
	f := startFixture(t, 5076, 5086, 32250)

	invite, tx := f.peer.call(t, f.tel.contact, "in-cancel")
	a := f.rec.expectAdded(t)
	f.rec.expectState(t, platform.StateRinging)

	assert.Equal(t, sip.StatusOK, f.peer.cancel(t, invite).StatusCode)
	assert.Equal(t, sip.StatusCode(487), final(t, tx).StatusCode)
	assert.Equal(t, "cancelled", f.rec.expectDestroyed(t))
	f.expectReleased(t, a.call.Handle())
}
